package backup

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Signer signs an object with the account's cross-signing master key. The
// returned key id names the key ("ed25519:<id>"); the signature goes under
// signatures[userID][keyID].
type Signer interface {
	Sign(object map[string]interface{}) (keyID, signature string, err error)
}

// Verifier checks a signature made by Sign against a published public key.
type Verifier interface {
	Verify(object map[string]interface{}, publicKey, userID string) error
}

// canonicalJSON encodes the object with sorted keys and no insignificant
// whitespace, with the signatures and unsigned properties removed.
func canonicalJSON(object map[string]interface{}) ([]byte, error) {
	stripped := make(map[string]interface{}, len(object))
	for k, v := range object {
		if k == "signatures" || k == "unsigned" {
			continue
		}
		stripped[k] = v
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(stripped); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Ed25519Signer signs canonical JSON with a raw ed25519 key. Embedders with
// a real cross-signing implementation supply their own Signer instead.
type Ed25519Signer struct {
	keyID string
	priv  ed25519.PrivateKey
}

func NewEd25519Signer(keyID string, priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{keyID: keyID, priv: priv}
}

func (s *Ed25519Signer) Sign(object map[string]interface{}) (string, string, error) {
	canonical, err := canonicalJSON(object)
	if err != nil {
		return "", "", fmt.Errorf("backup: signing object: %w", err)
	}
	sig := ed25519.Sign(s.priv, canonical)
	return "ed25519:" + s.keyID, base64.RawStdEncoding.EncodeToString(sig), nil
}

// Ed25519Verifier verifies signatures produced by Ed25519Signer. The public
// key is unpadded base64.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(object map[string]interface{}, publicKey, userID string) error {
	pub, err := decodeBase64(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("backup: bad ed25519 public key")
	}
	signatures, ok := object["signatures"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("backup: object has no signatures")
	}
	userSigs, ok := signatures[userID].(map[string]interface{})
	if !ok {
		return fmt.Errorf("backup: object has no signatures for %s", userID)
	}
	canonical, err := canonicalJSON(object)
	if err != nil {
		return fmt.Errorf("backup: verifying object: %w", err)
	}
	for keyID, rawSig := range userSigs {
		if !strings.HasPrefix(keyID, "ed25519:") {
			continue
		}
		sigStr, ok := rawSig.(string)
		if !ok {
			continue
		}
		sig, err := decodeBase64(sigStr)
		if err != nil {
			continue
		}
		if ed25519.Verify(ed25519.PublicKey(pub), canonical, sig) {
			return nil
		}
	}
	return fmt.Errorf("backup: no valid signature for %s", userID)
}

// decodeBase64 accepts both padded and unpadded standard base64.
func decodeBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func encodeBase64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}
