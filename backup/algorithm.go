package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/scalarmult"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Curve25519AlgorithmName backs up sessions encrypted to a curve25519
	// public key. Anyone holding the private key can write to the backup,
	// so restored sessions are marked untrusted.
	Curve25519AlgorithmName = "m.megolm_backup.v1.curve25519-aes-sha2"
	// AES256AlgorithmName backs up sessions under a symmetric key. Writing
	// requires the same secret needed to read, so restores are trusted.
	AES256AlgorithmName = "org.matrix.msc3270.v1.aes-hmac-sha2"
)

var (
	ErrUnknownAlgorithm = errors.New("backup: unknown backup algorithm")
	// ErrKeyMismatch means the supplied private key does not open this
	// backup version.
	ErrKeyMismatch = errors.New("backup: private key does not match backup")
)

// Algorithm is one way of sealing megolm sessions into a backup. privKey is
// the backup decryption key; the curve25519 algorithm ignores it when
// encrypting.
type Algorithm interface {
	Name() string
	// Untrusted reports whether sessions restored from this backup must be
	// marked as coming from an unverified source.
	Untrusted() bool
	EncryptSession(privKey []byte, session *MegolmSessionData) (json.RawMessage, error)
	DecryptSessions(privKey []byte, sessions map[string]*KeyBackupSession) ([]*MegolmSessionData, error)
	KeyMatches(privKey []byte) (bool, error)
}

// NewAlgorithm picks the implementation named by the version info, before
// any network or store work happens.
func NewAlgorithm(info *VersionInfo) (Algorithm, error) {
	switch info.Algorithm {
	case Curve25519AlgorithmName:
		return newCurve25519Algorithm(info.AuthData)
	case AES256AlgorithmName:
		return newAES256Algorithm(info.AuthData)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, info.Algorithm)
	}
}

// PrepareAuthData builds the public auth_data matching a private key for a
// fresh backup version.
func PrepareAuthData(algorithm string, privKey []byte) (map[string]interface{}, error) {
	switch algorithm {
	case Curve25519AlgorithmName:
		priv, err := naclKey(privKey)
		if err != nil {
			return nil, err
		}
		pub := scalarmult.Base(priv)
		return map[string]interface{}{"public_key": encodeBase64(pub[:])}, nil
	case AES256AlgorithmName:
		iv, mac, err := calculateKeyCheck(privKey, nil)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"iv": iv, "mac": mac}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algorithm)
	}
}

// NewBackupKey generates a fresh 32-byte backup private key.
func NewBackupKey() []byte {
	key := make([]byte, 32)
	if _, err := io.ReadFull(crypto_rand.Reader, key); err != nil {
		panic("short read from random source")
	}
	return key
}

const passphraseIterations = 500000

// KeyFromPassphrase derives a backup private key from a passphrase with the
// salt and iteration count recorded in auth_data.
func KeyFromPassphrase(passphrase, salt string, iterations int) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(salt), iterations, 32, sha512.New)
}

// NewPassphraseSalt returns a fresh salt for KeyFromPassphrase.
func NewPassphraseSalt() string {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(crypto_rand.Reader, salt); err != nil {
		panic("short read from random source")
	}
	return hex.EncodeToString(salt)
}

// sessionPlaintext is what actually gets sealed; room and session ids travel
// in the payload structure around it.
func sessionPlaintext(session *MegolmSessionData) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"algorithm":                       session.Algorithm,
		"sender_key":                      session.SenderKey,
		"sender_claimed_keys":             session.SenderClaimedKeys,
		"forwarding_curve25519_key_chain": session.ForwardingKeyChain,
		"session_key":                     session.SessionKey,
	})
}

func naclKey(b []byte) (nacl.Key, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("backup: key must be 32 bytes, got %d", len(b))
	}
	k := new([32]byte)
	copy(k[:], b)
	return nacl.Key(k), nil
}

// curve25519Algorithm seals each session to the backup public key with an
// ephemeral ECDH: HKDF-SHA256 over the shared secret yields an AES-256-CBC
// key, an HMAC-SHA256 key and the IV; the mac is truncated to 8 bytes.
type curve25519Algorithm struct {
	publicKey nacl.Key
}

type curve25519SessionData struct {
	Ciphertext string `json:"ciphertext"`
	Mac        string `json:"mac"`
	Ephemeral  string `json:"ephemeral"`
}

func newCurve25519Algorithm(authData map[string]interface{}) (*curve25519Algorithm, error) {
	raw, ok := authData["public_key"].(string)
	if !ok {
		return nil, fmt.Errorf("backup: auth_data has no public_key")
	}
	pub, err := decodeBase64(raw)
	if err != nil {
		return nil, fmt.Errorf("backup: bad public_key: %w", err)
	}
	key, err := naclKey(pub)
	if err != nil {
		return nil, err
	}
	return &curve25519Algorithm{publicKey: key}, nil
}

func (a *curve25519Algorithm) Name() string    { return Curve25519AlgorithmName }
func (a *curve25519Algorithm) Untrusted() bool { return true }

func (a *curve25519Algorithm) KeyMatches(privKey []byte) (bool, error) {
	priv, err := naclKey(privKey)
	if err != nil {
		return false, err
	}
	pub := scalarmult.Base(priv)
	return *pub == *a.publicKey, nil
}

func curve25519DeriveKeys(shared []byte) (aesKey, macKey, iv []byte, err error) {
	expanded := make([]byte, 80)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), expanded); err != nil {
		return nil, nil, nil, fmt.Errorf("backup: deriving keys: %w", err)
	}
	return expanded[0:32], expanded[32:64], expanded[64:80], nil
}

func (a *curve25519Algorithm) EncryptSession(_ []byte, session *MegolmSessionData) (json.RawMessage, error) {
	plaintext, err := sessionPlaintext(session)
	if err != nil {
		return nil, err
	}
	ephemeral := nacl.NewKey()
	shared := scalarmult.Mult(ephemeral, a.publicKey)
	aesKey, macKey, iv, err := curve25519DeriveKeys(shared[:])
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)

	ephemeralPub := scalarmult.Base(ephemeral)
	return json.Marshal(&curve25519SessionData{
		Ciphertext: encodeBase64(ciphertext),
		Mac:        encodeBase64(mac.Sum(nil)[:8]),
		Ephemeral:  encodeBase64(ephemeralPub[:]),
	})
}

func (a *curve25519Algorithm) DecryptSessions(privKey []byte, sessions map[string]*KeyBackupSession) ([]*MegolmSessionData, error) {
	priv, err := naclKey(privKey)
	if err != nil {
		return nil, err
	}
	out := make([]*MegolmSessionData, 0, len(sessions))
	for sessionID, session := range sessions {
		var data curve25519SessionData
		if err := json.Unmarshal(session.SessionData, &data); err != nil {
			return nil, fmt.Errorf("backup: bad session data for %s: %w", sessionID, err)
		}
		decrypted, err := a.decryptSessionData(priv, &data)
		if err != nil {
			return nil, fmt.Errorf("backup: decrypting session %s: %w", sessionID, err)
		}
		var megolm MegolmSessionData
		if err := json.Unmarshal(decrypted, &megolm); err != nil {
			return nil, fmt.Errorf("backup: bad decrypted session %s: %w", sessionID, err)
		}
		megolm.SessionID = sessionID
		out = append(out, &megolm)
	}
	return out, nil
}

func (a *curve25519Algorithm) decryptSessionData(priv nacl.Key, data *curve25519SessionData) ([]byte, error) {
	ephemeralRaw, err := decodeBase64(data.Ephemeral)
	if err != nil {
		return nil, err
	}
	ephemeral, err := naclKey(ephemeralRaw)
	if err != nil {
		return nil, err
	}
	shared := scalarmult.Mult(priv, ephemeral)
	aesKey, macKey, iv, err := curve25519DeriveKeys(shared[:])
	if err != nil {
		return nil, err
	}

	ciphertext, err := decodeBase64(data.Ciphertext)
	if err != nil {
		return nil, err
	}
	expectedMac, err := decodeBase64(data.Mac)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)
	if !hmac.Equal(mac.Sum(nil)[:8], expectedMac) {
		return nil, errors.New("bad mac")
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, errors.New("bad ciphertext length")
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext, block.BlockSize())
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, errors.New("bad padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errors.New("bad padding")
		}
	}
	return b[:len(b)-n], nil
}

// aes256Algorithm seals each session with AES-256-CTR + HMAC-SHA256, keys
// derived per session id via HKDF-SHA256 from the shared secret. auth_data
// carries a key check: the encryption of 32 zero bytes under the empty name.
type aes256Algorithm struct {
	checkIV  string
	checkMac string
}

type aes256SessionData struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Mac        string `json:"mac"`
}

func newAES256Algorithm(authData map[string]interface{}) (*aes256Algorithm, error) {
	iv, _ := authData["iv"].(string)
	mac, _ := authData["mac"].(string)
	if iv == "" || mac == "" {
		return nil, fmt.Errorf("backup: auth_data has no key check")
	}
	return &aes256Algorithm{checkIV: iv, checkMac: mac}, nil
}

func (a *aes256Algorithm) Name() string    { return AES256AlgorithmName }
func (a *aes256Algorithm) Untrusted() bool { return false }

func (a *aes256Algorithm) KeyMatches(privKey []byte) (bool, error) {
	ivRaw, err := decodeBase64(a.checkIV)
	if err != nil {
		return false, err
	}
	_, mac, err := calculateKeyCheck(privKey, ivRaw)
	if err != nil {
		return false, err
	}
	expected, err := decodeBase64(a.checkMac)
	if err != nil {
		return false, err
	}
	actual, err := decodeBase64(mac)
	if err != nil {
		return false, err
	}
	return hmac.Equal(actual, expected), nil
}

func (a *aes256Algorithm) EncryptSession(privKey []byte, session *MegolmSessionData) (json.RawMessage, error) {
	plaintext, err := sessionPlaintext(session)
	if err != nil {
		return nil, err
	}
	iv, ciphertext, mac, err := encryptAES(plaintext, privKey, session.SessionID, nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&aes256SessionData{IV: iv, Ciphertext: ciphertext, Mac: mac})
}

func (a *aes256Algorithm) DecryptSessions(privKey []byte, sessions map[string]*KeyBackupSession) ([]*MegolmSessionData, error) {
	out := make([]*MegolmSessionData, 0, len(sessions))
	for sessionID, session := range sessions {
		var data aes256SessionData
		if err := json.Unmarshal(session.SessionData, &data); err != nil {
			return nil, fmt.Errorf("backup: bad session data for %s: %w", sessionID, err)
		}
		decrypted, err := decryptAES(&data, privKey, sessionID)
		if err != nil {
			return nil, fmt.Errorf("backup: decrypting session %s: %w", sessionID, err)
		}
		var megolm MegolmSessionData
		if err := json.Unmarshal(decrypted, &megolm); err != nil {
			return nil, fmt.Errorf("backup: bad decrypted session %s: %w", sessionID, err)
		}
		megolm.SessionID = sessionID
		out = append(out, &megolm)
	}
	return out, nil
}

func aes256DeriveKeys(key []byte, name string) (aesKey, macKey []byte, err error) {
	if len(key) == 0 {
		return nil, nil, errors.New("backup: missing backup key")
	}
	zeroSalt := make([]byte, 32)
	expanded := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, zeroSalt, []byte(name)), expanded); err != nil {
		return nil, nil, fmt.Errorf("backup: deriving keys: %w", err)
	}
	return expanded[0:32], expanded[32:64], nil
}

func encryptAES(plaintext, key []byte, name string, iv []byte) (ivOut, ciphertextOut, macOut string, err error) {
	aesKey, macKey, err := aes256DeriveKeys(key, name)
	if err != nil {
		return "", "", "", err
	}
	if iv == nil {
		iv = make([]byte, 16)
		if _, err := io.ReadFull(crypto_rand.Reader, iv); err != nil {
			return "", "", "", err
		}
		// clear bit 63 so the counter never overflows
		iv[8] &= 0x7f
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", "", "", err
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)
	encoded := encodeBase64(ciphertext)

	mac := hmac.New(sha256.New, macKey)
	mac.Write([]byte(encoded))
	return encodeBase64(iv), encoded, encodeBase64(mac.Sum(nil)), nil
}

func decryptAES(data *aes256SessionData, key []byte, name string) ([]byte, error) {
	aesKey, macKey, err := aes256DeriveKeys(key, name)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write([]byte(data.Ciphertext))
	expected, err := decodeBase64(data.Mac)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(mac.Sum(nil), expected) {
		return nil, errors.New("bad mac")
	}

	iv, err := decodeBase64(data.IV)
	if err != nil {
		return nil, err
	}
	ciphertext, err := decodeBase64(data.Ciphertext)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// calculateKeyCheck produces the iv/mac pair proving knowledge of the key
// without revealing it.
func calculateKeyCheck(key, iv []byte) (ivOut, macOut string, err error) {
	zeros := make([]byte, 32)
	ivOut, _, macOut, err = encryptAES(zeros, key, "", iv)
	return ivOut, macOut, err
}
