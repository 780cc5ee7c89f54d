package cryptostore

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// deriveKey turns a password into a 32-byte database key using argon2id. The
// salt lives in a file next to the database so the same password always
// yields the same key for a given root directory.
func deriveKey(password, root string) ([]byte, error) {
	salt, err := loadOrCreateSalt(filepath.Join(root, "salt"))
	if err != nil {
		return nil, fmt.Errorf("cryptostore: getting key salt: %w", err)
	}
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32), nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path) // #nosec G304
	if err == nil {
		if len(salt) != 16 {
			return nil, fmt.Errorf("expected 16-byte salt, got %d bytes", len(salt))
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	salt = make([]byte, 16)
	if _, err := crypto_rand.Read(salt); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_SYNC, 0o400) // #nosec G304
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(salt); err != nil {
		f.Close() // #nosec G104
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return salt, nil
}
