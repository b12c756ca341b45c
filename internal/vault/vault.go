// Package vault encrypts signer keys and exchange credentials at rest.
//
// Each wallet carries its own random salt. The master secret never leaves
// the process and decrypted plaintext is returned to the caller only.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltBytes = 16
	keyBytes  = 32
)

var (
	ErrEmptyMasterKey = errors.New("vault: master key is empty")
	ErrBadSalt        = errors.New("vault: salt is not valid base64")
	ErrDecrypt        = errors.New("vault: ciphertext could not be decrypted")
)

// KeyVault is the opaque encrypt/decrypt capability used by the rest of the
// engine. Implementations must not log or persist plaintext.
type KeyVault interface {
	Encrypt(plaintext, salt string) (string, error)
	Decrypt(ciphertext, salt string) (string, error)
}

// AESVault seals values with AES-256-GCM under a key stretched from the
// master secret and the per-wallet salt with PBKDF2-SHA256.
type AESVault struct {
	master     []byte
	iterations int
}

// NewAESVault returns a vault keyed by master.
func NewAESVault(master string, iterations int) (*AESVault, error) {
	if master == "" {
		return nil, ErrEmptyMasterKey
	}
	if iterations < 1 {
		iterations = 1
	}
	return &AESVault{master: []byte(master), iterations: iterations}, nil
}

// NewSalt returns a fresh random salt suitable for Encrypt.
func NewSalt() (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("vault: generate salt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func (v *AESVault) aead(salt string) (cipher.AEAD, error) {
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil || len(rawSalt) == 0 {
		return nil, ErrBadSalt
	}
	key := pbkdf2.Key(v.master, rawSalt, v.iterations, keyBytes, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt returns base64(nonce || sealed).
func (v *AESVault) Encrypt(plaintext, salt string) (string, error) {
	gcm, err := v.aead(salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. A wrong salt or master key yields ErrDecrypt.
func (v *AESVault) Decrypt(ciphertext, salt string) (string, error) {
	gcm, err := v.aead(salt)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) < gcm.NonceSize() {
		return "", ErrDecrypt
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
