package vault

import (
	"errors"
	"testing"
)

func newTestVault(t *testing.T, master string) *AESVault {
	t.Helper()
	v, err := NewAESVault(master, 1000)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestEncryptDecrypt(t *testing.T) {
	v := newTestVault(t, "master-secret")
	salt, err := NewSalt()
	if err != nil {
		t.Fatal(err)
	}

	ct, err := v.Encrypt("0xdeadbeef", salt)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ct == "0xdeadbeef" {
		t.Fatal("ciphertext equals plaintext")
	}
	pt, err := v.Decrypt(ct, salt)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if pt != "0xdeadbeef" {
		t.Errorf("expected round trip, got %q", pt)
	}
}

func TestEncrypt_NonceIsFresh(t *testing.T) {
	v := newTestVault(t, "master-secret")
	salt, _ := NewSalt()
	a, _ := v.Encrypt("same", salt)
	b, _ := v.Encrypt("same", salt)
	if a == b {
		t.Error("expected distinct ciphertexts for repeated encryption")
	}
}

func TestDecrypt_WrongSaltOrKey(t *testing.T) {
	v := newTestVault(t, "master-secret")
	salt, _ := NewSalt()
	other, _ := NewSalt()
	ct, _ := v.Encrypt("secret", salt)

	if _, err := v.Decrypt(ct, other); !errors.Is(err, ErrDecrypt) {
		t.Errorf("wrong salt: expected ErrDecrypt, got %v", err)
	}
	if _, err := newTestVault(t, "other-master").Decrypt(ct, salt); !errors.Is(err, ErrDecrypt) {
		t.Errorf("wrong master: expected ErrDecrypt, got %v", err)
	}
	if _, err := v.Decrypt("!!notbase64", salt); !errors.Is(err, ErrDecrypt) {
		t.Errorf("garbage: expected ErrDecrypt, got %v", err)
	}
}

func TestBadInputs(t *testing.T) {
	if _, err := NewAESVault("", 10); !errors.Is(err, ErrEmptyMasterKey) {
		t.Errorf("expected ErrEmptyMasterKey, got %v", err)
	}
	v := newTestVault(t, "m")
	if _, err := v.Encrypt("x", "%%%"); !errors.Is(err, ErrBadSalt) {
		t.Errorf("expected ErrBadSalt, got %v", err)
	}
}
