package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const (
	// SymmetricKeyBytes is the AES-256 key length. A fresh key is generated
	// for every message and never reused.
	SymmetricKeyBytes = 32

	// NonceBytes is the GCM nonce length prefixed to every sealed blob.
	NonceBytes = 12

	// Overhead is the fixed size added to a plaintext by Seal: the nonce
	// prefix plus the GCM authentication tag.
	Overhead = NonceBytes + 16
)

// GenerateSymmetricKey returns a fresh random AES-256 key.
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return key, nil
}

// Seal encrypts plaintext with AES-256-GCM under key. The result is a single
// self-describing blob: nonce || ciphertext || tag. Output length is always
// len(plaintext) + Overhead.
func Seal(plaintext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts a blob produced by Seal. Any tag mismatch
// (tampering or wrong key) yields ErrAuthentication; garbage plaintext is
// never returned.
func Open(sealed, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < Overhead {
		return nil, fmt.Errorf("%w: sealed blob too short (%d bytes)", ErrAuthentication, len(sealed))
	}
	nonce, ciphertext := sealed[:NonceBytes], sealed[NonceBytes:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != SymmetricKeyBytes {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrEncryption, SymmetricKeyBytes, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return aead, nil
}
