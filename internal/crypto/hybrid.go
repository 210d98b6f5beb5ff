package crypto

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
)

// SealHybrid performs the full outbound encryption for one message or typing
// update: generate a fresh AES key, seal the plaintext with it, wrap the AES
// key under the peer's public key, and base64 both halves for the wire.
func SealHybrid(plaintext []byte, peer *rsa.PublicKey) (encryptedKeyB64, sealedContentB64 string, err error) {
	symKey, err := GenerateSymmetricKey()
	if err != nil {
		return "", "", err
	}
	sealed, err := Seal(plaintext, symKey)
	if err != nil {
		return "", "", err
	}
	wrapped, err := EncryptKey(peer, symKey)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(wrapped),
		base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenHybrid is the inverse of SealHybrid: unwrap the AES key with the local
// private key, then open the sealed content. Either half failing fails the
// whole operation; there is no partial result.
func OpenHybrid(encryptedKeyB64, sealedContentB64 string, priv *rsa.PrivateKey) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(encryptedKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad key encoding: %v", ErrDecryption, err)
	}
	sealed, err := base64.StdEncoding.DecodeString(sealedContentB64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad content encoding: %v", ErrDecryption, err)
	}
	symKey, err := DecryptKey(priv, wrapped)
	if err != nil {
		return nil, err
	}
	return Open(sealed, symKey)
}
