// Package crypto implements the hybrid encryption scheme used between two
// chat peers: a fresh AES-256-GCM key per message, wrapped with the peer's
// RSA public key. The algorithms are fixed by the relay wire contract
// (encrypted_aes_key / encrypted_content fields, base64 PKIX public keys);
// changing them would break interop with existing peers.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
)

// DefaultKeyBits is the RSA modulus size used when no explicit size is
// configured. 2048 bits keeps the wrapped AES key within one RSA block.
const DefaultKeyBits = 2048

// MinKeyBits is the smallest modulus GenerateKeyPair accepts. OAEP with
// SHA-256 needs at least 2*32+2 bytes of overhead on top of the 32-byte
// AES key, which a 1024-bit modulus still satisfies.
const MinKeyBits = 1024

// KeyPair holds one session's RSA keypair. It lives in memory only and is
// discarded when the session ends.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateKeyPair produces a fresh RSA keypair of the given modulus size.
// It is called once at session start and again whenever the server address
// changes, since a new server is a new cryptographic session.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits < MinKeyBits {
		return nil, fmt.Errorf("%w: modulus %d below minimum %d", ErrKeyGeneration, bits, MinKeyBits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// ExportPublicKey serializes a public key to PKIX DER, the canonical form
// carried (base64) in login and room events.
func ExportPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: nil key", ErrKeyExport)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyExport, err)
	}
	return der, nil
}

// ImportPeerPublicKey parses PKIX DER bytes asserted to be an RSA public
// key. It only validates and parses; installing the result as the active
// peer key is the caller's decision.
func ImportPeerPublicKey(der []byte) (*rsa.PublicKey, error) {
	if len(der) == 0 {
		return nil, fmt.Errorf("%w: empty key bytes", ErrKeyImport)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyImport, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key (%T)", ErrKeyImport, key)
	}
	if pub.Size()*8 < MinKeyBits {
		return nil, fmt.Errorf("%w: modulus %d below minimum %d", ErrKeyImport, pub.Size()*8, MinKeyBits)
	}
	return pub, nil
}

// EncryptKey wraps a symmetric key under the peer's public key using
// RSA-OAEP with SHA-256.
func EncryptKey(peer *rsa.PublicKey, symmetricKey []byte) ([]byte, error) {
	if peer == nil {
		return nil, fmt.Errorf("%w: no peer public key", ErrEncryption)
	}
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, peer, symmetricKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return out, nil
}

// DecryptKey unwraps a symmetric key with the local private key.
func DecryptKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: no private key", ErrDecryption)
	}
	out, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return out, nil
}
