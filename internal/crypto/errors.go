package crypto

import "errors"

// Sentinel errors for the cryptographic layer. Callers match with errors.Is;
// a failure on a single inbound message is logged and the message dropped,
// never fatal to the session.
var (
	// ErrKeyGeneration indicates the platform refused to produce a keypair
	// (entropy failure or an unacceptable key size).
	ErrKeyGeneration = errors.New("crypto: key generation failed")

	// ErrKeyExport indicates the local public key could not be serialized
	// for transmission.
	ErrKeyExport = errors.New("crypto: public key export failed")

	// ErrKeyImport indicates bytes asserted to be a peer public key were
	// malformed or of the wrong algorithm.
	ErrKeyImport = errors.New("crypto: public key import failed")

	// ErrEncryption indicates the hybrid seal operation failed, typically
	// because no peer public key was available.
	ErrEncryption = errors.New("crypto: encryption failed")

	// ErrDecryption indicates the hybrid open operation failed on the
	// asymmetric half (corrupt key blob or key mismatch).
	ErrDecryption = errors.New("crypto: decryption failed")

	// ErrAuthentication indicates the symmetric authentication tag did not
	// verify: the sealed content was tampered with or the key is wrong.
	ErrAuthentication = errors.New("crypto: message authentication failed")
)
