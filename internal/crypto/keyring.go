package crypto

import (
	"crypto/rsa"
	"sync"
)

// KeyRing owns the key material for one chat session: the local keypair and
// the currently installed peer public key. The engine constructs one ring
// per session and passes it down explicitly; there is no process-global key
// state. Local keypair generation runs off the engine's critical path, so
// the ring is safe for concurrent readers.
//
// The most recently installed peer key always wins. The relay could abuse
// this to substitute keys mid-session; the trust model accepts that (the
// relay already controls room membership).
type KeyRing struct {
	mu    sync.RWMutex
	local *KeyPair
	peer  *rsa.PublicKey
}

// NewKeyRing returns an empty ring. SetLocal must be called (normally by
// the engine's background key generation) before any encrypted traffic.
func NewKeyRing() *KeyRing {
	return &KeyRing{}
}

// SetLocal installs the session's local keypair, replacing any previous one.
func (r *KeyRing) SetLocal(kp *KeyPair) {
	r.mu.Lock()
	r.local = kp
	r.mu.Unlock()
}

// Local returns the session keypair, or nil if generation has not finished.
func (r *KeyRing) Local() *KeyPair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local
}

// InstallPeer replaces the active peer public key unconditionally.
func (r *KeyRing) InstallPeer(pub *rsa.PublicKey) {
	r.mu.Lock()
	r.peer = pub
	r.mu.Unlock()
}

// Peer returns the active peer public key, or nil if none is installed.
func (r *KeyRing) Peer() *rsa.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peer
}

// ClearPeer forgets the peer key, called on peer leave and room teardown.
func (r *KeyRing) ClearPeer() {
	r.mu.Lock()
	r.peer = nil
	r.mu.Unlock()
}

// Reset drops all key material. Used when the server address changes: the
// old keys belong to a session that no longer exists.
func (r *KeyRing) Reset() {
	r.mu.Lock()
	r.local = nil
	r.peer = nil
	r.mu.Unlock()
}
