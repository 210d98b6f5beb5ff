package crypto

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testKeyBits keeps key generation fast in tests; production uses
// DefaultKeyBits.
const testKeyBits = MinKeyBits

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair(testKeyBits)
	require.NoError(t, err)
	require.NotNil(t, kp.Private)
	require.NotNil(t, kp.Public)
	assert.Equal(t, testKeyBits/8, kp.Public.Size())
}

func TestGenerateKeyPairTooSmall(t *testing.T) {
	_, err := GenerateKeyPair(512)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKeyGeneration))
}

func TestExportImportRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair(testKeyBits)
	require.NoError(t, err)

	der, err := ExportPublicKey(kp.Public)
	require.NoError(t, err)
	require.NotEmpty(t, der)

	imported, err := ImportPeerPublicKey(der)
	require.NoError(t, err)
	assert.True(t, kp.Public.Equal(imported))
}

func TestImportPeerPublicKeyRejectsGarbage(t *testing.T) {
	cases := map[string][]byte{
		"empty":     nil,
		"not DER":   []byte("definitely not a key"),
		"truncated": {0x30, 0x82, 0x01},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ImportPeerPublicKey(input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrKeyImport))
		})
	}
}

func TestEncryptDecryptKeyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair(testKeyBits)
	require.NoError(t, err)

	symKey, err := GenerateSymmetricKey()
	require.NoError(t, err)

	wrapped, err := EncryptKey(kp.Public, symKey)
	require.NoError(t, err)
	assert.NotEqual(t, symKey, wrapped)

	unwrapped, err := DecryptKey(kp.Private, wrapped)
	require.NoError(t, err)
	assert.Equal(t, symKey, unwrapped)
}

func TestDecryptKeyWrongKey(t *testing.T) {
	kp1, err := GenerateKeyPair(testKeyBits)
	require.NoError(t, err)
	kp2, err := GenerateKeyPair(testKeyBits)
	require.NoError(t, err)

	symKey, err := GenerateSymmetricKey()
	require.NoError(t, err)
	wrapped, err := EncryptKey(kp1.Public, symKey)
	require.NoError(t, err)

	_, err = DecryptKey(kp2.Private, wrapped)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecryption))
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateSymmetricKey()
	require.NoError(t, err)

	for _, plaintext := range []string{"", "hi", "a longer message with unicode: 你好, мир"} {
		sealed, err := Seal([]byte(plaintext), key)
		require.NoError(t, err)
		assert.Equal(t, len(plaintext)+Overhead, len(sealed))

		opened, err := Open(sealed, key)
		require.NoError(t, err)
		assert.Equal(t, plaintext, string(opened))
	}
}

func TestOpenDetectsTampering(t *testing.T) {
	key, err := GenerateSymmetricKey()
	require.NoError(t, err)
	sealed, err := Seal([]byte("attack at dawn"), key)
	require.NoError(t, err)

	// Flipping any single byte of the blob must fail authentication.
	for i := range sealed {
		tampered := make([]byte, len(sealed))
		copy(tampered, sealed)
		tampered[i] ^= 0x01

		_, err := Open(tampered, key)
		require.Error(t, err, "byte %d", i)
		assert.True(t, errors.Is(err, ErrAuthentication), "byte %d", i)
	}
}

func TestOpenWrongKey(t *testing.T) {
	key1, err := GenerateSymmetricKey()
	require.NoError(t, err)
	key2, err := GenerateSymmetricKey()
	require.NoError(t, err)

	sealed, err := Seal([]byte("secret"), key1)
	require.NoError(t, err)

	_, err = Open(sealed, key2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication))
}

func TestOpenShortBlob(t *testing.T) {
	key, err := GenerateSymmetricKey()
	require.NoError(t, err)
	_, err = Open([]byte("short"), key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication))
}

func TestHybridRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair(testKeyBits)
	require.NoError(t, err)

	for _, msg := range []string{"hi", "", "第二条消息", "a\nmultiline\nmessage"} {
		encKey, content, err := SealHybrid([]byte(msg), kp.Public)
		require.NoError(t, err)
		assert.NotEmpty(t, encKey)
		assert.NotEmpty(t, content)

		opened, err := OpenHybrid(encKey, content, kp.Private)
		require.NoError(t, err)
		assert.Equal(t, msg, string(opened))
	}
}

func TestHybridFreshKeyPerMessage(t *testing.T) {
	kp, err := GenerateKeyPair(testKeyBits)
	require.NoError(t, err)

	encKey1, _, err := SealHybrid([]byte("same"), kp.Public)
	require.NoError(t, err)
	encKey2, _, err := SealHybrid([]byte("same"), kp.Public)
	require.NoError(t, err)

	// Identical plaintexts must never share a wrapped key.
	assert.NotEqual(t, encKey1, encKey2)
}

func TestHybridTamperedKeyHalf(t *testing.T) {
	kp, err := GenerateKeyPair(testKeyBits)
	require.NoError(t, err)
	encKey, content, err := SealHybrid([]byte("payload"), kp.Public)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encKey)
	require.NoError(t, err)
	raw[0] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = OpenHybrid(tampered, content, kp.Private)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecryption))
}

func TestHybridNoPeerKey(t *testing.T) {
	_, _, err := SealHybrid([]byte("x"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEncryption))
}

func TestKeyRing(t *testing.T) {
	ring := NewKeyRing()
	require.Nil(t, ring.Local())
	require.Nil(t, ring.Peer())

	kp, err := GenerateKeyPair(testKeyBits)
	require.NoError(t, err)
	ring.SetLocal(kp)
	assert.Same(t, kp, ring.Local())

	peer, err := GenerateKeyPair(testKeyBits)
	require.NoError(t, err)
	ring.InstallPeer(peer.Public)
	assert.Same(t, peer.Public, ring.Peer())

	// Last writer wins: a second install replaces the first unconditionally.
	peer2, err := GenerateKeyPair(testKeyBits)
	require.NoError(t, err)
	ring.InstallPeer(peer2.Public)
	assert.Same(t, peer2.Public, ring.Peer())

	ring.ClearPeer()
	assert.Nil(t, ring.Peer())
	assert.NotNil(t, ring.Local())

	ring.Reset()
	assert.Nil(t, ring.Local())
}
