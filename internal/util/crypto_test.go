package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
)

func TestXChaCha20Poly1305(t *testing.T) {
	key, err := GenerateKey(chacha20poly1305.KeySize)
	require.NoError(t, err)

	message := []byte("open sesame")
	encrypted, err := XChaCha20Poly1305Encrypt(key, message)
	assert.NoError(t, err)
	assert.NotEmpty(t, encrypted)

	decrypted, err := XChaCha20Poly1305Decrypt(key, encrypted)
	assert.NoError(t, err)
	assert.Equal(t, message, decrypted)

	// tampering is detected
	encrypted[len(encrypted)-1] ^= 0x01
	_, err = XChaCha20Poly1305Decrypt(key, encrypted)
	assert.Error(t, err)

	_, err = XChaCha20Poly1305Decrypt(key, []byte("short"))
	assert.Error(t, err)

	_, err = XChaCha20Poly1305Encrypt([]byte("bad key"), message)
	assert.Error(t, err)
}

func TestGetMethodForDID(t *testing.T) {
	method, err := GetMethodForDID("did:ethr:0xabc")
	assert.NoError(t, err)
	assert.Equal(t, "ethr", method)

	_, err = GetMethodForDID("did:ethr")
	assert.Error(t, err)

	_, err = GetMethodForDID("urn:ethr:0xabc")
	assert.Error(t, err)
}

func TestSanitizeLog(t *testing.T) {
	assert.Equal(t, "did:x:1fake entry", SanitizeLog("did:x:1\r\nfake entry"))
}
