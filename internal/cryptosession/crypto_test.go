package cryptosession

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSessionKeyMatchesBetweenPeers(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	aPub, err := a.PublicSPKIBase64()
	require.NoError(t, err)
	bPub, err := b.PublicSPKIBase64()
	require.NoError(t, err)

	keyA, err := a.DeriveSessionKey(bPub)
	require.NoError(t, err)
	keyB, err := b.DeriveSessionKey(aPub)
	require.NoError(t, err)

	assert.Equal(t, keyA, keyB)
}

func TestSealOpenControlFrameRoundTrip(t *testing.T) {
	var key [SessionKeySize]byte
	for i := range key {
		key[i] = byte(i)
	}

	plaintext := []byte(`{"type":"MESSAGE","payload":"hello"}`)
	iv, tag, payload, err := SealControlFrame(key, plaintext)
	require.NoError(t, err)

	got, err := OpenControlFrame(key, iv, tag, payload)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpenControlFrameFailsOnTamperedPayload(t *testing.T) {
	var key [SessionKeySize]byte
	iv, tag, payload, err := SealControlFrame(key, []byte("secret"))
	require.NoError(t, err)

	_, err = OpenControlFrame(key, iv, tag, payload+"AA")
	assert.Error(t, err)
}

func TestOpenControlFrameFailsOnWrongKey(t *testing.T) {
	var key1, key2 [SessionKeySize]byte
	key2[0] = 1

	iv, tag, payload, err := SealControlFrame(key1, []byte("secret"))
	require.NoError(t, err)

	_, err = OpenControlFrame(key2, iv, tag, payload)
	assert.Error(t, err)
}

func TestFileStreamEncryptDecryptRoundTrip(t *testing.T) {
	var key [SessionKeySize]byte
	for i := range key {
		key[i] = byte(2 * i)
	}

	iv, enc, err := NewFileStreamEncrypter(key)
	require.NoError(t, err)

	plaintext := make([]byte, 300*1024)
	for i := range plaintext {
		plaintext[i] = byte(i % 251)
	}
	ciphertext := make([]byte, len(plaintext))
	enc.XORKeyStream(ciphertext, plaintext)

	dec, err := NewFileStreamDecrypter(key, iv)
	require.NoError(t, err)
	recovered := make([]byte, len(ciphertext))
	dec.XORKeyStream(recovered, ciphertext)

	assert.Equal(t, plaintext, recovered)
}

func TestNewFileStreamDecrypterRejectsBadIVLength(t *testing.T) {
	var key [SessionKeySize]byte
	_, err := NewFileStreamDecrypter(key, []byte{1, 2, 3})
	assert.Error(t, err)
}
