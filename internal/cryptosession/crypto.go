// Package cryptosession implements Session Crypto (spec.md §4.C): X25519
// ephemeral key exchange, SHA-256 session-key derivation, AES-256-GCM for
// control frames, and AES-256-CTR for file streams.
//
// Key-pair/derive-secret shape is grounded on
// core/crypto/nike/hybrid/hybrid.go's NewKeypair/DeriveSecret split. The
// X25519 primitive itself and its SPKI/DER export use the standard library
// (crypto/ecdh, crypto/x509) rather than the teacher's NIKE stack, since the
// pack's hybrid/post-quantum schemes have no role in this spec's plain
// X25519 requirement — see DESIGN.md for the full justification.
package cryptosession

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"io"

	"github.com/hyperconnect/hyperconnect/internal/hcerr"
)

const (
	SessionKeySize = 32
	GCMIVSize      = 12
	GCMTagSize     = 16
	CTRIVSize      = 16
)

// KeyPair is an ephemeral X25519 key pair, scoped to the lifetime of one
// TCP socket per spec.md §4.C.
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateKeyPair mints a fresh ephemeral X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, hcerr.NewHandshakeError("generate X25519 keypair: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// PublicSPKIBase64 exports the public key as SPKI/DER, base64-encoded, for
// transport inside a HELLO_SECURE frame.
func (k *KeyPair) PublicSPKIBase64() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(k.priv.PublicKey())
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// DeriveSessionKey computes the ECDH shared secret against the peer's
// base64 SPKI/DER public key and returns SHA-256(shared_secret) as the
// 32-byte session key.
func (k *KeyPair) DeriveSessionKey(peerPublicSPKIBase64 string) ([SessionKeySize]byte, error) {
	var key [SessionKeySize]byte
	der, err := base64.StdEncoding.DecodeString(peerPublicSPKIBase64)
	if err != nil {
		return key, hcerr.NewHandshakeError("decode peer public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return key, hcerr.NewHandshakeError("parse peer public key: %w", err)
	}
	peerKey, ok := pub.(*ecdh.PublicKey)
	if !ok {
		return key, hcerr.NewHandshakeError("peer public key is not X25519")
	}
	shared, err := k.priv.ECDH(peerKey)
	if err != nil {
		return key, hcerr.NewHandshakeError("ECDH: %w", err)
	}
	key = sha256.Sum256(shared)
	return key, nil
}

// SealControlFrame encrypts plaintext with AES-256-GCM under key, using a
// fresh random 12-byte IV, and returns the base64-encoded IV, tag, and
// ciphertext for an EncryptedEnvelope.
func SealControlFrame(key [SessionKeySize]byte, plaintext []byte) (ivB64, tagB64, payloadB64 string, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", "", "", err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, GCMTagSize)
	if err != nil {
		return "", "", "", err
	}
	iv := make([]byte, GCMIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", "", "", err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-GCMTagSize]
	tag := sealed[len(sealed)-GCMTagSize:]
	return base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
		nil
}

// OpenControlFrame decrypts an EncryptedEnvelope's fields under key,
// returning a *hcerr.DecryptionError on any tag mismatch, bad base64, or
// malformed field.
func OpenControlFrame(key [SessionKeySize]byte, ivB64, tagB64, payloadB64 string) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, hcerr.NewDecryptionError("bad iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(tagB64)
	if err != nil {
		return nil, hcerr.NewDecryptionError("bad tag: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, hcerr.NewDecryptionError("bad payload: %w", err)
	}
	if len(iv) != GCMIVSize {
		return nil, hcerr.NewDecryptionError("bad iv length %d", len(iv))
	}
	if len(tag) != GCMTagSize {
		return nil, hcerr.NewDecryptionError("bad tag length %d", len(tag))
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, GCMTagSize)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, hcerr.NewDecryptionError("gcm open: %w", err)
	}
	return plaintext, nil
}

// NewFileStreamEncrypter returns a fresh random 16-byte IV and an
// AES-256-CTR stream cipher for encrypting one file transfer's bytes. CTR
// is used instead of GCM so the ciphertext can be streamed without
// buffering an end-of-stream tag (spec.md §4.C); end-to-end integrity is
// instead provided by the SHA-256 comparison at EOF.
func NewFileStreamEncrypter(key [SessionKeySize]byte) (iv []byte, stream cipher.Stream, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, CTRIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, err
	}
	return iv, cipher.NewCTR(block, iv), nil
}

// NewFileStreamDecrypter builds the matching AES-256-CTR stream given the
// IV communicated once at the start of the file-stream socket.
func NewFileStreamDecrypter(key [SessionKeySize]byte, iv []byte) (cipher.Stream, error) {
	if len(iv) != CTRIVSize {
		return nil, errors.New("cryptosession: bad file stream iv length")
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}
