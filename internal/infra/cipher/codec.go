// Package cipher implements the at-rest encryption format for original assets.
//
// Blobs are laid out as salt || iv || tag || ciphertext, where salt is 64
// random bytes kept for format compatibility, iv is a 16 byte GCM nonce and
// tag is the 16 byte GCM authentication tag.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"imgate/internal/domain"
)

const (
	KeySize  = 32
	SaltSize = 64
	IVSize   = 16
	TagSize  = 16

	// HeaderSize is the minimum length of a valid blob.
	HeaderSize = SaltSize + IVSize + TagSize
)

// GenerateKey returns a fresh base64-encoded 256-bit key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// DecodeKey parses a base64 key as stored on the asset row.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not base64", domain.ErrMalformedInput)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", domain.ErrMalformedInput, KeySize, len(key))
	}
	return key, nil
}

func newGCM(key []byte) (stdcipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", domain.ErrMalformedInput, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create aes cipher: %w", err)
	}
	aead, err := stdcipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return aead, nil
}

// Encrypt seals plaintext with a fresh salt and iv on every call.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, HeaderSize, HeaderSize+len(plaintext))
	if _, err := io.ReadFull(rand.Reader, out[:SaltSize+IVSize]); err != nil {
		return nil, fmt.Errorf("generate salt and iv: %w", err)
	}
	iv := out[SaltSize : SaltSize+IVSize]

	// Seal appends ciphertext||tag; the wire format wants the tag first.
	sealed := aead.Seal(nil, iv, plaintext, nil)
	ciphertext, tag := sealed[:len(plaintext)], sealed[len(plaintext):]
	copy(out[SaltSize+IVSize:HeaderSize], tag)
	return append(out, ciphertext...), nil
}

// Decrypt opens a blob produced by Encrypt. Short blobs fail with
// domain.ErrMalformedInput, tag mismatches with domain.ErrIntegrity.
func Decrypt(blob, key []byte) ([]byte, error) {
	if len(blob) < HeaderSize {
		return nil, fmt.Errorf("%w: blob is %d bytes, need at least %d", domain.ErrMalformedInput, len(blob), HeaderSize)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := blob[SaltSize : SaltSize+IVSize]
	tag := blob[SaltSize+IVSize : HeaderSize]
	ciphertext := blob[HeaderSize:]

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, domain.ErrIntegrity
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// EncryptWithEncodedKey and DecryptWithEncodedKey accept the base64 key form
// stored on asset rows.
func EncryptWithEncodedKey(plaintext []byte, encodedKey string) ([]byte, error) {
	key, err := DecodeKey(encodedKey)
	if err != nil {
		return nil, err
	}
	return Encrypt(plaintext, key)
}

func DecryptWithEncodedKey(blob []byte, encodedKey string) ([]byte, error) {
	key, err := DecodeKey(encodedKey)
	if err != nil {
		return nil, err
	}
	return Decrypt(blob, key)
}
