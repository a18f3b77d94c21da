package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Envelope wire format: "ENC:" + base64(nonce || ciphertext).
// A value without the prefix is legacy plaintext and passes through
// unchanged on decrypt; that is the migration contract, not an error.
const (
	envelopePrefix    = "ENC:"
	envelopeNonceSize = 12 // 96-bit GCM nonce
)

var (
	ErrDecrypt            = errors.New("crypto: decrypt failed")
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
)

// Codec encrypts and decrypts envelope strings under purpose-scoped keys.
type Codec struct {
	keys KeySource
}

func NewCodec(ks KeySource) *Codec {
	return &Codec{keys: ks}
}

// Encrypt seals plaintext under the key for purpose. A fresh random nonce
// is drawn per call, so encrypting identical plaintext twice yields
// different envelopes.
func (c *Codec) Encrypt(ctx context.Context, plaintext string, purpose Purpose) (string, error) {
	key, err := c.keys.Key(ctx, purpose)
	if err != nil {
		return "", err
	}
	defer Zero(key)

	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, envelopeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := make([]byte, 0, envelopeNonceSize+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(plaintext), []byte(purpose))
	return envelopePrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens an envelope string. A value without the envelope prefix is
// returned unchanged so pre-encryption data still loads.
func (c *Codec) Decrypt(ctx context.Context, value string, purpose Purpose) (string, error) {
	if !IsEnvelope(value) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, envelopePrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < envelopeNonceSize {
		return "", ErrCiphertextTooShort
	}

	key, err := c.keys.Key(ctx, purpose)
	if err != nil {
		return "", err
	}
	defer Zero(key)

	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}
	pt, err := aead.Open(nil, raw[:envelopeNonceSize], raw[envelopeNonceSize:], []byte(purpose))
	if err != nil {
		return "", ErrDecrypt
	}
	return string(pt), nil
}

// IsEnvelope reports whether value carries the envelope prefix.
func IsEnvelope(value string) bool {
	return strings.HasPrefix(value, envelopePrefix)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, errors.New("crypto: key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
