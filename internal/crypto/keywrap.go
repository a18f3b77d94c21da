package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	xchacha "golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Key wrapping for material at rest in the local key store. Layout:
// nonce || ciphertext, XChaCha20-Poly1305 under the device KEK, with the
// key purpose bound in as AAD so a wrap for one purpose cannot be replayed
// under another.

func WrapKey(kek, material, aad []byte) ([]byte, error) {
	aead, err := xchacha.NewX(kek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, xchacha.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(material)+aead.Overhead())
	out = append(out, nonce...)
	out = aead.Seal(out[:len(nonce)], nonce, material, aad)
	return out, nil
}

func UnwrapKey(kek, wrapped, aad []byte) ([]byte, error) {
	aead, err := xchacha.NewX(kek)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < xchacha.NonceSizeX {
		return nil, errors.New("crypto: wrapped key too short")
	}
	nonce := wrapped[:xchacha.NonceSizeX]
	ct := wrapped[xchacha.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}

// Subkey derives a 32-byte subkey from master for the given label via
// HKDF-SHA256. Used to split the device secret into independent keys.
func Subkey(master []byte, label string) ([]byte, error) {
	stream := hkdf.New(sha256.New, master, nil, []byte("care-vault/"+label))
	out := make([]byte, 32)
	if _, err := io.ReadFull(stream, out); err != nil {
		return nil, err
	}
	return out, nil
}

// HMAC computes HMAC-SHA256 over the concatenation of parts.
func HMAC(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// HMACEqual compares two MACs in constant time.
func HMACEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
