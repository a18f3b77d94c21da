package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/argon2"
)

type KDFParams struct {
	M    uint32
	T    uint32
	P    uint8
	Salt []byte
}

// DefaultDeviceKDF returns argon2id parameters sized for client devices.
func DefaultDeviceKDF() KDFParams {
	salt := make([]byte, 32)
	_, _ = rand.Read(salt)
	return KDFParams{M: 128 * 1024, T: 3, P: 4, Salt: salt}
}

// DeriveKEK stretches a passphrase into the 32-byte device key-encryption
// key.
func DeriveKEK(passphrase []byte, p KDFParams) (kek [32]byte) {
	key := argon2.IDKey(passphrase, p.Salt, p.T, p.M, p.P, 32)
	copy(kek[:], key)
	Zero(key)
	return
}
