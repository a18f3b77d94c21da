package keys

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"care-vault/internal/crypto"
	"care-vault/internal/localdb"
)

// ErrKeyStoreUnavailable is fatal for any encrypt/decrypt path: callers must
// surface it, never fall back to plaintext storage.
var ErrKeyStoreUnavailable = errors.New("keys: key store unavailable")

const (
	metaKDFSalt   = "keys.kdf_salt"
	metaKDFParams = "keys.kdf_params"
)

// Manager owns the per-purpose key lifecycle. Material is persisted wrapped
// under the device KEK in the local store's keys partition and only ever
// unwrapped into locked memory here. Go offers no non-extractable handles;
// zero-on-close plus mlock is the residual-risk posture, not a guarantee.
type Manager struct {
	db  *localdb.DB
	kek [32]byte

	mu    sync.Mutex
	cache map[crypto.Purpose][]byte
}

// Open prepares the manager. With a passphrase the KEK is stretched with
// argon2id (salt and parameters persisted in the meta partition); without
// one it is derived from a random per-device secret file.
func Open(db *localdb.DB, secretPath string, passphrase []byte) (*Manager, error) {
	m := &Manager{db: db, cache: make(map[crypto.Purpose][]byte)}
	var err error
	if len(passphrase) > 0 {
		err = m.kekFromPassphrase(passphrase)
	} else {
		err = m.kekFromDeviceSecret(secretPath)
	}
	if err != nil {
		return nil, err
	}
	_ = crypto.LockBuffer(m.kek[:])
	return m, nil
}

func (m *Manager) kekFromPassphrase(passphrase []byte) error {
	ctx := context.Background()
	saltB64, ok, err := m.db.GetFlag(ctx, metaKDFSalt)
	if err != nil {
		return storeErr(err)
	}
	params := crypto.DefaultDeviceKDF()
	if ok {
		salt, err := base64.StdEncoding.DecodeString(saltB64)
		if err != nil {
			return fmt.Errorf("keys: corrupt kdf salt: %w", err)
		}
		params.Salt = salt
		var p string
		if p, ok, err = m.db.GetFlag(ctx, metaKDFParams); err != nil {
			return storeErr(err)
		} else if ok {
			if _, err := fmt.Sscanf(p, "m=%d,t=%d,p=%d", &params.M, &params.T, &params.P); err != nil {
				return fmt.Errorf("keys: corrupt kdf params: %w", err)
			}
		}
	} else {
		if err := m.db.SetFlag(ctx, metaKDFSalt, base64.StdEncoding.EncodeToString(params.Salt)); err != nil {
			return storeErr(err)
		}
		if err := m.db.SetFlag(ctx, metaKDFParams,
			fmt.Sprintf("m=%d,t=%d,p=%d", params.M, params.T, params.P)); err != nil {
			return storeErr(err)
		}
	}
	m.kek = crypto.DeriveKEK(passphrase, params)
	return nil
}

func (m *Manager) kekFromDeviceSecret(secretPath string) error {
	secret, err := os.ReadFile(secretPath)
	if errors.Is(err, os.ErrNotExist) {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
		if err := os.WriteFile(secretPath, secret, 0o600); err != nil {
			return fmt.Errorf("keys: write device secret: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("keys: read device secret: %w", err)
	}
	defer crypto.Zero(secret)

	kek, err := crypto.Subkey(secret, "kek")
	if err != nil {
		return err
	}
	copy(m.kek[:], kek)
	crypto.Zero(kek)
	return nil
}

// Key returns a copy of the material for purpose, creating it lazily.
// Concurrent first calls resolve through a single conflict-free insert: the
// loser of the race re-reads and unwraps the winner's row, so exactly one
// key per purpose ever exists.
func (m *Manager) Key(ctx context.Context, purpose crypto.Purpose) ([]byte, error) {
	if !purpose.Valid() {
		return nil, fmt.Errorf("keys: unknown purpose %q", purpose)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if k, ok := m.cache[purpose]; ok {
		return append([]byte(nil), k...), nil
	}

	wrap, err := m.loadWrap(ctx, purpose)
	if errors.Is(err, sql.ErrNoRows) {
		if err := m.createWrap(ctx, purpose); err != nil {
			return nil, err
		}
		if wrap, err = m.loadWrap(ctx, purpose); err != nil {
			return nil, storeErr(err)
		}
	} else if err != nil {
		return nil, storeErr(err)
	}

	material, err := crypto.UnwrapKey(m.kek[:], wrap, purposeAAD(purpose))
	if err != nil {
		return nil, fmt.Errorf("keys: unwrap %s: %w", purpose, err)
	}
	_ = crypto.LockBuffer(material)
	m.cache[purpose] = material
	return append([]byte(nil), material...), nil
}

func (m *Manager) loadWrap(ctx context.Context, purpose crypto.Purpose) ([]byte, error) {
	var wrap []byte
	err := m.db.QueryRowContext(ctx,
		`SELECT wrap FROM keys WHERE purpose = ?`, string(purpose)).Scan(&wrap)
	return wrap, err
}

func (m *Manager) createWrap(ctx context.Context, purpose crypto.Purpose) error {
	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		return err
	}
	defer crypto.Zero(material)

	wrap, err := crypto.WrapKey(m.kek[:], material, purposeAAD(purpose))
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO keys(purpose, wrap, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(purpose) DO NOTHING`,
		string(purpose), wrap, time.Now().Unix())
	if err != nil {
		return storeErr(err)
	}
	return nil
}

// Close zeroes cached material and the KEK.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p, k := range m.cache {
		crypto.Zero(k)
		_ = crypto.UnlockBuffer(k)
		delete(m.cache, p)
	}
	crypto.Zero(m.kek[:])
	_ = crypto.UnlockBuffer(m.kek[:])
}

func purposeAAD(p crypto.Purpose) []byte {
	return []byte("key-wrap:" + string(p))
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrKeyStoreUnavailable, err)
}
