package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"care-vault/internal/crypto"
	"care-vault/internal/localdb"
)

var ErrNotFound = errors.New("records: not found")

// SaveGuard lets the sync layer veto saves of records that another device
// holds an advisory lock on. Reads are never guarded.
type SaveGuard interface {
	CheckSave(ctx context.Context, id string) error
}

// Store is the encrypted record store. displayName and payload are sealed
// independently, so name lookups never decrypt full payloads.
type Store struct {
	db     *localdb.DB
	codec  *crypto.Codec
	logger *log.Logger
	guard  SaveGuard

	mu   sync.Mutex
	byID map[string]*sync.Mutex
}

func NewStore(db *localdb.DB, codec *crypto.Codec, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		db:     db,
		codec:  codec,
		logger: logger,
		byID:   make(map[string]*sync.Mutex),
	}
}

// SetSaveGuard installs the advisory-lock veto. Nil clears it.
func (s *Store) SetSaveGuard(g SaveGuard) { s.guard = g }

// idLock serializes writes per record id: a save never interleaves with a
// concurrent save of the same id.
func (s *Store) idLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byID[id]
	if !ok {
		l = &sync.Mutex{}
		s.byID[id] = l
	}
	return l
}

func (s *Store) Save(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = StatusDraft
	}
	if rec.LastModified.IsZero() {
		rec.LastModified = time.Now().UTC()
	}
	if s.guard != nil {
		if err := s.guard.CheckSave(ctx, rec.ID); err != nil {
			return err
		}
	}

	l := s.idLock(rec.ID)
	l.Lock()
	defer l.Unlock()

	nameEnv, err := s.codec.Encrypt(ctx, rec.DisplayName, crypto.PurposePHI)
	if err != nil {
		return err
	}
	payloadEnv, err := s.codec.EncryptObject(ctx, rec.Payload)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records(id, type, display_name, payload, status, step, linked_id, remote_version, last_modified)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			display_name = excluded.display_name,
			payload = excluded.payload,
			status = excluded.status,
			step = excluded.step,
			linked_id = excluded.linked_id,
			remote_version = excluded.remote_version,
			last_modified = excluded.last_modified`,
		rec.ID, string(rec.Type), nameEnv, payloadEnv, string(rec.Status),
		rec.Step, rec.LinkedID, rec.RemoteVersion, rec.LastModified.Unix())
	if err != nil {
		return fmt.Errorf("records: save %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, display_name, payload, status, step, linked_id, remote_version, last_modified
		FROM records WHERE id = ?`, id)
	raw, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.decode(ctx, raw)
}

// List returns all decryptable records. A record whose envelope fails to
// open is reported and skipped, never fails the whole listing.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, display_name, payload, status, step, linked_id, remote_version, last_modified
		FROM records ORDER BY last_modified DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var raws []rawRecord
	for rows.Next() {
		raw, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		raws = append(raws, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Record, 0, len(raws))
	for _, raw := range raws {
		rec, err := s.decode(ctx, raw)
		if err != nil {
			s.logger.Printf("skipping record %s: %v", raw.id, err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// FindByName scans display names only; payloads stay sealed unless the name
// matches.
func (s *Store) FindByName(ctx context.Context, name string, typ Type) (*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name FROM records WHERE type = ?`, string(typ))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matchID string
	for rows.Next() {
		var id, nameEnv string
		if err := rows.Scan(&id, &nameEnv); err != nil {
			return nil, err
		}
		plain, err := s.codec.Decrypt(ctx, nameEnv, crypto.PurposePHI)
		if err != nil {
			s.logger.Printf("skipping record %s: name decrypt: %v", id, err)
			continue
		}
		if plain == name {
			matchID = id
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if matchID == "" {
		return nil, ErrNotFound
	}
	return s.Get(ctx, matchID)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	l := s.idLock(id)
	l.Lock()
	defer l.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	return err
}

type rawRecord struct {
	id, typ, nameEnv, payloadEnv, status string
	step                                 sql.NullInt64
	linkedID                             sql.NullString
	remoteVersion                        sql.NullInt64
	lastModified                         int64
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRow(row rowScanner) (rawRecord, error) {
	var raw rawRecord
	err := row.Scan(&raw.id, &raw.typ, &raw.nameEnv, &raw.payloadEnv,
		&raw.status, &raw.step, &raw.linkedID, &raw.remoteVersion, &raw.lastModified)
	return raw, err
}

func (s *Store) decode(ctx context.Context, raw rawRecord) (*Record, error) {
	name, err := s.codec.Decrypt(ctx, raw.nameEnv, crypto.PurposePHI)
	if err != nil {
		return nil, &DecryptError{ID: raw.id, Err: err}
	}
	var payload map[string]any
	if err := s.codec.DecryptObject(ctx, raw.payloadEnv, &payload); err != nil {
		return nil, &DecryptError{ID: raw.id, Err: err}
	}

	typ := Type(raw.typ)
	if typ == "" {
		// Legacy row from before the type tag existed.
		if typ, err = SniffType(payload); err != nil {
			return nil, err
		}
	}

	rec := &Record{
		ID:           raw.id,
		Type:         typ,
		DisplayName:  name,
		Payload:      ApplyDefaults(typ, payload),
		Status:       Status(raw.status),
		LastModified: time.Unix(raw.lastModified, 0).UTC(),
	}
	if raw.step.Valid {
		rec.Step = int(raw.step.Int64)
	}
	if raw.linkedID.Valid {
		rec.LinkedID = raw.linkedID.String
	}
	if raw.remoteVersion.Valid {
		rec.RemoteVersion = int(raw.remoteVersion.Int64)
	}
	return rec, nil
}
