package audit

import (
	"context"
	"database/sql"
	"encoding/base64"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"care-vault/internal/crypto"
	"care-vault/internal/localdb"
)

type Action string

const (
	ActionRecordSave   Action = "record.save"
	ActionRecordDelete Action = "record.delete"
	ActionRecordView   Action = "record.view"
	ActionSyncPush     Action = "sync.push"
	ActionSyncConflict Action = "sync.conflict"
	ActionLockDenied   Action = "lock.denied"
	ActionKeyCreate    Action = "key.create"
	ActionExport       Action = "export"
	ActionMigration    Action = "migration"
	ActionPurge        Action = "audit.purge"
)

type EntryStatus string

const (
	StatusSuccess EntryStatus = "success"
	StatusFailure EntryStatus = "failure"
	StatusInfo    EntryStatus = "info"
)

// Entry is one ledger row. MAC covers every other field; rows written
// before signing existed have an empty MAC and are counted separately by
// VerifyIntegrity.
type Entry struct {
	Seq       int64
	Timestamp time.Time
	Actor     string
	Action    Action
	Resource  string
	Details   string
	Status    EntryStatus
	MAC       string
}

// Report summarizes an integrity sweep.
type Report struct {
	Valid   int
	Invalid int
	NoMAC   int
}

// Ledger is the tamper-evident local audit trail. Appends are
// fire-and-forget: they run on a single worker goroutine (preserving append
// order), never raise to the caller, and count failures instead of
// surfacing them.
type Ledger struct {
	db     *localdb.DB
	keys   crypto.KeySource
	logger *log.Logger

	jobs    chan Entry
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func NewLedger(db *localdb.DB, ks crypto.KeySource, logger *log.Logger) *Ledger {
	if logger == nil {
		logger = log.Default()
	}
	l := &Ledger{
		db:     db,
		keys:   ks,
		logger: logger,
		jobs:   make(chan Entry, 256),
	}
	go l.run()
	return l
}

// Append records an action. It never blocks and never fails from the
// caller's point of view: a full queue or a broken store drops the entry
// and bumps the drop counter.
func (l *Ledger) Append(action Action, resource, details string, status EntryStatus, actor string) {
	if actor == "" {
		actor = "system"
	}
	e := Entry{
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		Details:   Redact(details),
		Status:    status,
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return
	}
	l.wg.Add(1)
	select {
	case l.jobs <- e:
	default:
		l.wg.Done()
		l.dropped.Add(1)
	}
}

func (l *Ledger) run() {
	for e := range l.jobs {
		if err := l.write(e); err != nil {
			l.dropped.Add(1)
			l.logger.Printf("dropped audit entry %s: %v", e.Action, err)
		}
		l.wg.Done()
	}
}

func (l *Ledger) write(e Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := l.keys.Key(ctx, crypto.PurposeAuditMac)
	if err != nil {
		return err
	}
	defer crypto.Zero(key)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log(ts, actor, action, resource, details, status, mac)
		VALUES(?, ?, ?, ?, ?, ?, NULL)`,
		e.Timestamp.Unix(), e.Actor, string(e.Action), e.Resource, e.Details, string(e.Status))
	if err != nil {
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.Seq = seq
	mac := base64.StdEncoding.EncodeToString(crypto.HMAC(key, macInput(e)))
	if _, err := tx.ExecContext(ctx, `UPDATE audit_log SET mac = ? WHERE seq = ?`, mac, seq); err != nil {
		return err
	}
	return tx.Commit()
}

// macInput is the canonical, order-stable byte form the MAC covers.
func macInput(e Entry) []byte {
	return []byte(strings.Join([]string{
		strconv.FormatInt(e.Seq, 10),
		strconv.FormatInt(e.Timestamp.Unix(), 10),
		e.Actor,
		string(e.Action),
		e.Resource,
		e.Details,
		string(e.Status),
	}, "\n"))
}

// Flush waits for queued appends to land. Test and shutdown hook.
func (l *Ledger) Flush() { l.wg.Wait() }

// Close drains the queue and stops the worker. Safe to call twice.
func (l *Ledger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
	close(l.jobs)
}

// Dropped reports how many appends were lost to a full queue or a broken
// store. Observability for the swallowed-error contract.
func (l *Ledger) Dropped() uint64 { return l.dropped.Load() }

// VerifyIntegrity re-derives the MAC for every entry. Any mismatch counts
// as invalid; pre-signing rows count as noMAC.
func (l *Ledger) VerifyIntegrity(ctx context.Context) (Report, error) {
	key, err := l.keys.Key(ctx, crypto.PurposeAuditMac)
	if err != nil {
		return Report{}, err
	}
	defer crypto.Zero(key)

	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, ts, actor, action, resource, details, status, mac
		FROM audit_log ORDER BY seq`)
	if err != nil {
		return Report{}, err
	}
	defer rows.Close()

	var rep Report
	for rows.Next() {
		e, mac, err := scanEntry(rows)
		if err != nil {
			return Report{}, err
		}
		if mac == "" {
			rep.NoMAC++
			continue
		}
		want, err := base64.StdEncoding.DecodeString(mac)
		if err != nil {
			rep.Invalid++
			continue
		}
		if crypto.HMACEqual(want, crypto.HMAC(key, macInput(e))) {
			rep.Valid++
		} else {
			rep.Invalid++
		}
	}
	return rep, rows.Err()
}

type QueryOpts struct {
	Limit  int
	Action Action // empty = all
}

// Query returns entries newest-first.
func (l *Ledger) Query(ctx context.Context, opts QueryOpts) ([]Entry, error) {
	q := `SELECT seq, ts, actor, action, resource, details, status, mac FROM audit_log`
	var args []any
	if opts.Action != "" {
		q += ` WHERE action = ?`
		args = append(args, string(opts.Action))
	}
	q += ` ORDER BY seq DESC`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, mac, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		e.MAC = mac
		out = append(out, e)
	}
	return out, rows.Err()
}

// Purge deletes entries older than the retention horizon and returns how
// many were removed. Idempotent: a second sweep removes nothing new.
func (l *Ledger) Purge(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Unix()
	res, err := l.db.ExecContext(ctx, `DELETE FROM audit_log WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RedactExisting re-runs the redaction rules over stored entries, the one
// sanctioned in-place update. Touched entries are re-signed.
func (l *Ledger) RedactExisting(ctx context.Context) (int, error) {
	key, err := l.keys.Key(ctx, crypto.PurposeAuditMac)
	if err != nil {
		return 0, err
	}
	defer crypto.Zero(key)

	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, ts, actor, action, resource, details, status, mac
		FROM audit_log ORDER BY seq`)
	if err != nil {
		return 0, err
	}
	var touched []Entry
	for rows.Next() {
		e, mac, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		e.MAC = mac
		if clean := Redact(e.Details); clean != e.Details {
			e.Details = clean
			touched = append(touched, e)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, e := range touched {
		mac := base64.StdEncoding.EncodeToString(crypto.HMAC(key, macInput(e)))
		if _, err := l.db.ExecContext(ctx,
			`UPDATE audit_log SET details = ?, mac = ? WHERE seq = ?`, e.Details, mac, e.Seq); err != nil {
			return 0, err
		}
	}
	return len(touched), nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanEntry(row rowScanner) (Entry, string, error) {
	var (
		e   Entry
		ts  int64
		mac sql.NullString
	)
	err := row.Scan(&e.Seq, &ts, &e.Actor, (*string)(&e.Action), &e.Resource, &e.Details, (*string)(&e.Status), &mac)
	if err != nil {
		return e, "", err
	}
	e.Timestamp = time.Unix(ts, 0).UTC()
	return e, mac.String, nil
}
