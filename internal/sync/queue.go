package sync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"care-vault/internal/localdb"
)

const (
	opUpsert = "upsert"
	opDelete = "delete"
)

// QueuedOp is one pending replay entry. At most one per record: a newer
// enqueue for the same record replaces the older one, since replay re-reads
// the record anyway.
type QueuedOp struct {
	ID       string
	RecordID string
	Action   string
	QueuedAt time.Time
}

// Queue is the offline replay queue, persisted so queued writes survive a
// restart. Entries are removed only after a confirmed remote ack.
type Queue struct {
	db *localdb.DB
}

func NewQueue(db *localdb.DB) *Queue { return &Queue{db: db} }

func (q *Queue) Enqueue(ctx context.Context, recordID, action string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE record_id = ?`, recordID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue(id, record_id, action, queued_at)
		VALUES(?, ?, ?, ?)`,
		uuid.NewString(), recordID, action, time.Now().UTC().UnixNano()); err != nil {
		return err
	}
	return tx.Commit()
}

// Pending returns queued entries oldest-first, the replay order.
func (q *Queue) Pending(ctx context.Context) ([]QueuedOp, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, record_id, action, queued_at
		FROM sync_queue ORDER BY queued_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueuedOp
	for rows.Next() {
		var op QueuedOp
		var at int64
		if err := rows.Scan(&op.ID, &op.RecordID, &op.Action, &at); err != nil {
			return nil, err
		}
		op.QueuedAt = time.Unix(0, at).UTC()
		out = append(out, op)
	}
	return out, rows.Err()
}

// Ack removes a delivered entry. Called only after the remote confirmed
// the write, keeping delivery at-most-once.
func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	return err
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n)
	return n, err
}
