package sync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRemoteUnavailable marks transport failures. A push that fails with it
// is queued for replay, never dropped.
var ErrRemoteUnavailable = errors.New("sync: remote unavailable")

// ErrLockDenied is the errors.Is target for LockDeniedError.
var ErrLockDenied = errors.New("sync: lock held by another device")

// Conflict is the expected outcome of a version-mismatched push. It is a
// value for the caller to resolve, not an exception path: the record stays
// untouched on both sides until Resolve picks a winner.
type Conflict struct {
	RecordID        string
	DisplayName     string
	RemoteUpdatedAt time.Time
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("sync: version conflict on %s (remote updated %s)",
		c.RecordID, c.RemoteUpdatedAt.Format(time.RFC3339))
}

// LockState identifies who holds an advisory lock and for how long.
type LockState struct {
	RecordID     string
	HolderID     string
	HolderDevice string
	AcquiredAt   time.Time
	ExpiresAt    time.Time
}

func (ls LockState) Expired(now time.Time) bool { return now.After(ls.ExpiresAt) }

// LockDeniedError carries the holder metadata the UI shows while a save is
// blocked.
type LockDeniedError struct {
	Holder LockState
}

func (e *LockDeniedError) Error() string {
	return fmt.Sprintf("sync: record %s locked by %s on %s",
		e.Holder.RecordID, e.Holder.HolderID, e.Holder.HolderDevice)
}

func (e *LockDeniedError) Is(target error) bool { return target == ErrLockDenied }

// RemoteRecord is the wire form of a record. displayName and payload stay
// sealed in their envelopes end to end; the remote never sees plaintext PHI.
type RemoteRecord struct {
	ID          string
	Type        string
	DisplayName string
	Payload     string
	Status      string
	Step        int
	LinkedID    string
	Owner       string
	Version     int
	UpdatedAt   time.Time
}

// AuditEvent is the append-only remote mirror of a local ledger entry,
// keyed by organization.
type AuditEvent struct {
	Org       string
	Timestamp time.Time
	Actor     string
	Action    string
	Resource  string
	Status    string
}

// Remote is the backend the coordinator reconciles against. Implementations
// return *Conflict on version mismatch, *LockDeniedError on a held lock,
// and wrap transport failures in ErrRemoteUnavailable.
type Remote interface {
	UpsertRecord(ctx context.Context, rec RemoteRecord, expectedVersion int) (newVersion int, err error)
	FetchRecord(ctx context.Context, id string) (*RemoteRecord, error)
	DeleteRecord(ctx context.Context, id string) error
	AcquireLock(ctx context.Context, id, actor, device string, expiry time.Duration) (LockState, error)
	ReleaseLock(ctx context.Context, id, actor string) error
	ExpireStaleLocks(ctx context.Context) (int, error)
	AppendAudit(ctx context.Context, ev AuditEvent) error
}

// ErrRemoteNotFound reports a fetch of a record the remote has never seen.
var ErrRemoteNotFound = errors.New("sync: record not on remote")
