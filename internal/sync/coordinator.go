package sync

import (
	"context"
	"errors"
	"log"
	stdsync "sync"
	"time"

	"golang.org/x/time/rate"

	"care-vault/internal/audit"
	"care-vault/internal/config"
	"care-vault/internal/crypto"
	"care-vault/internal/records"
	"care-vault/internal/sanitize"
)

// Coordinator reconciles the local store with the remote. One instance per
// process; install it as the store's SaveGuard so foreign locks block local
// saves.
type Coordinator struct {
	store  *records.Store
	queue  *Queue
	remote Remote
	codec  *crypto.Codec
	ledger *audit.Ledger
	logger *log.Logger

	limiter *rate.Limiter

	actor       string
	device      string
	org         string
	lockExpiry  time.Duration
	dedupWindow time.Duration

	mu      stdsync.Mutex
	foreign map[string]LockState
}

func NewCoordinator(cfg config.Config, store *records.Store, queue *Queue, remote Remote, codec *crypto.Codec, ledger *audit.Ledger, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		store:       store,
		queue:       queue,
		remote:      remote,
		codec:       codec,
		ledger:      ledger,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(cfg.PushesPerSecond), 1),
		actor:       cfg.Actor,
		device:      cfg.Device,
		org:         cfg.Org,
		lockExpiry:  cfg.LockExpiry,
		dedupWindow: cfg.DedupWindow,
		foreign:     make(map[string]LockState),
	}
}

// CheckSave implements records.SaveGuard: a save is vetoed while another
// holder's unexpired lock is known for the record. Reads are never guarded.
func (c *Coordinator) CheckSave(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, ok := c.foreign[id]
	if !ok {
		return nil
	}
	if ls.Expired(time.Now().UTC()) {
		delete(c.foreign, id)
		return nil
	}
	return &LockDeniedError{Holder: ls}
}

// Lock acquires the advisory lock for a record before editing. Denial
// records the holder so CheckSave blocks saves until Unlock or expiry.
func (c *Coordinator) Lock(ctx context.Context, id string) error {
	_, err := c.remote.AcquireLock(ctx, id, c.actor, c.device, c.lockExpiry)
	var denied *LockDeniedError
	if errors.As(err, &denied) {
		c.mu.Lock()
		c.foreign[id] = denied.Holder
		c.mu.Unlock()
		c.ledger.Append(audit.ActionLockDenied, id, "held by "+denied.Holder.HolderID, audit.StatusFailure, c.actor)
		return err
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.foreign, id)
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) Unlock(ctx context.Context, id string) error {
	return c.remote.ReleaseLock(ctx, id, c.actor)
}

// SweepStaleLocks expires abandoned locks remotely and forgets any local
// veto that has aged out.
func (c *Coordinator) SweepStaleLocks(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	c.mu.Lock()
	for id, ls := range c.foreign {
		if ls.Expired(now) {
			delete(c.foreign, id)
		}
	}
	c.mu.Unlock()
	return c.remote.ExpireStaleLocks(ctx)
}

// Push sends one record to the remote. The record is re-read from the
// store first, so a push raced by a newer local save carries the newer
// state instead of overwriting it. A transport failure queues the push for
// replay and still returns the error so the caller can show offline state.
func (c *Coordinator) Push(ctx context.Context, id string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return c.pushRecord(ctx, rec)
}

func (c *Coordinator) pushRecord(ctx context.Context, rec *records.Record) error {
	nameEnv, err := c.codec.Encrypt(ctx, rec.DisplayName, crypto.PurposePHI)
	if err != nil {
		return err
	}
	payloadEnv, err := c.codec.EncryptObject(ctx, rec.Payload)
	if err != nil {
		return err
	}

	newVersion, err := c.remote.UpsertRecord(ctx, RemoteRecord{
		ID:          rec.ID,
		Type:        string(rec.Type),
		DisplayName: nameEnv,
		Payload:     payloadEnv,
		Status:      string(rec.Status),
		Step:        rec.Step,
		LinkedID:    rec.LinkedID,
		Owner:       c.actor,
		UpdatedAt:   rec.LastModified,
	}, rec.RemoteVersion)

	var conflict *Conflict
	switch {
	case errors.As(err, &conflict):
		conflict.DisplayName = rec.DisplayName
		c.ledger.Append(audit.ActionSyncConflict, rec.ID, "remote version ahead", audit.StatusFailure, c.actor)
		return conflict
	case errors.Is(err, ErrRemoteUnavailable):
		if qerr := c.queue.Enqueue(ctx, rec.ID, opUpsert); qerr != nil {
			return qerr
		}
		c.logger.Printf("remote unavailable, queued push of %s", rec.ID)
		return err
	case err != nil:
		return err
	}

	rec.RemoteVersion = newVersion
	if err := c.store.Save(ctx, rec); err != nil {
		return err
	}
	c.ledger.Append(audit.ActionSyncPush, rec.ID, "", audit.StatusSuccess, c.actor)
	c.mirrorAudit(ctx, audit.ActionSyncPush, rec.ID)
	return nil
}

// Delete removes a record locally and remotely; the remote side is queued
// when unreachable.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.ledger.Append(audit.ActionRecordDelete, id, "", audit.StatusSuccess, c.actor)
	if err := c.remote.DeleteRecord(ctx, id); errors.Is(err, ErrRemoteUnavailable) {
		return c.queue.Enqueue(ctx, id, opDelete)
	} else if err != nil {
		return err
	}
	return nil
}

// Replay drains the queue oldest-first. Each upsert re-reads the record so
// the replay carries the latest local state; entries ack only after the
// remote confirms. A transport failure stops the drain, leaving the rest
// queued.
func (c *Coordinator) Replay(ctx context.Context) error {
	ops, err := c.queue.Pending(ctx)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := c.replayOne(ctx, op); err != nil {
			if errors.Is(err, ErrRemoteUnavailable) {
				return err
			}
			c.logger.Printf("replay of %s failed: %v", op.RecordID, err)
		}
		if err := c.queue.Ack(ctx, op.ID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) replayOne(ctx context.Context, op QueuedOp) error {
	if op.Action == opDelete {
		return c.remote.DeleteRecord(ctx, op.RecordID)
	}
	rec, err := c.store.Get(ctx, op.RecordID)
	if errors.Is(err, records.ErrNotFound) {
		// Deleted locally while queued; nothing left to push.
		return nil
	}
	if err != nil {
		return err
	}
	err = c.pushRecord(ctx, rec)
	// pushRecord already re-queued on transport failure; the stale entry is
	// acked by the caller and the fresh one waits for the next replay.
	if errors.Is(err, ErrRemoteUnavailable) {
		return err
	}
	var conflict *Conflict
	if errors.As(err, &conflict) {
		// Conflicts need the user; they leave the queue and surface via the
		// ledger until resolved.
		return nil
	}
	return err
}

// Resolve settles a conflict. keepLocal pushes the local record on top of
// whatever version the remote holds now; otherwise the remote copy
// replaces the local one.
func (c *Coordinator) Resolve(ctx context.Context, id string, keepLocal bool) error {
	remote, err := c.remote.FetchRecord(ctx, id)
	if err != nil {
		return err
	}

	if keepLocal {
		rec, err := c.store.Get(ctx, id)
		if err != nil {
			return err
		}
		rec.RemoteVersion = remote.Version
		if err := c.store.Save(ctx, rec); err != nil {
			return err
		}
		return c.pushRecord(ctx, rec)
	}

	name, err := c.codec.Decrypt(ctx, remote.DisplayName, crypto.PurposePHI)
	if err != nil {
		return err
	}
	var payload map[string]any
	if err := c.codec.DecryptObject(ctx, remote.Payload, &payload); err != nil {
		return err
	}
	rec := &records.Record{
		ID:            remote.ID,
		Type:          records.Type(remote.Type),
		DisplayName:   name,
		Payload:       payload,
		Status:        records.Status(remote.Status),
		Step:          remote.Step,
		LinkedID:      remote.LinkedID,
		RemoteVersion: remote.Version,
		LastModified:  remote.UpdatedAt,
	}
	if err := c.store.Save(ctx, rec); err != nil {
		return err
	}
	c.ledger.Append(audit.ActionSyncConflict, id, "resolved: took remote", audit.StatusSuccess, c.actor)
	return nil
}

// ExportSanitized is the outward-facing boundary: the record is flattened
// and every PHI field masked before anything leaves the trust zone.
func (c *Coordinator) ExportSanitized(rec *records.Record) map[string]string {
	flat := sanitize.Flatten(rec.Payload)
	flat["displayName"] = rec.DisplayName
	flat["type"] = string(rec.Type)
	flat["status"] = string(rec.Status)
	return sanitize.Sanitize(flat)
}

// mirrorAudit best-effort copies an audit event to the remote org trail.
// Mirror failures never affect the primary action.
func (c *Coordinator) mirrorAudit(ctx context.Context, action audit.Action, resource string) {
	if c.org == "" {
		return
	}
	err := c.remote.AppendAudit(ctx, AuditEvent{
		Org:       c.org,
		Timestamp: time.Now().UTC(),
		Actor:     c.actor,
		Action:    string(action),
		Resource:  resource,
		Status:    string(audit.StatusSuccess),
	})
	if err != nil {
		c.logger.Printf("audit mirror failed: %v", err)
	}
}
