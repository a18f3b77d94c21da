package sync

import (
	"context"
	"errors"
	"time"

	"care-vault/internal/audit"
	"care-vault/internal/records"
)

// Rescue promotes unsaved work recovered from outside the store (an
// interrupted session) into a real record. If a record with the same
// display name and type was modified within the dedup window, another
// recovery already won and the transient copy is discarded. Returns whether
// a record was created.
func (c *Coordinator) Rescue(ctx context.Context, draft *records.Record) (bool, error) {
	existing, err := c.store.FindByName(ctx, draft.DisplayName, draft.Type)
	switch {
	case err == nil:
		age := time.Now().UTC().Sub(existing.LastModified)
		if age <= c.dedupWindow {
			c.logger.Printf("rescue of %q suppressed, existing record modified %s ago", draft.DisplayName, age.Round(time.Second))
			return false, nil
		}
	case errors.Is(err, records.ErrNotFound):
	default:
		return false, err
	}

	draft.ID = ""
	draft.Status = records.StatusDraft
	draft.RemoteVersion = 0
	if err := c.store.Save(ctx, draft); err != nil {
		return false, err
	}
	c.ledger.Append(audit.ActionRecordSave, draft.ID, "rescued unsaved work", audit.StatusInfo, c.actor)
	return true, nil
}
