package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"care-vault/internal/audit"
	"care-vault/internal/records"
)

const legacyIDFlag = "migration.legacy_ids"

// MigrateLegacyIDs reassigns UUIDs to records that predate UUID keying.
// Runs exactly once per store: a persisted flag makes later calls no-ops,
// and the flag is only set after the whole pass lands, so an interrupted
// run retries on next load. Migrated records reset to draft with no remote
// version, since their old identity never reaches the remote again.
// Duplicate (displayName, type) pairs left behind by the old keying are
// collapsed to the most recently modified record. Returns how many records
// changed.
func (c *Coordinator) MigrateLegacyIDs(ctx context.Context) (int, error) {
	done, ok, err := c.queue.db.GetFlag(ctx, legacyIDFlag)
	if err != nil {
		return 0, err
	}
	if ok && done == "done" {
		return 0, nil
	}

	recs, err := c.store.List(ctx)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, rec := range recs {
		if uuid.Validate(rec.ID) == nil {
			continue
		}
		oldID := rec.ID
		rec.ID = uuid.NewString()
		rec.Status = records.StatusDraft
		rec.RemoteVersion = 0
		if err := c.store.Save(ctx, rec); err != nil {
			return changed, err
		}
		if err := c.store.Delete(ctx, oldID); err != nil {
			return changed, err
		}
		if _, err := c.store.Get(ctx, oldID); !errors.Is(err, records.ErrNotFound) {
			return changed, fmt.Errorf("sync: legacy record %s not removed", oldID)
		}
		changed++
		c.ledger.Append(audit.ActionMigration, rec.ID, "reassigned legacy id", audit.StatusInfo, c.actor)
	}

	collapsed, err := c.collapseDuplicates(ctx)
	if err != nil {
		return changed, err
	}
	changed += collapsed

	if err := c.queue.db.SetFlag(ctx, legacyIDFlag, "done"); err != nil {
		return changed, err
	}
	return changed, nil
}

// collapseDuplicates deletes all but the newest record of each
// (displayName, type) pair. List returns newest-first, so the first record
// seen for a pair is the keeper.
func (c *Coordinator) collapseDuplicates(ctx context.Context) (int, error) {
	recs, err := c.store.List(ctx)
	if err != nil {
		return 0, err
	}
	type pair struct {
		name string
		typ  records.Type
	}
	seen := make(map[pair]bool)
	removed := 0
	for _, rec := range recs {
		p := pair{rec.DisplayName, rec.Type}
		if !seen[p] {
			seen[p] = true
			continue
		}
		if err := c.store.Delete(ctx, rec.ID); err != nil {
			return removed, err
		}
		removed++
		c.ledger.Append(audit.ActionMigration, rec.ID, "collapsed duplicate record", audit.StatusInfo, c.actor)
	}
	return removed, nil
}
