package audit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"care-vault/internal/keys"
	"care-vault/internal/localdb"
)

func openTestLedger(t *testing.T) (*Ledger, *localdb.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := localdb.Open(filepath.Join(dir, "vault.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	km, err := keys.Open(db, filepath.Join(dir, "device.key"), nil)
	if err != nil {
		t.Fatalf("open keys: %v", err)
	}
	t.Cleanup(km.Close)
	l := NewLedger(db, km, nil)
	t.Cleanup(l.Close)
	return l, db
}

func TestVerifyUntouchedLedger(t *testing.T) {
	l, _ := openTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Append(ActionRecordSave, "rec-1", "saved draft", StatusSuccess, "clinician-7")
	}
	l.Flush()

	rep, err := l.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.Valid != 5 || rep.Invalid != 0 || rep.NoMAC != 0 {
		t.Fatalf("untouched ledger report = %+v", rep)
	}
	if l.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", l.Dropped())
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l, db := openTestLedger(t)
	ctx := context.Background()

	l.Append(ActionRecordSave, "rec-1", "saved", StatusSuccess, "clinician-7")
	l.Append(ActionRecordDelete, "rec-2", "removed", StatusSuccess, "clinician-7")
	l.Flush()

	if _, err := db.ExecContext(ctx,
		`UPDATE audit_log SET actor = 'someone-else' WHERE action = ?`,
		string(ActionRecordDelete)); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	rep, err := l.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.Invalid != 1 || rep.Valid != 1 {
		t.Fatalf("tampered ledger report = %+v", rep)
	}
}

func TestUnsignedRowsCountedSeparately(t *testing.T) {
	l, db := openTestLedger(t)
	ctx := context.Background()

	// Row from before MAC signing existed.
	if _, err := db.ExecContext(ctx, `
		INSERT INTO audit_log(ts, actor, action, resource, details, status, mac)
		VALUES(?, 'legacy', 'record.save', 'rec-0', '', 'success', NULL)`,
		time.Now().Unix()); err != nil {
		t.Fatalf("insert legacy: %v", err)
	}
	l.Append(ActionRecordView, "rec-1", "", StatusInfo, "clinician-7")
	l.Flush()

	rep, err := l.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.NoMAC != 1 || rep.Valid != 1 || rep.Invalid != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestAppendRedactsDetails(t *testing.T) {
	l, _ := openTestLedger(t)
	ctx := context.Background()

	l.Append(ActionSyncConflict, "rec-1",
		"client SSN 123-45-6789 reachable at (610) 555-1234", StatusInfo, "clinician-7")
	l.Flush()

	entries, err := l.Query(ctx, QueryOpts{Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	got := entries[0].Details
	if strings.Contains(got, "123-45-6789") || strings.Contains(got, "555-1234") {
		t.Fatalf("PHI survived redaction: %q", got)
	}
	if !strings.Contains(got, RedactionToken) {
		t.Fatalf("expected redaction token in %q", got)
	}
}

func TestQueryOrderAndFilter(t *testing.T) {
	l, _ := openTestLedger(t)
	ctx := context.Background()

	l.Append(ActionRecordSave, "rec-1", "first", StatusSuccess, "a")
	l.Flush()
	l.Append(ActionSyncPush, "rec-1", "second", StatusSuccess, "a")
	l.Flush()
	l.Append(ActionRecordSave, "rec-2", "third", StatusSuccess, "a")
	l.Flush()

	all, err := l.Query(ctx, QueryOpts{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 3 || all[0].Details != "third" || all[2].Details != "first" {
		t.Fatalf("expected newest-first order, got %+v", all)
	}

	saves, err := l.Query(ctx, QueryOpts{Action: ActionRecordSave})
	if err != nil {
		t.Fatalf("query filtered: %v", err)
	}
	if len(saves) != 2 {
		t.Fatalf("action filter returned %d entries", len(saves))
	}
}

func TestPurgeRetention(t *testing.T) {
	l, db := openTestLedger(t)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -120).Unix()
	if _, err := db.ExecContext(ctx, `
		INSERT INTO audit_log(ts, actor, action, resource, details, status, mac)
		VALUES(?, 'a', 'record.save', 'rec-old', '', 'success', NULL)`, old); err != nil {
		t.Fatalf("insert old: %v", err)
	}
	l.Append(ActionRecordSave, "rec-new", "", StatusSuccess, "a")
	l.Flush()

	n, err := l.Purge(ctx, 90)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	n, err = l.Purge(ctx, 90)
	if err != nil {
		t.Fatalf("second purge: %v", err)
	}
	if n != 0 {
		t.Fatalf("second purge removed %d, want 0", n)
	}
}

func TestRedactExistingResigns(t *testing.T) {
	l, db := openTestLedger(t)
	ctx := context.Background()

	l.Append(ActionRecordSave, "rec-1", "clean entry", StatusSuccess, "a")
	l.Flush()

	// Simulate an entry written before a redaction rule existed: raw PHI in
	// details, then re-signed by the retro pass.
	entries, err := l.Query(ctx, QueryOpts{Limit: 1})
	if err != nil || len(entries) != 1 {
		t.Fatalf("query: %v", err)
	}
	seq := entries[0].Seq
	if _, err := db.ExecContext(ctx,
		`UPDATE audit_log SET details = 'call 610-555-1234' WHERE seq = ?`, seq); err != nil {
		t.Fatalf("plant: %v", err)
	}

	n, err := l.RedactExisting(ctx)
	if err != nil {
		t.Fatalf("redact existing: %v", err)
	}
	if n != 1 {
		t.Fatalf("touched %d entries, want 1", n)
	}

	rep, err := l.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.Invalid != 0 || rep.Valid != 1 {
		t.Fatalf("post-redaction report = %+v", rep)
	}
	entries, err = l.Query(ctx, QueryOpts{Limit: 1})
	if err != nil || len(entries) != 1 {
		t.Fatalf("query: %v", err)
	}
	if strings.Contains(entries[0].Details, "555-1234") {
		t.Fatalf("PHI survived retro redaction: %q", entries[0].Details)
	}
}

func TestAppendNeverFailsAfterClose(t *testing.T) {
	l, _ := openTestLedger(t)

	l.Close()
	l.Append(ActionRecordSave, "rec-1", "", StatusSuccess, "a")
	if l.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", l.Dropped())
	}
}

func TestRedactPatterns(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ssn 123-45-6789 on file", "ssn [REDACTED] on file"},
		{"ssn 123456789 on file", "ssn [REDACTED] on file"},
		{"call (610) 555-1234 today", "call [REDACTED] today"},
		{"call 610.555.1234 today", "call [REDACTED] today"},
		{"no digits here", "no digits here"},
		{"score 8 of 10", "score 8 of 10"},
	}
	for _, tc := range cases {
		if got := Redact(tc.in); got != tc.want {
			t.Errorf("Redact(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
