package records

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"care-vault/internal/crypto"
	"care-vault/internal/keys"
	"care-vault/internal/localdb"
)

func openTestStore(t *testing.T) (*Store, *localdb.DB) {
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
	return NewStore(db, crypto.NewCodec(km), nil), db
}

func TestSaveGetRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	rec := &Record{
		Type:        TypeIntake,
		DisplayName: "Jane Roe",
		Payload: map[string]any{
			"clientName": "Jane Roe",
			"intakeDate": "2026-08-01",
			"notes":      "initial visit",
		},
		Step: 2,
	}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("save must assign an id")
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DisplayName != "Jane Roe" || got.Type != TypeIntake || got.Step != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Payload["notes"] != "initial visit" {
		t.Fatalf("payload mismatch: %#v", got.Payload)
	}
	if got.Status != StatusDraft {
		t.Fatalf("default status = %s, want draft", got.Status)
	}
}

func TestPersistedFormIsEncrypted(t *testing.T) {
	s, db := openTestStore(t)
	ctx := context.Background()

	rec := &Record{
		Type:        TypeIntake,
		DisplayName: "Secret Name",
		Payload:     map[string]any{"clientName": "Secret Name", "notes": "sensitive detail"},
	}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	var nameCol, payloadCol string
	err := db.QueryRowContext(ctx,
		`SELECT display_name, payload FROM records WHERE id = ?`, rec.ID).
		Scan(&nameCol, &payloadCol)
	if err != nil {
		t.Fatalf("raw read: %v", err)
	}
	for _, col := range []string{nameCol, payloadCol} {
		if !crypto.IsEnvelope(col) {
			t.Fatalf("persisted column lacks envelope prefix: %q", col[:12])
		}
		if strings.Contains(col, "Secret Name") || strings.Contains(col, "sensitive detail") {
			t.Fatal("plaintext leaked into persisted form")
		}
	}
}

func TestDefaultFillOnRead(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	rec := &Record{
		Type:        TypeIntake,
		DisplayName: "Old Record",
		Payload:     map[string]any{"clientName": "Old Record", "notes": "kept"},
	}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	meds, ok := got.Payload["medications"].([]any)
	if !ok || len(meds) != 0 {
		t.Fatalf("missing key must gain schema default, got %#v", got.Payload["medications"])
	}
	if got.Payload["notes"] != "kept" {
		t.Fatal("existing keys must be preserved unchanged")
	}
}

func TestLegacyPlaintextRowMigratesOnRead(t *testing.T) {
	s, db := openTestStore(t)
	ctx := context.Background()

	// Row written before encryption and before the type tag existed.
	_, err := db.ExecContext(ctx, `
		INSERT INTO records(id, type, display_name, payload, status, last_modified)
		VALUES('legacy-1', '', 'Plain Jane', '{"clientName":"Plain Jane","referralSource":"hospital"}', 'draft', ?)`,
		time.Now().Unix())
	if err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}

	got, err := s.Get(ctx, "legacy-1")
	if err != nil {
		t.Fatalf("get legacy: %v", err)
	}
	if got.DisplayName != "Plain Jane" {
		t.Fatalf("plaintext name must pass through, got %q", got.DisplayName)
	}
	if got.Type != TypeIntake {
		t.Fatalf("sniffed type = %s, want intake", got.Type)
	}
	if _, ok := got.Payload["medications"]; !ok {
		t.Fatal("legacy payload must gain schema defaults")
	}
}

func TestUnknownShapeIsSurfaced(t *testing.T) {
	s, db := openTestStore(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		INSERT INTO records(id, type, display_name, payload, status, last_modified)
		VALUES('odd-1', '', 'Odd', '{"mystery":true}', 'draft', ?)`, time.Now().Unix())
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.Get(ctx, "odd-1"); !errors.Is(err, ErrUnknownRecordType) {
		t.Fatalf("expected ErrUnknownRecordType, got %v", err)
	}
}

func TestListSkipsUndecryptableRecords(t *testing.T) {
	s, db := openTestStore(t)
	ctx := context.Background()

	good := &Record{Type: TypeIntake, DisplayName: "Good", Payload: map[string]any{"clientName": "Good"}}
	if err := s.Save(ctx, good); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Corrupt envelope: valid prefix, garbage body.
	_, err := db.ExecContext(ctx, `
		INSERT INTO records(id, type, display_name, payload, status, last_modified)
		VALUES('corrupt-1', 'intake', 'ENC:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA', 'ENC:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA', 'draft', ?)`,
		time.Now().Unix())
	if err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != good.ID {
		t.Fatalf("expected only the good record, got %d", len(list))
	}

	if _, err := s.Get(ctx, "corrupt-1"); err == nil {
		t.Fatal("get of corrupt record must error")
	} else {
		var de *DecryptError
		if !errors.As(err, &de) {
			t.Fatalf("expected DecryptError, got %v", err)
		}
	}
}

func TestFindByNameAndDelete(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	rec := &Record{Type: TypeAssessment, DisplayName: "Walk Test", Payload: map[string]any{"assessmentScore": 7.0}}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	found, err := s.FindByName(ctx, "Walk Test", TypeAssessment)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.ID != rec.ID {
		t.Fatal("found wrong record")
	}
	if _, err := s.FindByName(ctx, "Walk Test", TypeIntake); !errors.Is(err, ErrNotFound) {
		t.Fatalf("type filter must apply, got %v", err)
	}

	if err := s.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
