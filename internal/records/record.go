package records

import (
	"errors"
	"fmt"
	"time"
)

type Type string

const (
	TypeIntake     Type = "intake"
	TypeAssessment Type = "assessment"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
)

// Record is the decrypted in-memory form. At rest, DisplayName and Payload
// are always envelope strings.
type Record struct {
	ID            string
	Type          Type
	DisplayName   string
	Payload       map[string]any
	Status        Status
	Step          int
	LinkedID      string
	RemoteVersion int // 0 = never pushed
	LastModified  time.Time
}

// ErrUnknownRecordType marks a legacy untagged payload that matches neither
// known shape. Surfaced rather than guessed.
var ErrUnknownRecordType = errors.New("records: payload matches no known record type")

// DecryptError reports a single record whose envelope failed to open. Bulk
// reads skip these rather than failing the listing.
type DecryptError struct {
	ID  string
	Err error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("records: decrypt record %s: %v", e.ID, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }
