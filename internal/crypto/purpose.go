package crypto

import "context"

// Purpose scopes a symmetric key to one job. Material for one purpose is
// never used for another.
type Purpose string

const (
	// PurposePHI encrypts record payloads and display names.
	PurposePHI Purpose = "phi"
	// PurposeCredential encrypts locally cached credentials.
	PurposeCredential Purpose = "credential"
	// PurposeAuditMac signs audit ledger entries. HMAC-SHA256 key, never
	// used for encryption.
	PurposeAuditMac Purpose = "audit-mac"
)

func (p Purpose) Valid() bool {
	switch p {
	case PurposePHI, PurposeCredential, PurposeAuditMac:
		return true
	}
	return false
}

// KeySource hands out raw key material by purpose. Implemented by
// keys.Manager; accepted as an interface so the codec never learns about
// key storage.
type KeySource interface {
	Key(ctx context.Context, purpose Purpose) ([]byte, error)
}
