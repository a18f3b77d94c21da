package crypto

import (
	"context"
	"encoding/json"
)

// EncryptObject marshals v to JSON and seals it under the PHI key.
func (c *Codec) EncryptObject(ctx context.Context, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return c.Encrypt(ctx, string(b), PurposePHI)
}

// DecryptObject opens an envelope and unmarshals the JSON inside into v.
// Plain (non-enveloped) JSON is parsed directly; same migration contract as
// Decrypt, at object granularity.
func (c *Codec) DecryptObject(ctx context.Context, data string, v any) error {
	pt, err := c.Decrypt(ctx, data, PurposePHI)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(pt), v)
}
