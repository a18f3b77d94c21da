//go:build !linux && !darwin

package crypto

func LockBuffer(b []byte) error   { return nil }
func UnlockBuffer(b []byte) error { return nil }
