//go:build linux || darwin

package crypto

import "golang.org/x/sys/unix"

// LockBuffer pins key material so it is never swapped to disk. Best effort:
// callers ignore the error on platforms or limits that refuse mlock.
func LockBuffer(b []byte) error   { return unix.Mlock(b) }
func UnlockBuffer(b []byte) error { return unix.Munlock(b) }
