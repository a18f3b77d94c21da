package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Config is everything the surrounding application decides for us:
// identity, storage locations, and the sync tuning scalars.
type Config struct {
	// DBPath is the local encrypted store. Defaults under the user home.
	DBPath string

	// DeviceSecretPath holds the device KEK secret when no passphrase is
	// used. Defaults next to the store.
	DeviceSecretPath string

	// Actor and Device identify this installation in locks and audit
	// entries.
	Actor  string
	Device string

	// Org keys remote audit mirroring.
	Org string

	// MongoURI and MongoDB select the remote store. Empty URI means
	// offline-only operation.
	MongoURI string
	MongoDB  string

	// RetentionDays bounds the local audit ledger.
	RetentionDays int

	// DedupWindow is how recently an existing record must have been
	// modified to suppress a rescue promotion of the same name and type.
	DedupWindow time.Duration

	// LockExpiry is how long an advisory lock lives without renewal.
	LockExpiry time.Duration

	// PushesPerSecond throttles remote writes during replay bursts.
	PushesPerSecond float64
}

func (c *Config) setDefaults() {
	if c.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.DBPath = filepath.Join(home, ".care-vault", "vault.db")
	}
	if c.DeviceSecretPath == "" {
		c.DeviceSecretPath = filepath.Join(filepath.Dir(c.DBPath), "device.key")
	}
	if c.Device == "" {
		if host, err := os.Hostname(); err == nil {
			c.Device = host
		} else {
			c.Device = "unknown-device"
		}
	}
	if c.MongoDB == "" {
		c.MongoDB = "carevault"
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 90
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 60 * time.Second
	}
	if c.LockExpiry <= 0 {
		c.LockExpiry = 5 * time.Minute
	}
	if c.PushesPerSecond <= 0 {
		c.PushesPerSecond = 5
	}
}

// Load normalizes a caller-supplied config. Actor is the only field with
// no sensible default.
func Load(c Config) (Config, error) {
	c.setDefaults()
	if c.Actor == "" {
		return Config{}, errors.New("config: actor must be set")
	}
	return c, nil
}
