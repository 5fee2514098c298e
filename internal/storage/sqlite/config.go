package sqlite

import "fmt"

const (
	defaultBusyTimeout = 5000
	defaultDBFile      = "jobd.db"
)

// Config holds the SQLite storage configuration.
type Config struct {
	// Path is the database file path. Defaults to {DataDir}/jobd.db.
	Path string `yaml:"path"`

	// WAL enables WAL journal mode for concurrent reads. Defaults to true.
	WAL *bool `yaml:"wal"`

	// BusyTimeout is the milliseconds to wait on a busy lock. Defaults to 5000.
	BusyTimeout int `yaml:"busy_timeout"`
}

// Defaults fills unset fields. dataDir is used to derive Path when empty.
func (c *Config) Defaults(dataDir string) {
	if c.WAL == nil {
		t := true
		c.WAL = &t
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = defaultBusyTimeout
	}
	if c.Path == "" && dataDir != "" {
		c.Path = dataDir + "/" + defaultDBFile
	}
}

func (c *Config) walEnabled() bool {
	return c.WAL == nil || *c.WAL
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("sqlite: path is required")
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("sqlite: busy_timeout must be non-negative, got %d", c.BusyTimeout)
	}
	return nil
}
