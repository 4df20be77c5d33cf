package config

import (
	"fmt"
	"time"
)

// DatabaseConfig selects the persistence substrate backing jobs, locks,
// checkpoints, cache entries, content blobs and catalog records.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres
	Path            string        `mapstructure:"path"`   // sqlite file path
	DSN             string        `mapstructure:"dsn"`    // full postgres DSN, overrides the fields below
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ConnectionString returns the driver-specific connection string.
func (c *DatabaseConfig) ConnectionString() string {
	if c.Driver == "postgres" {
		if c.DSN != "" {
			return c.DSN
		}
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
	}
	if c.DSN != "" {
		return c.DSN
	}
	// busy_timeout keeps concurrent lock/dedup writers from failing fast on SQLITE_BUSY.
	return fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL", c.Path)
}
