// Package config holds the read-only configuration for a sshtarpit run.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Config is read-only for the lifetime of the run.
type Config struct {
	Bind          string        `json:"bind"`
	Port          uint16        `json:"port"`
	Delay         time.Duration `json:"delay"`
	MaxLineLength int           `json:"max_line_length"`
	MaxClients    int           `json:"max_clients"`

	Log       string `json:"log"`
	LogRotate bool   `json:"log_rotate"`

	DashboardAddr string `json:"dashboard_addr"`

	DBDriver string `json:"db_driver"`
	DBDSN    string `json:"db_dsn"`

	GeoIPLicenseKey string `json:"geoip_license_key"`

	NATSURL string `json:"nats_url"`
}

// MinLineLength is the smallest meaningful line: one content byte plus
// CRLF.
const MinLineLength = 3

// Validate checks the invariants the engine assumes of Config: max_clients
// >= 1, max_line_length within [3, 255], a positive delay.
func (c *Config) Validate() error {
	if c.MaxClients < 1 {
		return errors.Errorf("max-clients must be >= 1, got %d", c.MaxClients)
	}
	if c.MaxLineLength < MinLineLength || c.MaxLineLength > 255 {
		return errors.Errorf("max-line-length must be in [%d, 255], got %d", MinLineLength, c.MaxLineLength)
	}
	if c.Delay <= 0 {
		return errors.Errorf("delay must be positive, got %s", c.Delay)
	}
	if c.Port == 0 {
		return errors.New("port must be non-zero")
	}
	return nil
}

// LoadJSON overrides cfg's fields with whatever is present in the JSON
// file at path: an optional file layered on top of CLI-provided defaults.
func LoadJSON(cfg *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening config file")
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return errors.Wrap(err, "decoding config file")
	}

	return nil
}
