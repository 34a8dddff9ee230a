package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Bind:          "0.0.0.0",
		Port:          2222,
		Delay:         10 * time.Second,
		MaxLineLength: 32,
		MaxClients:    100,
	}
}

func TestValidateAcceptsSaneConfig(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}
}

func TestValidateRejectsMaxClientsBelowOne(t *testing.T) {
	c := validConfig()
	c.MaxClients = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for max_clients=0")
	}
}

func TestValidateRejectsLineLengthOutOfRange(t *testing.T) {
	for _, n := range []int{0, 1, 2, 256, 1000} {
		c := validConfig()
		c.MaxLineLength = n
		if err := c.Validate(); err == nil {
			t.Fatalf("expected an error for max_line_length=%d", n)
		}
	}
}

func TestValidateRejectsNonPositiveDelay(t *testing.T) {
	c := validConfig()
	c.Delay = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for delay=0")
	}
}

func TestValidateRejectsZeroPort(t *testing.T) {
	c := validConfig()
	c.Port = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for port=0")
	}
}

func TestLoadJSONOverridesFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	const body = `{"port": 9999, "max_clients": 50}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	c := validConfig()
	if err := LoadJSON(&c, path); err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}

	if c.Port != 9999 {
		t.Fatalf("expected port override to 9999, got %d", c.Port)
	}
	if c.MaxClients != 50 {
		t.Fatalf("expected max_clients override to 50, got %d", c.MaxClients)
	}
	// Fields absent from the JSON file must be left untouched.
	if c.Bind != "0.0.0.0" {
		t.Fatalf("expected bind to remain unchanged, got %q", c.Bind)
	}
}

func TestLoadJSONMissingFile(t *testing.T) {
	c := validConfig()
	if err := LoadJSON(&c, filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
