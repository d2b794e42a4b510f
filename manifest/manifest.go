// Package manifest handles malice.toml server configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Manifest represents a malice.toml configuration file.
type Manifest struct {
	World  World  `toml:"world"`
	Store  Store  `toml:"store"`
	Server Server `toml:"server"`
	Script Script `toml:"script"`

	// Dir is the directory containing the malice.toml file (set at load time).
	Dir string `toml:"-"`
}

// World contains world metadata.
type World struct {
	Name string `toml:"name"`
}

// Store configures the durable object store.
type Store struct {
	Path string `toml:"path"`
}

// Server configures the tooling/observability HTTP server.
type Server struct {
	Listen string `toml:"listen"`
}

// Script configures method execution limits.
type Script struct {
	// CallTimeout bounds a single method call, nested calls included.
	CallTimeout duration `toml:"call-timeout"`
}

// duration lets TOML carry values like "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// CallTimeout returns the configured per-call timeout.
func (m *Manifest) CallTimeout() time.Duration {
	return m.Script.CallTimeout.Duration
}

// Default returns the configuration used when no malice.toml exists.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.World.Name == "" {
		m.World.Name = "malice"
	}
	if m.Store.Path == "" {
		m.Store.Path = "malice.db"
	}
	if m.Server.Listen == "" {
		m.Server.Listen = ":4666"
	}
	if m.Script.CallTimeout.Duration == 0 {
		m.Script.CallTimeout.Duration = 10 * time.Second
	}
}

// Load parses a malice.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "malice.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	m.applyDefaults()

	return &m, nil
}

// FindAndLoad walks up from startDir to find a malice.toml file, then
// loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "malice.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// StorePath returns the database path resolved against the manifest
// directory.
func (m *Manifest) StorePath() string {
	if filepath.IsAbs(m.Store.Path) || m.Dir == "" {
		return m.Store.Path
	}
	return filepath.Join(m.Dir, m.Store.Path)
}
