package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/tracecov/internal/constants"
	"github.com/coral-mesh/tracecov/internal/safe"
)

// Layer is a configuration source.
type Layer string

const (
	LayerDefaults Layer = "defaults"
	LayerFile     Layer = "file"
	LayerEnv      Layer = "env"
)

// Loader builds a Config from layered sources. Later layers override earlier
// ones: defaults, then the YAML file, then environment variables. Command-line
// flags are applied by the caller on the returned Config.
type Loader struct {
	enabledLayers map[Layer]bool
}

// NewLoader returns a loader with every layer enabled.
func NewLoader() *Loader {
	return &Loader{
		enabledLayers: map[Layer]bool{
			LayerDefaults: true,
			LayerFile:     true,
			LayerEnv:      true,
		},
	}
}

// EnableLayer enables a configuration layer.
func (l *Loader) EnableLayer(layer Layer) {
	l.enabledLayers[layer] = true
}

// DisableLayer disables a configuration layer.
func (l *Loader) DisableLayer(layer Layer) {
	l.enabledLayers[layer] = false
}

// DefaultPath returns the configuration file looked up in dir.
func DefaultPath(dir string) string {
	return filepath.Join(dir, constants.ConfigFile)
}

// Load builds the configuration. An empty path looks up tracecov.yaml in the
// working directory and tolerates its absence; an explicit path must exist.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := &Config{}
	if l.enabledLayers[LayerDefaults] {
		cfg = Default()
	}

	if l.enabledLayers[LayerFile] {
		explicit := path != ""
		if !explicit {
			path = DefaultPath(".")
		}
		if err := mergeFromFile(cfg, path); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load config from %s: %w", path, err)
			}
		}
	}

	if l.enabledLayers[LayerEnv] {
		if err := LoadFromEnv(cfg); err != nil {
			return nil, fmt.Errorf("load config from environment: %w", err)
		}
	}

	return cfg, nil
}

// mergeFromFile decodes a YAML file over cfg. Keys absent from the file keep
// their current values.
func mergeFromFile(cfg *Config, path string) error {
	data, err := safe.ReadFile(path, safe.DefaultMaxFileSize)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}
	return nil
}
