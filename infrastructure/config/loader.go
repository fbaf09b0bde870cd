package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader layers configuration sources. From lowest to highest priority:
// defaults, base.yaml, <environment>.yaml, environment variables.
type Loader struct {
	basePath    string
	environment string
	sources     []string
}

// NewLoader creates a loader reading files from basePath. An empty basePath
// skips the file layers.
func NewLoader(basePath, environment string) *Loader {
	return &Loader{basePath: basePath, environment: environment}
}

// Load builds and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	l.sources = []string{"defaults"}
	cfg := Default()
	cfg.Environment = l.environment

	if l.basePath != "" {
		for _, name := range []string{"base", strings.ToLower(l.environment)} {
			if err := l.loadFile(name, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to load %s config: %w", name, err)
			}
		}
	}

	applyEnv(cfg)
	l.sources = append(l.sources, "environment")
	cfg.ConfigDir = l.basePath

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Sources lists where the last Load read from.
func (l *Loader) Sources() []string {
	return l.sources
}

func (l *Loader) loadFile(name string, cfg *Config) error {
	for _, ext := range []string{"yaml", "yml"} {
		path := filepath.Join(l.basePath, name+"."+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		l.sources = append(l.sources, path)
		return nil
	}
	return fs.ErrNotExist
}

func isConfigFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
