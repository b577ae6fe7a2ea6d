// Package config loads the session configuration: the system property table
// served to the guest and the library dlopen is allowed to load.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultLibraryName is the dlopen allow-list entry used when none is configured.
const DefaultLibraryName = "libvendorconn.so"

// Config is the on-disk configuration.
type Config struct {
	Properties map[string]string `yaml:"properties"`
	Library    Library           `yaml:"library"`
	Log        Log               `yaml:"log"`
}

// Library names the single library guest code may dlopen.
type Library struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"` // host path, relative to the config file if not absolute
}

// Log configures the zap logger.
type Log struct {
	Debug bool `yaml:"debug"`
}

// Default returns a configuration with no properties and the default library name.
func Default() *Config {
	return &Config{
		Properties: make(map[string]string),
		Library:    Library{Name: DefaultLibraryName},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if cfg.Library.Path != "" && !filepath.IsAbs(cfg.Library.Path) {
		cfg.Library.Path = filepath.Join(filepath.Dir(path), cfg.Library.Path)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Properties == nil {
		cfg.Properties = make(map[string]string)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Library.Name) == "" {
		return errors.New("library.name must not be empty")
	}
	if strings.Contains(c.Library.Name, "/") {
		return errors.Errorf("library.name %q must be a file name, not a path", c.Library.Name)
	}
	for k := range c.Properties {
		if k == "" {
			return errors.New("empty property name")
		}
	}
	return nil
}

// SetProp parses a key=value override and applies it.
func (c *Config) SetProp(kv string) error {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return errors.Errorf("invalid property %q, want key=value", kv)
	}
	c.Properties[k] = v
	return nil
}

// PropertyNames returns the configured property names, sorted.
func (c *Config) PropertyNames() []string {
	names := make([]string, 0, len(c.Properties))
	for k := range c.Properties {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
