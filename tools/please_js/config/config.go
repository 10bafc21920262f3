// Package config loads the mocker configuration file.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"

	"github.com/becomeliminal/js-rules/tools/please_js/rewrite"
)

// DefaultFilename is looked up in the working directory when no path is given.
const DefaultFilename = "mocker.yaml"

// ErrInvalid is returned for configurations that cannot be served.
var ErrInvalid = zerr.New("invalid mocker config")

// Config is the structure of mocker.yaml.
type Config struct {
	// Origin is the test server's origin; defaults to http://localhost:<port>.
	Origin string `yaml:"origin"`
	// Root is the directory modules are served from.
	Root         string            `yaml:"root"`
	Port         int               `yaml:"port"`
	Platform     string            `yaml:"platform"`
	Mode         string            `yaml:"mode"`
	EnvFile      string            `yaml:"envFile"`
	EnvPrefix    string            `yaml:"envPrefix"`
	ModuleConfig string            `yaml:"moduleconfig"`
	Identifier   string            `yaml:"identifier"`
	Exclude      []string          `yaml:"exclude"`
	Define       map[string]string `yaml:"define"`
	// Enabled and Isolate are pointers so an explicit false in the file
	// can be told apart from an absent key.
	Enabled *bool `yaml:"enabled"`
	Isolate *bool `yaml:"isolate"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Root:       ".",
		Port:       8080,
		Platform:   "browser",
		Mode:       "test",
		EnvFile:    ".env",
		EnvPrefix:  "PLZ_",
		Identifier: rewrite.DefaultIdentifier,
		Exclude:    append([]string(nil), rewrite.DefaultExclude...),
	}
}

// Load reads the configuration at path on top of the defaults. A missing file
// yields the defaults. Relative roots are resolved against the file's
// directory.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultFilename
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is provided by user
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, zerr.With(zerr.Wrap(err, "failed to read config file"), "path", path)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to parse config file"), "path", path)
	}
	if file.Root != "" && !filepath.IsAbs(file.Root) {
		file.Root = filepath.Join(filepath.Dir(path), file.Root)
	}
	if file.ModuleConfig != "" && !filepath.IsAbs(file.ModuleConfig) {
		file.ModuleConfig = filepath.Join(filepath.Dir(path), file.ModuleConfig)
	}
	return cfg.Merge(&file), nil
}

// Merge returns a copy of c with every field set in o taking precedence.
func (c *Config) Merge(o *Config) *Config {
	out := *c
	if o == nil {
		return &out
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&out.Origin, o.Origin)
	set(&out.Root, o.Root)
	set(&out.Platform, o.Platform)
	set(&out.Mode, o.Mode)
	set(&out.EnvFile, o.EnvFile)
	set(&out.EnvPrefix, o.EnvPrefix)
	set(&out.ModuleConfig, o.ModuleConfig)
	set(&out.Identifier, o.Identifier)
	if o.Port != 0 {
		out.Port = o.Port
	}
	if o.Exclude != nil {
		out.Exclude = append([]string(nil), o.Exclude...)
	}
	if len(o.Define) > 0 {
		out.Define = make(map[string]string, len(c.Define)+len(o.Define))
		for k, v := range c.Define {
			out.Define[k] = v
		}
		for k, v := range o.Define {
			out.Define[k] = v
		}
	}
	if o.Enabled != nil {
		out.Enabled = o.Enabled
	}
	if o.Isolate != nil {
		out.Isolate = o.Isolate
	}
	return &out
}

// MockingEnabled reports whether modules may be mocked at all.
func (c *Config) MockingEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Isolated reports whether every test file runs with its own module graph.
func (c *Config) Isolated() bool {
	return c.Isolate == nil || *c.Isolate
}

// ServerOrigin returns the configured origin or the localhost default.
func (c *Config) ServerOrigin() string {
	if c.Origin != "" {
		return c.Origin
	}
	return "http://localhost:" + strconv.Itoa(c.Port)
}

// Validate checks the configuration can be served.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return zerr.With(ErrInvalid, "port", c.Port)
	}
	switch c.Platform {
	case "browser", "node":
	default:
		return zerr.With(ErrInvalid, "platform", c.Platform)
	}
	if c.Origin != "" {
		u, err := url.Parse(c.Origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return zerr.With(ErrInvalid, "origin", c.Origin)
		}
	}
	if c.Identifier == "" {
		return zerr.With(ErrInvalid, "identifier", c.Identifier)
	}
	return nil
}

// Bool returns a pointer to b, for building overrides.
func Bool(b bool) *bool {
	return &b
}
