// Package config loads and validates winklet configuration.
//
// Configuration is a YAML file decoded over Default() and checked against
// an embedded CUE schema. Durations are written as Go duration strings
// ("250ms", "5s").
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/roach88/winklet/internal/engine"
)

//go:embed schema.cue
var schemaSource string

// Config is the full winklet configuration.
type Config struct {
	// Database is the SQLite file path. A leading ~ is expanded.
	Database string       `yaml:"database" json:"database"`
	Engine   EngineConfig `yaml:"engine" json:"engine"`
	Relay    RelayConfig  `yaml:"relay" json:"relay"`
}

// EngineConfig tunes the sync engine.
type EngineConfig struct {
	AllowedRadii []int           `yaml:"allowed_radii" json:"allowed_radii"`
	Reconnect    ReconnectConfig `yaml:"reconnect" json:"reconnect"`
}

// ReconnectConfig bounds push reconnection.
type ReconnectConfig struct {
	Attempts  int           `yaml:"attempts" json:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay" json:"max_delay"`
}

// RelayConfig configures the websocket relay server and client.
type RelayConfig struct {
	// Listen is the relay server address.
	Listen string `yaml:"listen" json:"listen"`
	// URL is the relay a client connects to. Empty means in-process push.
	URL            string        `yaml:"url" json:"url"`
	TailInterval   time.Duration `yaml:"tail_interval" json:"tail_interval"`
	OriginPatterns []string      `yaml:"origin_patterns" json:"origin_patterns"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	p := engine.DefaultReconnectPolicy
	return Config{
		Database: "~/.winklet/winklet.db",
		Engine: EngineConfig{
			AllowedRadii: slices.Clone(engine.DefaultAllowedRadii),
			Reconnect: ReconnectConfig{
				Attempts:  p.Attempts,
				BaseDelay: p.BaseDelay,
				MaxDelay:  p.MaxDelay,
			},
		},
		Relay: RelayConfig{
			Listen:         "127.0.0.1:7420",
			TailInterval:   500 * time.Millisecond,
			OriginPatterns: []string{},
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. An empty path returns the validated defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return Config{}, fmt.Errorf("expand config path: %w", err)
	}
	f, err := os.Open(expanded)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", expanded, err)
	}
	return cfg, nil
}

// Decode reads YAML from r over the defaults and validates the result.
// Unknown keys are rejected.
func Decode(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	return cfg, cfg.Validate()
}

// ValidationError lists every schema violation found in a config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// Validate checks c against the embedded CUE schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c.document()))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		var problems []string
		for _, e := range cueerrors.Errors(err) {
			format, args := e.Msg()
			path := strings.TrimPrefix(strings.Join(e.Path(), "."), "#Config.")
			problems = append(problems, path+": "+fmt.Sprintf(format, args...))
		}
		return &ValidationError{Problems: problems}
	}
	return nil
}

// document is the shape checked by the schema; durations are nanoseconds.
func (c Config) document() map[string]any {
	radii := c.Engine.AllowedRadii
	if radii == nil {
		radii = []int{}
	}
	origins := c.Relay.OriginPatterns
	if origins == nil {
		origins = []string{}
	}
	return map[string]any{
		"database": c.Database,
		"engine": map[string]any{
			"allowed_radii": radii,
			"reconnect": map[string]any{
				"attempts":   c.Engine.Reconnect.Attempts,
				"base_delay": int64(c.Engine.Reconnect.BaseDelay),
				"max_delay":  int64(c.Engine.Reconnect.MaxDelay),
			},
		},
		"relay": map[string]any{
			"listen":          c.Relay.Listen,
			"url":             c.Relay.URL,
			"tail_interval":   int64(c.Relay.TailInterval),
			"origin_patterns": origins,
		},
	}
}

// DatabasePath returns Database with ~ expanded.
func (c Config) DatabasePath() (string, error) {
	p, err := homedir.Expand(c.Database)
	if err != nil {
		return "", fmt.Errorf("expand database path: %w", err)
	}
	return p, nil
}

// ReconnectPolicy converts the reconnect settings for the engine.
func (c Config) ReconnectPolicy() engine.ReconnectPolicy {
	return engine.ReconnectPolicy{
		Attempts:  c.Engine.Reconnect.Attempts,
		BaseDelay: c.Engine.Reconnect.BaseDelay,
		MaxDelay:  c.Engine.Reconnect.MaxDelay,
	}
}

// EngineOptions returns the engine options this config implies.
func (c Config) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithAllowedRadii(c.Engine.AllowedRadii...),
		engine.WithReconnectPolicy(c.ReconnectPolicy()),
	}
}

// YAML renders c as YAML.
func (c Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}
