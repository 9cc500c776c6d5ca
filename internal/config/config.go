// Package config loads the derivation settings from YAML.
//
// Precedence, lowest first: Default(), the YAML file, PEPOLAR_* environment
// variables, then command-line flags (applied by the CLI).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"pepolar/internal/backend"
	"pepolar/internal/bids"
	"pepolar/internal/fieldmap"
	"pepolar/internal/quality"
)

// ErrInvalid marks configuration that failed to load or validate.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New()

type BackendConfig struct {
	Kind     string `yaml:"kind" validate:"oneof=fsl"`
	MCFLIRT  string `yaml:"mcflirt" validate:"required"`
	FLIRT    string `yaml:"flirt" validate:"required"`
	FSLMaths string `yaml:"fslmaths" validate:"required"`

	// Env is added to the tool environment verbatim.
	Env map[string]string `yaml:"env"`

	// InheritEnv names host variables copied into the tool environment.
	// The tools see nothing else from the host.
	InheritEnv []string `yaml:"inherit_env" validate:"dive,required"`
}

type QualityConfig struct {
	Enabled      bool    `yaml:"enabled"`
	MADThreshold float64 `yaml:"mad_threshold" validate:"gt=0"`
	MaxRuns      int     `yaml:"max_runs" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

type Config struct {
	DirectionPairs [][]string `yaml:"direction_pairs" validate:"min=1,dive,len=2,dive,required,alphanum"`
	DryRun         bool       `yaml:"dry_run"`
	IntendedFor    string     `yaml:"intended_for" validate:"oneof=relative uri"`
	Tasks          []string   `yaml:"tasks" validate:"dive,required"`
	WorkDir        string     `yaml:"work_dir"`

	Backend BackendConfig `yaml:"backend"`
	Quality QualityConfig `yaml:"quality"`
	Logging LoggingConfig `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	pairs := make([][]string, 0, len(bids.DefaultPairs))
	for _, p := range bids.DefaultPairs {
		pairs = append(pairs, []string{p[0], p[1]})
	}
	tools := backend.DefaultFSLTools()
	return &Config{
		DirectionPairs: pairs,
		IntendedFor:    string(fieldmap.IntendedForRelative),
		Backend: BackendConfig{
			Kind:       "fsl",
			MCFLIRT:    tools.MCFLIRT,
			FLIRT:      tools.FLIRT,
			FSLMaths:   tools.FSLMaths,
			InheritEnv: []string{"PATH", "FSLDIR"},
		},
		Quality: QualityConfig{MADThreshold: 3.5},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads only the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
		}
	}
	cfg.applyEnvOverrides(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnvOverrides(getenv func(string) string) {
	if v := getenv("PEPOLAR_WORK_DIR"); v != "" {
		c.WorkDir = v
	}
	if v := getenv("PEPOLAR_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := getenv("PEPOLAR_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
}

// Validate checks field constraints and that the direction pairs form a
// consistent table.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := c.Pairs(); err != nil {
		return fmt.Errorf("%w: direction_pairs: %v", ErrInvalid, err)
	}
	return nil
}

// Pairs builds the direction-pair table.
func (c *Config) Pairs() (bids.DirectionPairs, error) {
	pairs := make([][2]string, 0, len(c.DirectionPairs))
	for _, p := range c.DirectionPairs {
		if len(p) != 2 {
			return bids.DirectionPairs{}, fmt.Errorf("pair %v must have two labels", p)
		}
		pairs = append(pairs, [2]string{p[0], p[1]})
	}
	return bids.NewDirectionPairs(pairs)
}

// Style returns the IntendedFor path style.
func (c *Config) Style() fieldmap.IntendedForStyle {
	return fieldmap.IntendedForStyle(c.IntendedFor)
}

// Gate returns the motion gate, or nil when the quality gate is disabled.
func (c *Config) Gate() *quality.MotionGate {
	if !c.Quality.Enabled {
		return nil
	}
	return &quality.MotionGate{MADThreshold: c.Quality.MADThreshold, MaxRuns: c.Quality.MaxRuns}
}

// ToolEnv is the complete environment of backend tools: the inherited host
// variables that are set, overlaid with Backend.Env.
func (c *Config) ToolEnv(getenv func(string) string) map[string]string {
	env := make(map[string]string, len(c.Backend.InheritEnv)+len(c.Backend.Env))
	for _, k := range c.Backend.InheritEnv {
		if v := getenv(k); v != "" {
			env[k] = v
		}
	}
	for k, v := range c.Backend.Env {
		env[k] = v
	}
	return env
}

// FSLTools returns the configured executables.
func (c *Config) FSLTools() backend.FSLTools {
	return backend.FSLTools{
		MCFLIRT:  c.Backend.MCFLIRT,
		FLIRT:    c.Backend.FLIRT,
		FSLMaths: c.Backend.FSLMaths,
	}
}
