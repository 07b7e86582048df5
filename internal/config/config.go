// Package config loads the optional dexsmali.yaml that supplies defaults
// for command line flags.
package config

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when --config is not given. A missing file is fine.
const DefaultPath = "dexsmali.yaml"

type Config struct {
	// Output is the directory disasm writes .smali files to. Empty means
	// stdout.
	Output string `yaml:"output,omitempty"`
	Color  bool   `yaml:"color"`
	// Workers bounds the classes disassembled in parallel.
	Workers  int    `yaml:"workers"`
	LogLevel string `yaml:"log_level"`
	// Indent is the number of spaces before each instruction.
	Indent int `yaml:"indent"`
}

func Default() Config {
	return Config{
		Workers:  runtime.NumCPU(),
		LogLevel: "info",
		Indent:   4,
	}
}

// Load reads path over the defaults. When path is DefaultPath and does not
// exist the defaults are returned as is.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultPath {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "failed to read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Workers < 1 {
		return errors.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Indent < 0 {
		return errors.Errorf("indent must not be negative, got %d", c.Indent)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return lvl, errors.Errorf("unknown log_level %q", c.LogLevel)
	}
	return lvl, nil
}
