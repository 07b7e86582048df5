package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"dexsmali/internal/config"
)

// runtime is shared by every command of one invocation.
type runtime struct {
	stdout io.Writer
	cfg    config.Config
	logger *zap.Logger
}

func newApp(stdout, stderr io.Writer) *cli.App {
	rt := &runtime{stdout: stdout, logger: zap.NewNop()}
	return &cli.App{
		Name:      "dexsmali",
		Usage:     "inspect, disassemble and repair Android DEX files",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML file with defaults for output, color, workers, log_level and indent",
				Value:   config.DefaultPath,
				EnvVars: []string{"DEXSMALI_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error; overrides log_level from the config",
				EnvVars: []string{"DEXSMALI_LOG_LEVEL"},
			},
		},
		Before: rt.setup,
		After: func(*cli.Context) error {
			_ = rt.logger.Sync()
			return nil
		},
		Commands: []*cli.Command{
			rt.infoCommand(),
			rt.classesCommand(),
			rt.disasmCommand(),
			rt.patchCommand(),
			rt.fixCommand(),
		},
	}
}

func (rt *runtime) setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	lvl, err := cfg.Level()
	if err != nil {
		return err
	}
	rt.cfg = cfg

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.DisableStacktrace = true
	logger, err := zc.Build()
	if err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	rt.logger = logger
	return nil
}

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
