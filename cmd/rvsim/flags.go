package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/akhildatla/rvsim/pkg/config"
)

// machineFlags layers command line overrides on top of the config file and
// the environment.
type machineFlags struct {
	configPath  string
	verbose     bool
	veryVerbose bool
	overrides   []func(*config.Machine)
}

func addMachineFlags(fs *flag.FlagSet) *machineFlags {
	m := &machineFlags{}
	fs.StringVar(&m.configPath, "config", "", "YAML machine config")
	m.address(fs, "base", "load address of flat images and memory", func(c *config.Machine, v uint64) { c.Base = v })
	m.address(fs, "mem", "memory size in bytes", func(c *config.Machine, v uint64) { c.MemorySize = v })
	m.address(fs, "stack", "bytes reserved for the stack", func(c *config.Machine, v uint64) { c.StackSize = v })
	m.address(fs, "entry", "entry point override", func(c *config.Machine, v uint64) { c.Entry = &v })
	m.address(fs, "exit", "exit address placed in ra", func(c *config.Machine, v uint64) { c.ExitAddress = v })
	addVerbosity(fs, &m.verbose, &m.veryVerbose)

	fs.Func("budget", "instruction budget, 0 for unlimited", func(s string) error {
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return err
		}
		m.overrides = append(m.overrides, func(c *config.Machine) { c.Budget = n })
		return nil
	})
	fs.Func("timeout", "wall-clock limit, e.g. 2s", func(s string) error {
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		m.overrides = append(m.overrides, func(c *config.Machine) { c.Timeout = d })
		return nil
	})
	return m
}

func addVerbosity(fs *flag.FlagSet, v, vv *bool) {
	fs.BoolVar(v, "v", false, "debug logging")
	fs.BoolVar(vv, "vv", false, "trace logging")
}

// address registers a flag taking a number with an optional 0x prefix.
func (m *machineFlags) address(fs *flag.FlagSet, name, usage string, set func(*config.Machine, uint64)) {
	fs.Func(name, usage, func(s string) error {
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return err
		}
		m.overrides = append(m.overrides, func(c *config.Machine) { set(c, v) })
		return nil
	})
}

// machine resolves the final layout: defaults, then the config file, then
// RVSIM_* variables, then flags.
func (m *machineFlags) machine() (config.Machine, error) {
	cfg := config.Default()
	if m.configPath != "" {
		var err error
		if cfg, err = config.Load(m.configPath); err != nil {
			return cfg, fmt.Errorf("loading config: %w", err)
		}
	}
	cfg, err := config.FromEnv(cfg)
	if err != nil {
		return cfg, err
	}
	for _, o := range m.overrides {
		o(&cfg)
	}
	return cfg, cfg.Validate()
}

func (m *machineFlags) logger(cfg config.Machine, w io.Writer, color bool) zerolog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = zerolog.WarnLevel
	}
	return newLogger(w, verbosity(level, m.verbose, m.veryVerbose), color)
}

func verbosity(level zerolog.Level, v, vv bool) zerolog.Level {
	switch {
	case vv:
		return zerolog.TraceLevel
	case v && level > zerolog.DebugLevel:
		return zerolog.DebugLevel
	}
	return level
}

func newLogger(w io.Writer, level zerolog.Level, color bool) zerolog.Logger {
	cw := zerolog.ConsoleWriter{Out: w, NoColor: !color, TimeFormat: time.TimeOnly}
	return zerolog.New(cw).Level(level).With().Timestamp().Logger()
}
