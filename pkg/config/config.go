// Package config describes a machine layout and how to read it from YAML
// files and RVSIM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/rs/zerolog"
	"github.com/xyproto/env/v2"

	"github.com/akhildatla/rvsim/pkg/vm"
)

// Environment variables read by FromEnv.
const (
	EnvBase    = "RVSIM_BASE"
	EnvMemory  = "RVSIM_MEMORY"
	EnvStack   = "RVSIM_STACK"
	EnvEntry   = "RVSIM_ENTRY"
	EnvExit    = "RVSIM_EXIT"
	EnvBudget  = "RVSIM_BUDGET"
	EnvTimeout = "RVSIM_TIMEOUT"
	EnvLog     = "RVSIM_LOG"
)

var ErrInvalid = errors.New("invalid machine config")

// Machine is the full run configuration.
type Machine struct {
	Base        uint64        `yaml:"base"`
	MemorySize  uint64        `yaml:"memory_size"`
	StackSize   uint64        `yaml:"stack_size"`
	Entry       *uint64       `yaml:"entry,omitempty"` // nil: the image decides
	ExitAddress uint64        `yaml:"exit_address"`
	Budget      int64         `yaml:"budget"`
	Timeout     time.Duration `yaml:"timeout"`
	LogLevel    string        `yaml:"log_level"`
}

// Default returns the layout used for flat images linked at 0.
func Default() Machine {
	return Machine{
		MemorySize: vm.DefaultMemorySize,
		StackSize:  vm.DefaultStackSize,
		LogLevel:   "warn",
	}
}

// Load reads a YAML file on top of Default. Keys missing from the file
// keep their default values.
func Load(path string) (Machine, error) {
	m := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, m.Validate()
}

// FromEnv overrides fields of m with any RVSIM_* variables that are set.
// Numbers accept the 0x and 0o prefixes. The environment is re-read on
// every call.
func FromEnv(m Machine) (Machine, error) {
	env.Load()
	for _, f := range []struct {
		name string
		dst  *uint64
	}{
		{EnvBase, &m.Base},
		{EnvMemory, &m.MemorySize},
		{EnvStack, &m.StackSize},
		{EnvExit, &m.ExitAddress},
	} {
		if !env.Has(f.name) {
			continue
		}
		v, err := strconv.ParseUint(env.Str(f.name), 0, 64)
		if err != nil {
			return m, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}

	if env.Has(EnvEntry) {
		v, err := strconv.ParseUint(env.Str(EnvEntry), 0, 64)
		if err != nil {
			return m, fmt.Errorf("%s: %w", EnvEntry, err)
		}
		m.Entry = &v
	}
	if env.Has(EnvBudget) {
		v, err := strconv.ParseInt(env.Str(EnvBudget), 0, 64)
		if err != nil {
			return m, fmt.Errorf("%s: %w", EnvBudget, err)
		}
		m.Budget = v
	}
	if env.Has(EnvTimeout) {
		d, err := time.ParseDuration(env.Str(EnvTimeout))
		if err != nil {
			return m, fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		m.Timeout = d
	}
	m.LogLevel = env.Str(EnvLog, m.LogLevel)
	return m, nil
}

// Validate checks the layout is usable.
func (m Machine) Validate() error {
	switch {
	case m.MemorySize == 0:
		return fmt.Errorf("%w: memory_size must be positive", ErrInvalid)
	case m.StackSize >= m.MemorySize:
		return fmt.Errorf("%w: stack_size 0x%x leaves no room in memory_size 0x%x", ErrInvalid, m.StackSize, m.MemorySize)
	case m.Base%4 != 0:
		return fmt.Errorf("%w: base 0x%x is not 4-byte aligned", ErrInvalid, m.Base)
	case m.Base+m.MemorySize < m.Base:
		return fmt.Errorf("%w: memory wraps the address space", ErrInvalid)
	case m.Budget < 0:
		return fmt.Errorf("%w: budget must not be negative", ErrInvalid)
	case m.Timeout < 0:
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalid)
	}
	if m.Entry != nil && *m.Entry%4 != 0 {
		return fmt.Errorf("%w: entry 0x%x is not 4-byte aligned", ErrInvalid, *m.Entry)
	}
	if _, err := m.Level(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Level parses LogLevel; empty means warn.
func (m Machine) Level() (zerolog.Level, error) {
	if m.LogLevel == "" {
		return zerolog.WarnLevel, nil
	}
	return zerolog.ParseLevel(m.LogLevel)
}

// VM converts the layout to a vm.Config.
func (m Machine) VM() vm.Config {
	return vm.Config{
		Base:        m.Base,
		MemorySize:  m.MemorySize,
		StackSize:   m.StackSize,
		ExitAddress: m.ExitAddress,
		MaxSteps:    m.Budget,
	}
}

// EntryOr returns the configured entry or def.
func (m Machine) EntryOr(def uint64) uint64 {
	if m.Entry != nil {
		return *m.Entry
	}
	return def
}

// Marshal renders m as YAML.
func (m Machine) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}
