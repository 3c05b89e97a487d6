package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akhildatla/rvsim/pkg/vm"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rvsim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	m := Default()
	require.NoError(t, m.Validate())
	assert.Equal(t, uint64(vm.DefaultMemorySize), m.MemorySize)
	assert.Equal(t, uint64(vm.DefaultStackSize), m.StackSize)
	assert.Nil(t, m.Entry)
	assert.Equal(t, uint64(0x1234), m.EntryOr(0x1234))

	lvl, err := m.Level()
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, lvl)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
base: 0x80000000
memory_size: 0x20000
entry: 0x80000010
exit_address: 0xdead0000
budget: 5000
timeout: 2s
log_level: debug
`)
	m, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x80000000), m.Base)
	assert.Equal(t, uint64(0x20000), m.MemorySize)
	assert.Equal(t, uint64(vm.DefaultStackSize), m.StackSize, "missing keys keep defaults")
	require.NotNil(t, m.Entry)
	assert.Equal(t, uint64(0x80000010), m.EntryOr(0))
	assert.Equal(t, uint64(0xdead0000), m.ExitAddress)
	assert.Equal(t, int64(5000), m.Budget)
	assert.Equal(t, 2*time.Second, m.Timeout)

	lvl, err := m.Level()
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, lvl)

	cfg := m.VM()
	assert.Equal(t, vm.Config{
		Base:        0x80000000,
		MemorySize:  0x20000,
		StackSize:   vm.DefaultStackSize,
		ExitAddress: 0xdead0000,
		MaxSteps:    5000,
	}, cfg)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "base: [1, 2"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "memory_size: 0x100\nstack_size: 0x100\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMarshal_RoundTrip(t *testing.T) {
	entry := uint64(0x40)
	m := Default()
	m.Base = 0x1000
	m.Entry = &entry
	m.Budget = 77

	data, err := m.Marshal()
	require.NoError(t, err)

	got, err := Load(writeConfig(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestValidate(t *testing.T) {
	misaligned := uint64(6)
	tests := []struct {
		name   string
		modify func(*Machine)
	}{
		{"zero memory", func(m *Machine) { m.MemorySize = 0 }},
		{"stack fills memory", func(m *Machine) { m.StackSize = m.MemorySize }},
		{"misaligned base", func(m *Machine) { m.Base = 2 }},
		{"wrapping memory", func(m *Machine) { m.Base = ^uint64(0) &^ 3 }},
		{"negative budget", func(m *Machine) { m.Budget = -1 }},
		{"negative timeout", func(m *Machine) { m.Timeout = -time.Second }},
		{"misaligned entry", func(m *Machine) { m.Entry = &misaligned }},
		{"bad log level", func(m *Machine) { m.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Default()
			tt.modify(&m)
			assert.ErrorIs(t, m.Validate(), ErrInvalid)
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvBase, "0x10000")
	t.Setenv(EnvMemory, "65536")
	t.Setenv(EnvStack, "0o10000")
	t.Setenv(EnvEntry, "0x10008")
	t.Setenv(EnvExit, "0xffff0000")
	t.Setenv(EnvBudget, "1000")
	t.Setenv(EnvTimeout, "150ms")
	t.Setenv(EnvLog, "trace")

	m, err := FromEnv(Default())
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	assert.Equal(t, uint64(0x10000), m.Base)
	assert.Equal(t, uint64(65536), m.MemorySize)
	assert.Equal(t, uint64(0o10000), m.StackSize)
	assert.Equal(t, uint64(0x10008), m.EntryOr(0))
	assert.Equal(t, uint64(0xffff0000), m.ExitAddress)
	assert.Equal(t, int64(1000), m.Budget)
	assert.Equal(t, 150*time.Millisecond, m.Timeout)
	assert.Equal(t, "trace", m.LogLevel)
}

func TestFromEnv_Unset(t *testing.T) {
	m, err := FromEnv(Default())
	require.NoError(t, err)
	assert.Equal(t, Default(), m)
}

func TestFromEnv_Rereads(t *testing.T) {
	t.Setenv(EnvBudget, "100")
	m, err := FromEnv(Default())
	require.NoError(t, err)
	assert.Equal(t, int64(100), m.Budget)

	t.Setenv(EnvBudget, "200")
	m, err = FromEnv(Default())
	require.NoError(t, err)
	assert.Equal(t, int64(200), m.Budget)

	os.Unsetenv(EnvBudget)
	m, err = FromEnv(Default())
	require.NoError(t, err)
	assert.Equal(t, Default().Budget, m.Budget)
}

func TestFromEnv_Invalid(t *testing.T) {
	for _, name := range []string{EnvBase, EnvMemory, EnvEntry, EnvBudget, EnvTimeout} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, "lots")
			_, err := FromEnv(Default())
			assert.ErrorContains(t, err, name)
		})
	}
}
