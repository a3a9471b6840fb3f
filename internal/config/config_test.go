package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 1000, cfg.PingCycleMs)
	require.Equal(t, 12, cfg.MaxPingTimeoutNums)
}

func TestLoadFloors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corefn.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ping_cycle_ms: 10\nmax_ping_timeout_nums: 1\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1000, cfg.PingCycleMs)
	require.Equal(t, 5, cfg.MaxPingTimeoutNums)
}

func TestLoadFrameCeiling(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corefn.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_frame_bytes: 600000000\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CORFN_LISTEN", "10.0.0.1:9999")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:9999", cfg.Listen)
}
