package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseServerConfigBarePort(t *testing.T) {
	cfg, err := ParseServerConfig([]string{"9000"})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.BindAddr)
	require.Empty(t, cfg.KnownPeer)
	require.Equal(t, defaultWorkerPoolSize, cfg.WorkerPoolSize)
}

func TestParseServerConfigWithKnownPeer(t *testing.T) {
	cfg, err := ParseServerConfig([]string{"9001", "9000"})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9001", cfg.BindAddr)
	require.Equal(t, "127.0.0.1:9000", cfg.KnownPeer)
}

func TestParseServerConfigRejectsEmptyArgs(t *testing.T) {
	_, err := ParseServerConfig(nil)
	require.Error(t, err)
}

func TestParseControlConfig(t *testing.T) {
	cfg, err := ParseControlConfig([]string{"127.0.0.1:9000"})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.TargetAddr)
}
