package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, DefaultManagerAddr, cfg.ManagerAddr)
	require.Equal(t, DefaultDatabaseHost, cfg.Database.Host)
	require.Equal(t, DefaultDatabasePort, cfg.Database.Port)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SIMULATOR_MANAGER_ADDR", "0.0.0.0:9999")
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("DATABASE_PORT", "6543")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", cfg.ManagerAddr)
	require.Equal(t, "db.internal", cfg.Database.Host)
	require.Equal(t, 6543, cfg.Database.Port)
}

func TestValidate_RejectsMissingHost(t *testing.T) {
	cfg := &Config{
		ManagerAddr:      "x",
		FrontEndBind:     "x",
		DBBufferCapacity: 1,
		Database:         DatabaseConfig{Port: 5432, Name: "db"},
	}
	require.Error(t, Validate(cfg))
}
