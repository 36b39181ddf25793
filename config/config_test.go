package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/hvac/core/storage_engine/tiered_storage"
)

func serverVars() map[string]string {
	return map[string]string{
		"HVAC_FSDAX_PATH":   "/mnt/pmem0",
		"HVAC_SSD_PATH":     "/mnt/nvme0",
		"HVAC_PM_CAPACITY":  "1073741824",
		"HVAC_SSD_CAPACITY": "4294967296",
		"BBPATH":            "/mnt/bb",
	}
}

func TestLoad_ServerDefaults(t *testing.T) {
	cfg, err := FromMap(serverVars(), ServerRole)
	require.NoError(t, err)

	require.Equal(t, "/mnt/pmem0", cfg.Policy.FastPath)
	require.EqualValues(t, 1<<30, cfg.Policy.FastCapacity)
	require.EqualValues(t, 4<<30, cfg.Policy.CapacityCapacity)
	require.Equal(t, tiered_storage.EvictDemote, cfg.Policy.EvictionMode)
	require.Equal(t, "/mnt/bb", cfg.StagingBase)
	require.Equal(t, "local", cfg.JobID)
	require.Zero(t, cfg.Rank)
	require.False(t, cfg.Telemetry.Enabled)
	require.Equal(t, 30*time.Second, cfg.ReadTimeout)
	require.Equal(t, "info", cfg.Logger.Level)
}

func TestLoad_MissingRequired(t *testing.T) {
	vars := serverVars()
	delete(vars, "BBPATH")
	delete(vars, "HVAC_SSD_PATH")

	_, err := FromMap(vars, ServerRole)
	require.ErrorIs(t, err, ErrMissingConfig)
	require.Contains(t, err.Error(), "BBPATH")
	require.Contains(t, err.Error(), "HVAC_SSD_PATH")

	// Clients need none of the tier settings.
	_, err = FromMap(map[string]string{}, ClientRole)
	require.NoError(t, err)
}

func TestLoad_LegacyCapacityName(t *testing.T) {
	vars := serverVars()
	delete(vars, "HVAC_PM_CAPACITY")
	vars["HVAC_FSDAX_CAPACITY"] = "500"

	cfg, err := FromMap(vars, ServerRole)
	require.NoError(t, err)
	require.EqualValues(t, 500, cfg.Policy.FastCapacity)
}

func TestLoad_LegacyCapacityNameInErrors(t *testing.T) {
	vars := serverVars()
	delete(vars, "HVAC_PM_CAPACITY")
	vars["HVAC_FSDAX_CAPACITY"] = "half"

	_, err := FromMap(vars, ServerRole)
	require.Error(t, err)
	require.Contains(t, err.Error(), "HVAC_FSDAX_CAPACITY")
	require.NotContains(t, err.Error(), "HVAC_PM_CAPACITY")
}

func TestLoad_Overrides(t *testing.T) {
	vars := serverVars()
	vars["HVAC_EVICTION_MODE"] = "remove"
	vars["HVAC_MOVER_RATE"] = "1048576"
	vars["HVAC_METRICS_PORT"] = "9100"
	vars["SLURM_JOBID"] = "4242"
	vars["SLURM_PROCID"] = "3"
	vars["HVAC_SWEEP_INTERVAL"] = "2s"

	cfg, err := FromMap(vars, ServerRole)
	require.NoError(t, err)
	require.Equal(t, tiered_storage.EvictRemove, cfg.Policy.EvictionMode)
	require.EqualValues(t, 1<<20, cfg.MoverRate)
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, 9100, cfg.Telemetry.PrometheusPort)
	require.Equal(t, "4242", cfg.JobID)
	require.Equal(t, 3, cfg.Rank)
	require.Equal(t, 2*time.Second, cfg.SweepInterval)
}

func TestLoad_InvalidValues(t *testing.T) {
	vars := serverVars()
	vars["HVAC_PM_CAPACITY"] = "lots"
	vars["HVAC_EVICTION_MODE"] = "shred"

	_, err := FromMap(vars, ServerRole)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrMissingConfig)
	require.Contains(t, err.Error(), "HVAC_PM_CAPACITY")
	require.Contains(t, err.Error(), "HVAC_EVICTION_MODE")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hvac.env")
	require.NoError(t, os.WriteFile(path, []byte("HVAC_TEST_ONLY_VAR=from-file\n"), 0644))
	t.Setenv("HVAC_TEST_ONLY_VAR", "")
	os.Unsetenv("HVAC_TEST_ONLY_VAR")

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "absent.env")))
	require.Equal(t, "from-file", os.Getenv("HVAC_TEST_ONLY_VAR"))
}
