package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PGHOST", "db.internal")
	t.Setenv("PGPORT", "5433")
	t.Setenv("ENGINE_SUBQUERY_THRESHOLD", "250")
	t.Setenv("ENGINE_UNION_OR", "false")

	cfg, err := Load("test")
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Version)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, int64(250), cfg.Engine.SubqueryThreshold)
	assert.False(t, cfg.Engine.UnionOr)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("dev")
	require.NoError(t, err)

	assert.Equal(t, int64(10000), cfg.Engine.SubqueryThreshold)
	assert.True(t, cfg.Engine.UnionOr)
	assert.Equal(t, 500, cfg.Engine.InsertBatchWidth)
	assert.Equal(t, 1000, cfg.Engine.MaxINWidth)
	assert.True(t, cfg.Engine.HistoryWindowFunctions)
	assert.InDelta(t, 1.0, cfg.Engine.TreeRebuildFactor, 1e-9)
}

func TestLoadRejectsInvalidTuning(t *testing.T) {
	t.Setenv("ENGINE_INSERT_BATCH_WIDTH", "0")

	_, err := Load("dev")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert_batch_width")
}

func TestConnectionString(t *testing.T) {
	cfg := &DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "quarry",
		Password: "secret",
		Database: "quarry",
		SSLMode:  "disable",
	}
	assert.Equal(t,
		"host=localhost port=5432 user=quarry password=secret dbname=quarry sslmode=disable",
		cfg.ConnectionString())
}
