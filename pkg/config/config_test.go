package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("DAEDALUS_MODE", "")
	t.Setenv("DAEDALUS_WORKERS", "")

	dir := t.TempDir()
	path := writeFile(t, dir, "run.yaml", `
dataset_path: data/dev.json
database_root: data/dev_databases
result_dir: out
stages: generate_db_schema+candidate_generate+vote
stage_config:
  candidate_generate:
    n: 3
    temperature: 0.7
concurrency:
  mode: threading
  workers: 4
cache:
  enabled: true
  size: 10
  ttl: 5m
checkpoint:
  enabled: true
  dir: old
  stages: generate_db_schema
sql:
  timeout: 10s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, concurrency.ModeThread, cfg.Concurrency.Mode)
	assert.Equal(t, 4, cfg.Concurrency.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 10*time.Second, cfg.SQL.Timeout)
	assert.Equal(t, []string{"generate_db_schema", "candidate_generate", "vote"}, cfg.StageList())
	assert.Equal(t, []string{"generate_db_schema"}, cfg.CheckpointStages())

	var opts struct {
		N           int     `json:"n"`
		Temperature float64 `json:"temperature"`
	}
	require.NoError(t, cfg.DecodeStageConfig("candidate_generate", &opts))
	assert.Equal(t, 3, opts.N)
	assert.InDelta(t, 0.7, opts.Temperature, 1e-9)

	// A stage without options leaves the target untouched.
	opts.N = 9
	require.NoError(t, cfg.DecodeStageConfig("vote", &opts))
	assert.Equal(t, 9, opts.N)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DAEDALUS_DATASET", "env.json")
	t.Setenv("DAEDALUS_MODE", "async")
	t.Setenv("DAEDALUS_WORKERS", "3")
	t.Setenv("DAEDALUS_STAGE_CONFIG", `{"vote": {"method": "majority"}}`)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env.json", cfg.DatasetPath)
	assert.Equal(t, concurrency.ModeAsync, cfg.Concurrency.Mode)
	assert.Equal(t, 3, cfg.Concurrency.Workers)
	assert.Equal(t, "majority", cfg.StageConfig["vote"]["method"])
	require.NoError(t, cfg.Validate())
}

func TestEnvOverrideRejectsBadMode(t *testing.T) {
	t.Setenv("DAEDALUS_MODE", "quantum")
	_, err := Load("")
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.DatasetPath = "dev.json"
		cfg.Concurrency.Mode = concurrency.ModeSequential
		cfg.Concurrency.Workers = 2
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing dataset", func(c *Config) { c.DatasetPath = "" }},
		{"empty stage list", func(c *Config) { c.Stages = " + " }},
		{"zero workers", func(c *Config) { c.Concurrency.Workers = 0 }},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "redis" }},
		{"nats without url", func(c *Config) { c.Cache.Backend = "nats" }},
		{"checkpoint without dir", func(c *Config) { c.Checkpoint.Enabled = true }},
		{"end before start", func(c *Config) { c.Start = 10; c.End = 5 }},
		{"blob without container", func(c *Config) { c.Blob.ConnectionString = "AccountName=a;AccountKey=b" }},
	}

	require.NoError(t, valid().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
		})
	}
}

func TestSplitStages(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SplitStages("a+ b +c"))
	assert.Nil(t, SplitStages(""))
	assert.Equal(t, []string{"a"}, SplitStages("a++"))
}

func TestSaveRedactsCredentials(t *testing.T) {
	cfg := Default()
	cfg.DatasetPath = "dev.json"
	cfg.LLM.APIKey = "sk-secret"
	cfg.SentryDSN = "https://key@sentry.example/1"

	dir := t.TempDir()
	path, err := cfg.Save(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-secret")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "dev.json", decoded["dataset_path"])

	// The original is untouched.
	assert.Equal(t, "sk-secret", cfg.LLM.APIKey)
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	t.Setenv("DAEDALUS_MODE", "")
	t.Setenv("DAEDALUS_WORKERS", "")

	cfg := Default()
	cfg.DatasetPath = "dev.json"
	cfg.Concurrency.Mode = concurrency.ModeProcess
	cfg.Concurrency.Workers = 2
	cfg.SQL.Timeout = 7 * time.Second

	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, cfg.WriteYAML(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.DatasetPath, loaded.DatasetPath)
	assert.Equal(t, concurrency.ModeProcess, loaded.Concurrency.Mode)
	assert.Equal(t, 7*time.Second, loaded.SQL.Timeout)
}
