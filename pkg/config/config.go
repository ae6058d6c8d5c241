// Package config holds the explicit run configuration passed to every component.
// A Config is built once by the command line, then handed by reference to the
// coordinator, the stages and (serialized to disk) to process-pool workers.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// StageSeparator joins stage names in the stage list option
const StageSeparator = "+"

// Config is the run configuration
type Config struct {
	DatasetPath  string `yaml:"dataset_path" json:"dataset_path" validate:"required"`
	DatabaseRoot string `yaml:"database_root" json:"database_root"`
	ResultDir    string `yaml:"result_dir" json:"result_dir" validate:"required"`

	// Stages is the ordered stage list, e.g. "generate_db_schema+candidate_generate+vote"
	Stages string `yaml:"stages" json:"stages" validate:"required"`

	// StageConfig holds per-stage options keyed by stage name
	StageConfig map[string]map[string]any `yaml:"stage_config" json:"stage_config,omitempty"`

	Start int `yaml:"start" json:"start" validate:"gte=0"`
	End   int `yaml:"end" json:"end" validate:"gte=0"`

	Concurrency ConcurrencyConfig `yaml:"concurrency" json:"concurrency"`
	Cache       CacheConfig       `yaml:"cache" json:"cache"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint" json:"checkpoint"`
	Pool        PoolConfig        `yaml:"pool" json:"pool"`
	LLM         LLMConfig         `yaml:"llm" json:"llm"`
	SQL         SQLConfig         `yaml:"sql" json:"sql"`
	Blob        BlobConfig        `yaml:"blob" json:"blob"`
	Tracing     TracingConfig     `yaml:"tracing" json:"tracing"`

	SentryDSN   string `yaml:"sentry_dsn" json:"sentry_dsn,omitempty"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr,omitempty"`
	LogLevel    string `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// ConcurrencyConfig selects the backend and its worker count
type ConcurrencyConfig struct {
	Mode    concurrency.ExecutionMode `yaml:"mode" json:"mode" validate:"oneof=sequential thread process async"`
	Workers int                       `yaml:"workers" json:"workers" validate:"gte=1"`
}

// CacheConfig configures the multi-level cache
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	Size       int           `yaml:"size" json:"size" validate:"gte=1"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
	Backend    string        `yaml:"backend" json:"backend" validate:"oneof=none nats badger"`
	NATSURL    string        `yaml:"nats_url" json:"nats_url,omitempty" validate:"required_if=Backend nats"`
	NATSBucket string        `yaml:"nats_bucket" json:"nats_bucket,omitempty"`
	BadgerDir  string        `yaml:"badger_dir" json:"badger_dir,omitempty"`
}

// CheckpointConfig configures resume from previous histories
type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" json:"dir" validate:"required_if=Enabled true"`

	// Stages filters which stage results are replayed, e.g. "generate_db_schema+extract_col_value".
	// Empty replays every stage in the checkpoint.
	Stages string `yaml:"stages" json:"stages,omitempty"`
}

// PoolConfig sizes the embedding client pool
type PoolConfig struct {
	Size           int           `yaml:"size" json:"size" validate:"gte=1"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
}

// LLMConfig configures the OpenAI compatible model backend
type LLMConfig struct {
	BaseURL           string  `yaml:"base_url" json:"base_url,omitempty"`
	APIKey            string  `yaml:"api_key" json:"api_key,omitempty"`
	Model             string  `yaml:"model" json:"model"`
	EmbeddingModel    string  `yaml:"embedding_model" json:"embedding_model"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" json:"burst" validate:"gte=0"`
}

// SQLConfig bounds SQL execution
type SQLConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	MaxRows int           `yaml:"max_rows" json:"max_rows" validate:"gte=0"`
}

// BlobConfig enables the Azure Blob mirror for history files and remote checkpoints
type BlobConfig struct {
	ConnectionString string `yaml:"connection_string" json:"connection_string,omitempty"`
	Container        string `yaml:"container" json:"container,omitempty" validate:"required_with=ConnectionString"`
}

// TracingConfig configures OTLP trace export
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint,omitempty"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio" validate:"gte=0,lte=1"`
}

// Default returns a configuration with sensible defaults.
// Worker count and mode follow concurrency.LoadConfig.
func Default() *Config {
	cc := concurrency.LoadConfig()
	return &Config{
		ResultDir: "results",
		Stages:    "generate_db_schema+extract_col_value+extract_query_noun+column_retrieve_and_other_info+candidate_generate+align_correct+vote+evaluation",
		Concurrency: ConcurrencyConfig{
			Mode:    cc.Mode,
			Workers: cc.Workers,
		},
		Cache: CacheConfig{
			Enabled:    true,
			Size:       1000,
			TTL:        time.Hour,
			Backend:    "none",
			NATSBucket: "daedalus-cache",
		},
		Pool: PoolConfig{
			Size:           2,
			AcquireTimeout: 30 * time.Second,
		},
		LLM: LLMConfig{
			Model:             "gpt-4o-mini",
			EmbeddingModel:    "text-embedding-3-small",
			RequestsPerSecond: 5,
			Burst:             5,
		},
		SQL: SQLConfig{
			Timeout: 30 * time.Second,
			MaxRows: 1000,
		},
		Tracing: TracingConfig{
			Endpoint:    "127.0.0.1:4318",
			SampleRatio: 1.0,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML file on top of the defaults, applies DAEDALUS_* environment
// overrides, and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", apperrors.ErrInvalidConfig, path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from DAEDALUS_* environment variables
func (c *Config) ApplyEnv() error {
	setString(&c.DatasetPath, "DAEDALUS_DATASET")
	setString(&c.DatabaseRoot, "DAEDALUS_DB_ROOT")
	setString(&c.ResultDir, "DAEDALUS_RESULT_DIR")
	setString(&c.Stages, "DAEDALUS_STAGES")
	setString(&c.Cache.Backend, "DAEDALUS_CACHE_BACKEND")
	setString(&c.Cache.NATSURL, "DAEDALUS_NATS_URL")
	setString(&c.Checkpoint.Dir, "DAEDALUS_CHECKPOINT_DIR")
	setString(&c.LLM.BaseURL, "DAEDALUS_LLM_BASE_URL")
	setString(&c.LLM.APIKey, "OPENAI_API_KEY")
	setString(&c.LLM.APIKey, "DAEDALUS_LLM_API_KEY")
	setString(&c.LLM.Model, "DAEDALUS_LLM_MODEL")
	setString(&c.Blob.ConnectionString, "DAEDALUS_BLOB_CONNECTION_STRING")
	setString(&c.Blob.Container, "DAEDALUS_BLOB_CONTAINER")
	setString(&c.SentryDSN, "DAEDALUS_SENTRY_DSN")
	setString(&c.Tracing.Endpoint, "DAEDALUS_OTLP_ENDPOINT")
	setString(&c.MetricsAddr, "DAEDALUS_METRICS_ADDR")

	if v := os.Getenv("DAEDALUS_MODE"); v != "" {
		mode, err := concurrency.ParseMode(v)
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
		}
		c.Concurrency.Mode = mode
	}
	if v := os.Getenv("DAEDALUS_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: DAEDALUS_WORKERS=%q", apperrors.ErrInvalidConfig, v)
		}
		c.Concurrency.Workers = n
	}
	if v := os.Getenv("DAEDALUS_STAGE_CONFIG"); v != "" {
		sc, err := ParseStageConfig(v)
		if err != nil {
			return err
		}
		c.StageConfig = sc
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate normalizes aliases and checks struct constraints
func (c *Config) Validate() error {
	mode, err := concurrency.ParseMode(string(c.Concurrency.Mode))
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}
	c.Concurrency.Mode = mode
	if c.Cache.Backend == "" {
		c.Cache.Backend = "none"
	}

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}
	if c.End > 0 && c.End <= c.Start {
		return fmt.Errorf("%w: end (%d) must be greater than start (%d)", apperrors.ErrInvalidConfig, c.End, c.Start)
	}
	if len(c.StageList()) == 0 {
		return fmt.Errorf("%w: stage list is empty", apperrors.ErrInvalidConfig)
	}
	return nil
}

// StageList splits the stage option into trimmed, non-empty names
func (c *Config) StageList() []string {
	return SplitStages(c.Stages)
}

// CheckpointStages splits the checkpoint filter. Nil means replay everything.
func (c *Config) CheckpointStages() []string {
	return SplitStages(c.Checkpoint.Stages)
}

// SplitStages splits a "a+b+c" list
func SplitStages(s string) []string {
	var out []string
	for _, part := range strings.Split(s, StageSeparator) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseStageConfig decodes the per-stage JSON object
func ParseStageConfig(s string) (map[string]map[string]any, error) {
	var out map[string]map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("%w: stage config is not a JSON object keyed by stage: %v", apperrors.ErrInvalidConfig, err)
	}
	return out, nil
}

// DecodeStageConfig decodes the options of one stage into out.
// A stage without options leaves out untouched.
func (c *Config) DecodeStageConfig(stage string, out any) error {
	raw, ok := c.StageConfig[stage]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode %s config: %w", stage, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s config: %v", apperrors.ErrInvalidConfig, stage, err)
	}
	return nil
}

// Redacted returns a copy with credentials removed
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.LLM.APIKey != "" {
		cp.LLM.APIKey = "***"
	}
	if cp.Blob.ConnectionString != "" {
		cp.Blob.ConnectionString = "***"
	}
	if cp.SentryDSN != "" {
		cp.SentryDSN = "***"
	}
	return &cp
}

// Save writes the redacted configuration as run_config.json into dir
func (c *Config) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(c.Redacted(), "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to encode run config: %w", err)
	}
	path := filepath.Join(dir, "run_config.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// WriteYAML writes the full configuration (credentials included) as YAML.
// Process-pool workers load their configuration from this file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
