package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// ExecutionMode selects the backend used to fan execution contexts out
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeThread     ExecutionMode = "thread"
	ModeProcess    ExecutionMode = "process"
	ModeAsync      ExecutionMode = "async"
)

// Modes lists every supported execution mode
func Modes() []ExecutionMode {
	return []ExecutionMode{ModeSequential, ModeThread, ModeProcess, ModeAsync}
}

// ParseMode converts a user supplied mode string into an ExecutionMode.
// "threading", "multiprocessing" and "asyncio" are accepted as aliases.
func ParseMode(s string) (ExecutionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sequential", "serial":
		return ModeSequential, nil
	case "thread", "threads", "threading":
		return ModeThread, nil
	case "process", "processes", "multiprocessing":
		return ModeProcess, nil
	case "async", "asyncio", "cooperative":
		return ModeAsync, nil
	}
	return "", fmt.Errorf("unknown execution mode %q (valid: %v)", s, Modes())
}

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
	ConfigSourceDefault    ConfigSource = "default"
)

// Config holds concurrency configuration parameters
type Config struct {
	Mode          ExecutionMode
	Workers       int
	MaxConcurrent int
	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority: env vars > auto-detection > defaults
func LoadConfig() *Config {
	config := &Config{
		Mode:          ModeSequential,
		Source:        ConfigSourceDefault,
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
	}

	if workers := getEnvInt("DAEDALUS_WORKERS", 0); workers > 0 {
		config.Workers = workers
		config.Source = ConfigSourceEnvVar
	} else {
		config.Workers = getDefaultWorkers(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}

	if maxConcurrent := getEnvInt("DAEDALUS_MAX_CONCURRENT", 0); maxConcurrent > 0 {
		config.MaxConcurrent = maxConcurrent
	} else {
		config.MaxConcurrent = config.Workers
	}

	if mode := getEnv("DAEDALUS_MODE", ""); mode != "" {
		if parsed, err := ParseMode(mode); err == nil {
			config.Mode = parsed
			config.Source = ConfigSourceEnvVar
		}
	}

	return config
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// getDefaultWorkers returns sensible defaults for the worker count.
// Stage work is dominated by model calls, so bare metal gets more workers than CPUs.
func getDefaultWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 4)
	}
	return max(cpus*2, 8)
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Mode: %s, Workers: %d, MaxConcurrent: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.Mode,
		c.Workers,
		c.MaxConcurrent,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
