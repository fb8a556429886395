// Package config loads service configuration from a YAML file with
// environment-variable overrides. A .env file is honored for local runs.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"oref_parity/internal/oref"
)

// Config holds all runtime settings for the parity service.
type Config struct {
	HTTPPort        string
	CorpusURL       string
	CorpusDir       string
	WatchDir        string
	WorkDir         string
	DBPath          string
	WorkerCount     int
	JobQueueSize    int
	JobTimeoutSec   int
	FetchRetries    int
	FetchTimeoutSec int
	PageSize        int
	CompareSpecPath string
	WebhookURL      string
	Environment     string
	StrictConfig    bool
	Tuning          oref.Tuning
}

type fileConfig struct {
	HTTPPort        string       `json:"http_port" yaml:"http_port"`
	CorpusURL       string       `json:"corpus_url" yaml:"corpus_url"`
	CorpusDir       string       `json:"corpus_dir" yaml:"corpus_dir"`
	WatchDir        string       `json:"watch_dir" yaml:"watch_dir"`
	WorkDir         string       `json:"work_dir" yaml:"work_dir"`
	DBPath          string       `json:"db_path" yaml:"db_path"`
	CompareSpecPath string       `json:"compare_spec_path" yaml:"compare_spec_path"`
	WebhookURL      string       `json:"webhook_url" yaml:"webhook_url"`
	Tuning          *oref.Tuning `json:"tuning" yaml:"tuning"`
}

const (
	defaultPort          = ":8000"
	defaultCorpusDir     = "runtime/corpus"
	defaultWatchDir      = "runtime/incoming"
	defaultWorkDir       = "runtime/work"
	defaultDBFile        = "parity.db"
	minQueueSize         = 1
	defaultQueueSize     = 100
	maxQueueSize         = 1024
	defaultWorkerCount   = 4
	defaultJobTimeoutSec = 60
	defaultFetchRetries  = 3
	defaultFetchTimeout  = 30
	defaultPageSize      = 100
)

// Load reads configuration from CONFIG_PATH (default config/config.yaml)
// and applies environment overrides on top.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		WorkerCount:     defaultWorkerCount,
		JobQueueSize:    defaultQueueSize,
		JobTimeoutSec:   defaultJobTimeoutSec,
		FetchRetries:    defaultFetchRetries,
		FetchTimeoutSec: defaultFetchTimeout,
		PageSize:        defaultPageSize,
		Environment:     getEnv("ENVIRONMENT", "local"),
		StrictConfig:    parseBoolEnv("STRICT_CONFIG"),
		Tuning:          oref.DefaultTuning(),
	}

	configPath := getEnv("CONFIG_PATH", filepath.Join("config", "config.yaml"))
	fileCfg, fileErr := loadFileConfig(configPath)
	if fileErr != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("config load failed (%s): %w", configPath, fileErr)
		}
		if !os.IsNotExist(fileErr) {
			log.Printf("config load failed (%s): %v (using defaults)", configPath, fileErr)
		}
	}
	if fileCfg.Tuning != nil {
		cfg.Tuning = fileCfg.Tuning.WithDefaults()
	}

	cfg.CorpusURL = strings.TrimRight(firstNonEmpty(os.Getenv("CORPUS_URL"), fileCfg.CorpusURL), "/")
	cfg.CorpusDir = firstNonEmpty(os.Getenv("CORPUS_DIR"), fileCfg.CorpusDir, defaultCorpusDir)
	cfg.WatchDir = firstNonEmpty(os.Getenv("WATCH_DIR"), fileCfg.WatchDir, defaultWatchDir)
	cfg.WorkDir = firstNonEmpty(os.Getenv("WORK_DIR"), fileCfg.WorkDir, defaultWorkDir)
	cfg.CompareSpecPath = firstNonEmpty(os.Getenv("COMPARE_SPEC_PATH"), fileCfg.CompareSpecPath)
	cfg.WebhookURL = firstNonEmpty(os.Getenv("WEBHOOK_URL"), fileCfg.WebhookURL)

	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	} else if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	} else {
		cfg.DBPath = filepath.Join(cfg.WorkDir, defaultDBFile)
	}

	cfg.HTTPPort = firstNonEmpty(os.Getenv("HTTP_PORT"), fileCfg.HTTPPort, defaultPort)
	if legacyPort := os.Getenv("PORT"); legacyPort != "" && cfg.HTTPPort == defaultPort {
		cfg.HTTPPort = legacyPort
	}
	if !strings.HasPrefix(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}

	if v := os.Getenv("WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Printf("invalid WORKER_COUNT=%q, using default %d", v, defaultWorkerCount)
			n = defaultWorkerCount
		}
		cfg.WorkerCount = n
	}

	if v := os.Getenv("JOB_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("invalid JOB_QUEUE_SIZE=%q, using default %d", v, defaultQueueSize)
			n = defaultQueueSize
		}
		if n < minQueueSize {
			log.Printf("JOB_QUEUE_SIZE raised to minimum %d (was %d)", minQueueSize, n)
			n = minQueueSize
		}
		if n > maxQueueSize {
			log.Printf("JOB_QUEUE_SIZE capped at %d (was %d)", maxQueueSize, n)
			n = maxQueueSize
		}
		cfg.JobQueueSize = n
	}
	if cfg.JobQueueSize < cfg.WorkerCount {
		log.Printf("JOB_QUEUE_SIZE must be >= WORKER_COUNT; using default %d", defaultQueueSize)
		cfg.JobQueueSize = max(defaultQueueSize, cfg.WorkerCount)
	}

	if v, ok, err := parseIntEnv("JOB_TIMEOUT_SEC"); err != nil {
		return cfg, fmt.Errorf("invalid JOB_TIMEOUT_SEC: %w", err)
	} else if ok {
		if v <= 0 {
			return cfg, errors.New("JOB_TIMEOUT_SEC must be positive")
		}
		cfg.JobTimeoutSec = v
	}

	if v, ok, err := parseIntEnv("FETCH_RETRIES"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid FETCH_RETRIES: %w", err)
		}
		log.Printf("invalid FETCH_RETRIES: %v (using default)", err)
	} else if ok && v >= 0 {
		cfg.FetchRetries = v
	}
	if v, ok, err := parseIntEnv("FETCH_TIMEOUT_SEC"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid FETCH_TIMEOUT_SEC: %w", err)
		}
		log.Printf("invalid FETCH_TIMEOUT_SEC: %v (using default)", err)
	} else if ok && v > 0 {
		cfg.FetchTimeoutSec = v
	}
	if v, ok, err := parseIntEnv("PAGE_SIZE"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid PAGE_SIZE: %w", err)
		}
		log.Printf("invalid PAGE_SIZE: %v (using default)", err)
	} else if ok && v > 0 {
		cfg.PageSize = v
	}

	if err := validateConfig(cfg); err != nil {
		if cfg.StrictConfig {
			return cfg, err
		}
		log.Printf("config validation failed: %v (continuing)", err)
	}
	return cfg, nil
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.HTTPPort) == "" {
		return errors.New("HTTP_PORT is required")
	}
	if cfg.CorpusURL == "" && strings.TrimSpace(cfg.CorpusDir) == "" {
		return errors.New("either CORPUS_URL or CORPUS_DIR is required")
	}
	if cfg.Tuning.AutosensMin <= 0 || cfg.Tuning.AutosensMax < cfg.Tuning.AutosensMin {
		return fmt.Errorf("tuning autosens bounds invalid: min=%v max=%v",
			cfg.Tuning.AutosensMin, cfg.Tuning.AutosensMax)
	}
	if cfg.Tuning.Min5mCarbImpact <= 0 {
		return errors.New("tuning min_5m_carb_impact must be positive")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseIntEnv(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.Atoi(raw)
	return val, true, err
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
