// Package config assembles the daemon configuration: built-in defaults,
// overridden by an optional YAML file named in CS_CONFIG_FILE, overridden by
// CS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	StoreBackend  string `yaml:"store_backend"` // redis | memory

	FrontendBaseURL    string `yaml:"frontend_base_url"`
	DefaultEmailDomain string `yaml:"default_email_domain"`

	JWKSURL string `yaml:"jwks_url"`

	ProverBin            string `yaml:"prover_bin"`
	ProverOutputDir      string `yaml:"prover_output_dir"`
	ProverTimeoutSeconds int    `yaml:"prover_timeout_seconds"`

	ArtifactBackend  string `yaml:"artifact_backend"` // walrus | s3
	WalrusPublisher  string `yaml:"walrus_publisher"`
	WalrusAggregator string `yaml:"walrus_aggregator"`
	WalrusEpochs     int    `yaml:"walrus_epochs"`

	S3Endpoint  string `yaml:"s3_endpoint"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3UseSSL    bool   `yaml:"s3_use_ssl"`

	RecorderDSN string `yaml:"recorder_dsn"`
}

func (c Config) ProverTimeout() time.Duration {
	if c.ProverTimeoutSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.ProverTimeoutSeconds) * time.Second
}

func defaults() Config {
	return Config{
		ListenAddr:           ":8080",
		RedisAddr:            "127.0.0.1:6379",
		StoreBackend:         "redis",
		FrontendBaseURL:      "http://localhost:3000",
		DefaultEmailDomain:   "gmail.com",
		JWKSURL:              "https://www.googleapis.com/oauth2/v3/certs",
		ProverOutputDir:      "/tmp/connectsphere-proofs",
		ProverTimeoutSeconds: 3600,
		ArtifactBackend:      "walrus",
		WalrusPublisher:      "https://publisher.walrus-testnet.walrus.space",
		WalrusAggregator:     "https://aggregator.walrus-testnet.walrus.space",
		WalrusEpochs:         5,
		S3Bucket:             "connectsphere-artifacts",
	}
}

// Load resolves the effective configuration. A missing config file is an
// error only when CS_CONFIG_FILE names one explicitly.
func Load() (Config, error) {
	cfg := defaults()
	if path := os.Getenv("CS_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddr = getenv("CS_LISTEN_ADDR", cfg.ListenAddr)
	cfg.RedisAddr = getenv("CS_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getenv("CS_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getenvInt("CS_REDIS_DB", cfg.RedisDB)
	cfg.StoreBackend = getenv("CS_STORE_BACKEND", cfg.StoreBackend)
	cfg.FrontendBaseURL = getenv("CS_FRONTEND_URL", cfg.FrontendBaseURL)
	cfg.DefaultEmailDomain = getenv("CS_DEFAULT_EMAIL_DOMAIN", cfg.DefaultEmailDomain)
	cfg.JWKSURL = getenv("CS_JWKS_URL", cfg.JWKSURL)
	cfg.ProverBin = getenv("CS_PROVER_BIN", cfg.ProverBin)
	cfg.ProverOutputDir = getenv("CS_PROVER_OUTPUT_DIR", cfg.ProverOutputDir)
	cfg.ProverTimeoutSeconds = getenvInt("CS_PROVER_TIMEOUT_SECONDS", cfg.ProverTimeoutSeconds)
	cfg.ArtifactBackend = getenv("CS_ARTIFACT_BACKEND", cfg.ArtifactBackend)
	cfg.WalrusPublisher = getenv("CS_WALRUS_PUBLISHER", cfg.WalrusPublisher)
	cfg.WalrusAggregator = getenv("CS_WALRUS_AGGREGATOR", cfg.WalrusAggregator)
	cfg.WalrusEpochs = getenvInt("CS_WALRUS_EPOCHS", cfg.WalrusEpochs)
	cfg.S3Endpoint = getenv("CS_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3AccessKey = getenv("CS_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getenv("CS_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3Bucket = getenv("CS_S3_BUCKET", cfg.S3Bucket)
	cfg.S3UseSSL = getenvBool("CS_S3_USE_SSL", cfg.S3UseSSL)
	cfg.RecorderDSN = getenv("CS_RECORDER_DSN", cfg.RecorderDSN)
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
