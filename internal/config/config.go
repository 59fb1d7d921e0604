package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server
	Env        string
	Version    string
	LogLevel   string
	LogFormat  string
	ListenAddr string
	// APIToken, when set, is required as a bearer token on /api routes.
	APIToken string

	// CORS
	CORSAllowedOrigins []string

	// Storage
	DataDir         string
	CataloguePath   string
	CredentialsPath string
	KeyPath         string
	AuditPath       string
	KnownHostsPath  string
	KeepBackups     int

	// Terminals
	PollInterval      time.Duration
	DefaultShell      string
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	// MassConnectLimit caps concurrent dials in a mass connect. Zero means
	// unlimited; with a cap, slow hosts delay the members queued behind them.
	MassConnectLimit int
	// StrictHostKey verifies SSH host keys against KnownHostsPath. When
	// false any key is accepted.
	StrictHostKey bool
	// KubectlPath and AWSPath are the CLIs behind K8s and Ssm sessions.
	KubectlPath string
	AWSPath     string
}

// fileConfig is the optional YAML file named by REDPILL_CONFIG. Unset
// fields keep their defaults; environment variables override the file.
type fileConfig struct {
	Env                string   `yaml:"env"`
	LogLevel           string   `yaml:"log_level"`
	LogFormat          string   `yaml:"log_format"`
	Listen             string   `yaml:"listen"`
	APIToken           string   `yaml:"api_token"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	DataDir     string `yaml:"data_dir"`
	Catalogue   string `yaml:"catalogue"`
	Credentials string `yaml:"credentials"`
	KeyFile     string `yaml:"key_file"`
	AuditLog    string `yaml:"audit_log"`
	KnownHosts  string `yaml:"known_hosts"`
	KeepBackups *int   `yaml:"keep_backups"`

	PollInterval      string `yaml:"poll_interval"`
	DefaultShell      string `yaml:"default_shell"`
	ConnectTimeout    string `yaml:"connect_timeout"`
	KeepaliveInterval string `yaml:"keepalive_interval"`
	MassConnectLimit  *int   `yaml:"mass_connect_limit"`
	StrictHostKey     *bool  `yaml:"strict_host_key"`
	Kubectl           string `yaml:"kubectl"`
	AWS               string `yaml:"aws"`
}

func defaults() *Config {
	dataDir := ".redpill"
	if dir, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(dir, "redpill")
	}
	return &Config{
		Env:                "development",
		Version:            "0.1.0",
		LogLevel:           "info",
		LogFormat:          "json",
		ListenAddr:         "127.0.0.1:7681",
		CORSAllowedOrigins: []string{"http://localhost:5173"},
		DataDir:            dataDir,
		KeepBackups:        10,
		PollInterval:       16 * time.Millisecond,
		ConnectTimeout:     10 * time.Second,
		KeepaliveInterval:  30 * time.Second,
		StrictHostKey:      true,
		KubectlPath:        "kubectl",
		AWSPath:            "aws",
	}
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("REDPILL_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Env = getEnv("ENV", cfg.Env)
	cfg.Version = getEnv("VERSION", cfg.Version)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.ListenAddr = getEnv("REDPILL_LISTEN", cfg.ListenAddr)
	cfg.APIToken = getEnv("REDPILL_API_TOKEN", cfg.APIToken)
	cfg.CORSAllowedOrigins = getEnvAsSlice("CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)

	cfg.DataDir = getEnv("REDPILL_DATA_DIR", cfg.DataDir)
	cfg.CataloguePath = getEnv("REDPILL_CATALOGUE", cfg.CataloguePath)
	cfg.CredentialsPath = getEnv("REDPILL_CREDENTIALS", cfg.CredentialsPath)
	cfg.KeyPath = getEnv("REDPILL_KEY_FILE", cfg.KeyPath)
	cfg.AuditPath = getEnv("REDPILL_AUDIT_LOG", cfg.AuditPath)
	cfg.KnownHostsPath = getEnv("REDPILL_KNOWN_HOSTS", cfg.KnownHostsPath)
	cfg.KeepBackups = getEnvAsInt("REDPILL_KEEP_BACKUPS", cfg.KeepBackups)

	cfg.PollInterval = getEnvAsDuration("REDPILL_POLL_INTERVAL", cfg.PollInterval)
	cfg.DefaultShell = getEnv("REDPILL_DEFAULT_SHELL", cfg.DefaultShell)
	cfg.ConnectTimeout = getEnvAsDuration("REDPILL_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.KeepaliveInterval = getEnvAsDuration("REDPILL_KEEPALIVE_INTERVAL", cfg.KeepaliveInterval)
	cfg.MassConnectLimit = getEnvAsInt("REDPILL_MASS_CONNECT_LIMIT", cfg.MassConnectLimit)
	cfg.StrictHostKey = getEnvAsBool("REDPILL_STRICT_HOST_KEY", cfg.StrictHostKey)
	cfg.KubectlPath = getEnv("REDPILL_KUBECTL", cfg.KubectlPath)
	cfg.AWSPath = getEnv("REDPILL_AWS", cfg.AWSPath)

	cfg.derivePaths()
	return cfg, nil
}

// IsDevelopment reports whether human-readable logs are appropriate.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// derivePaths fills unset file locations from DataDir.
func (c *Config) derivePaths() {
	def := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(c.DataDir, name)
		}
	}
	def(&c.CataloguePath, "sessions.json")
	def(&c.CredentialsPath, "credentials.json")
	def(&c.KeyPath, "master.key")
	def(&c.AuditPath, "audit.jsonl")
	def(&c.KnownHostsPath, "known_hosts")
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Env, f.Env)
	set(&c.LogLevel, f.LogLevel)
	set(&c.LogFormat, f.LogFormat)
	set(&c.ListenAddr, f.Listen)
	set(&c.APIToken, f.APIToken)
	if len(f.CORSAllowedOrigins) > 0 {
		c.CORSAllowedOrigins = f.CORSAllowedOrigins
	}
	set(&c.DataDir, f.DataDir)
	set(&c.CataloguePath, f.Catalogue)
	set(&c.CredentialsPath, f.Credentials)
	set(&c.KeyPath, f.KeyFile)
	set(&c.AuditPath, f.AuditLog)
	set(&c.KnownHostsPath, f.KnownHosts)
	if f.KeepBackups != nil {
		c.KeepBackups = *f.KeepBackups
	}
	set(&c.DefaultShell, f.DefaultShell)
	set(&c.KubectlPath, f.Kubectl)
	set(&c.AWSPath, f.AWS)
	if f.MassConnectLimit != nil {
		c.MassConnectLimit = *f.MassConnectLimit
	}
	if f.StrictHostKey != nil {
		c.StrictHostKey = *f.StrictHostKey
	}

	for _, d := range []struct {
		dst *time.Duration
		raw string
		key string
	}{
		{&c.PollInterval, f.PollInterval, "poll_interval"},
		{&c.ConnectTimeout, f.ConnectTimeout, "connect_timeout"},
		{&c.KeepaliveInterval, f.KeepaliveInterval, "keepalive_interval"},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config: %s: %s: %w", path, d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("250ms") or bare milliseconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}
