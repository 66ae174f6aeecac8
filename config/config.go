// Package config loads engine configuration from an optional JSON file
// with environment-variable overrides. The environment wins.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the engine configuration.
type Config struct {
	ExchangeConfig ExchangeConfig `json:"exchange"`
	MarketConfig   MarketConfig   `json:"market"`
	TradingConfig  TradingConfig  `json:"trading"`
	OracleConfig   OracleConfig   `json:"oracle"`
	StoreConfig    StoreConfig    `json:"store"`
	VaultConfig    VaultConfig    `json:"vault"`
	ServerConfig   ServerConfig   `json:"server"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// ExchangeConfig holds exchange connectivity settings.
type ExchangeConfig struct {
	WSURL     string `json:"ws_url"`
	APIURL    string `json:"api_url"`
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// MarketConfig holds the symbol/interval universe and cache sizing.
type MarketConfig struct {
	Symbols       []string `json:"symbols"`
	Intervals     []string `json:"intervals"`
	CacheCapacity int      `json:"cache_capacity"`
}

// TradingConfig holds execution settings.
type TradingConfig struct {
	PaperOnly      bool    `json:"paper_trading_only"`
	PaperBalance   float64 `json:"paper_balance"`
	EvalBudgetMs   int     `json:"eval_budget_ms"`
	OrderRatePerSec int    `json:"order_rate_per_sec"`
}

// OracleConfig holds the AI decision service settings.
type OracleConfig struct {
	URL            string        `json:"url"`
	TimeoutSeconds int           `json:"timeout_seconds"`
	Timeout        time.Duration `json:"-"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr"`
}

// VaultConfig holds the optional Vault credential source.
type VaultConfig struct {
	Enabled   bool   `json:"enabled"`
	Address   string `json:"address"`
	Token     string `json:"token"`
	MountPath string `json:"mount_path"`
	KeyPath   string `json:"key_path"`
}

// ServerConfig holds the health-port HTTP server settings.
type ServerConfig struct {
	HealthPort int    `json:"health_port"`
	MachineID  string `json:"machine_id"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"`
	JSONFormat bool   `json:"json_format"`
}

// Load reads CONFIG_FILE (when set), applies environment overrides and
// validates. Missing required settings are fatal init errors.
func Load() (*Config, error) {
	cfg := defaults()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		if err := loadFromFile(file, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if len(cfg.MarketConfig.Symbols) == 0 {
		return nil, fmt.Errorf("SYMBOLS is required")
	}
	if cfg.OracleConfig.URL == "" {
		return nil, fmt.Errorf("ORACLE_URL is required")
	}
	cfg.OracleConfig.Timeout = time.Duration(cfg.OracleConfig.TimeoutSeconds) * time.Second

	// No credentials and no Vault to fetch them from means paper mode
	// regardless of configuration.
	if cfg.ExchangeConfig.APIKey == "" || cfg.ExchangeConfig.SecretKey == "" {
		if !cfg.VaultConfig.Enabled {
			cfg.TradingConfig.PaperOnly = true
		}
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ExchangeConfig: ExchangeConfig{
			WSURL:  "wss://stream.binance.com:9443/stream",
			APIURL: "https://api.binance.com",
		},
		MarketConfig: MarketConfig{
			Intervals:     []string{"1m", "5m", "15m", "1h"},
			CacheCapacity: 500,
		},
		TradingConfig: TradingConfig{
			PaperOnly:       true,
			PaperBalance:    10000,
			EvalBudgetMs:    100,
			OrderRatePerSec: 10,
		},
		OracleConfig: OracleConfig{
			TimeoutSeconds: 30,
		},
		ServerConfig: ServerConfig{
			HealthPort: 8090,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SYMBOLS"); v != "" {
		cfg.MarketConfig.Symbols = splitList(v, strings.ToUpper)
	}
	if v := os.Getenv("INTERVALS"); v != "" {
		cfg.MarketConfig.Intervals = splitList(v, strings.ToLower)
	}
	cfg.ExchangeConfig.WSURL = getEnvOrDefault("EXCHANGE_WS_URL", cfg.ExchangeConfig.WSURL)
	cfg.ExchangeConfig.APIURL = getEnvOrDefault("EXCHANGE_API_URL", cfg.ExchangeConfig.APIURL)
	cfg.ExchangeConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.ExchangeConfig.APIKey)
	cfg.ExchangeConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.ExchangeConfig.SecretKey)

	cfg.StoreConfig.DatabaseURL = getEnvOrDefault("DATABASE_URL", cfg.StoreConfig.DatabaseURL)
	cfg.StoreConfig.RedisAddr = getEnvOrDefault("REDIS_ADDR", cfg.StoreConfig.RedisAddr)

	cfg.OracleConfig.URL = getEnvOrDefault("ORACLE_URL", cfg.OracleConfig.URL)
	cfg.OracleConfig.TimeoutSeconds = getEnvIntOrDefault("ORACLE_TIMEOUT_SECONDS", cfg.OracleConfig.TimeoutSeconds)

	if v := os.Getenv("PAPER_TRADING_ONLY"); v != "" {
		cfg.TradingConfig.PaperOnly = parseBool(v)
	}
	cfg.TradingConfig.PaperBalance = getEnvFloatOrDefault("PAPER_BALANCE", cfg.TradingConfig.PaperBalance)
	cfg.TradingConfig.EvalBudgetMs = getEnvIntOrDefault("EVAL_BUDGET_MS", cfg.TradingConfig.EvalBudgetMs)

	cfg.ServerConfig.HealthPort = getEnvIntOrDefault("HEALTH_PORT", cfg.ServerConfig.HealthPort)
	cfg.ServerConfig.MachineID = getEnvOrDefault("MACHINE_ID", cfg.ServerConfig.MachineID)
	if cfg.ServerConfig.MachineID == "" {
		host, _ := os.Hostname()
		cfg.ServerConfig.MachineID = host
	}

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)

	if v := os.Getenv("VAULT_ADDR"); v != "" {
		cfg.VaultConfig.Enabled = true
		cfg.VaultConfig.Address = v
	}
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.KeyPath = getEnvOrDefault("VAULT_KEY_PATH", cfg.VaultConfig.KeyPath)
}

func loadFromFile(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func splitList(v string, normalize func(string) string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, normalize(trimmed))
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func parseBool(v string) bool {
	parsed, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return false
	}
	return parsed
}
