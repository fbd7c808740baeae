package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	BinanceConfig  BinanceConfig  `json:"binance"`
	EngineConfig   EngineConfig   `json:"engine"`
	LoggingConfig  LoggingConfig  `json:"logging"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	VaultConfig    VaultConfig    `json:"vault"`
	ServerConfig   ServerConfig   `json:"server"`

	NotificationConfig NotificationConfig `json:"notification"`
}

type BinanceConfig struct {
	BaseURL  string `json:"base_url"`
	TestNet  bool   `json:"testnet"`
	MockMode bool   `json:"mock_mode"` // Paper venue for every bot, no credentials needed
	// Balance the paper venue starts each bot with, in quote asset
	PaperStartingBalance float64 `json:"paper_starting_balance"`
	RequestTimeout       int     `json:"request_timeout"` // Seconds
	RecvWindow           int     `json:"recv_window"`     // Milliseconds
}

// EngineConfig holds bot scheduling settings
type EngineConfig struct {
	InitialDelay     time.Duration `json:"initial_delay"`
	DefaultFrequency time.Duration `json:"default_frequency"`
	CycleTimeout     time.Duration `json:"cycle_timeout"`
	StopTimeout      time.Duration `json:"stop_timeout"`
	CandleLimit      int           `json:"candle_limit"`
	OrderBookDepth   int           `json:"order_book_depth"`
	SkipRecovery     bool          `json:"skip_recovery"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
	MaxConns int    `json:"max_conns"`
}

// DSN returns the pgx connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisConfig holds Redis configuration for the bot runtime store
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix for API keys
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// NotificationConfig holds operator alert configuration
type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	// Also alert on every bot start and stop, not only on closed trades and failed cycles
	Lifecycle bool `json:"lifecycle"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins, comma separated
	JWTSecret       string `json:"jwt_secret"`
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// Origins splits AllowedOrigins into a list
func (s ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Defaults returns the configuration used for every field neither the file nor the environment sets
func Defaults() *Config {
	return &Config{
		BinanceConfig: BinanceConfig{
			BaseURL:              "https://api.binance.com",
			PaperStartingBalance: 10000,
			RequestTimeout:       10,
			RecvWindow:           5000,
		},
		EngineConfig: EngineConfig{
			InitialDelay:     time.Second,
			DefaultFrequency: 5 * time.Minute,
			CycleTimeout:     30 * time.Second,
			StopTimeout:      30 * time.Second,
			CandleLimit:      100,
			OrderBookDepth:   20,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "tradebot",
			DBName:   "tradebot",
			SSLMode:  "disable",
			MaxConns: 10,
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "tradebot/api-keys",
		},
		ServerConfig: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
	}
}

// Load reads config.json from the working directory when present and applies environment overrides
func Load() (*Config, error) {
	return LoadFile("config.json")
}

// LoadFile is Load with an explicit file name. A missing file is not an error.
func LoadFile(filename string) (*Config, error) {
	cfg := Defaults()
	if err := loadFromFile(filename, cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	// Environment variables take precedence
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides on top of file values.
// Exchange credentials are never read from the environment; they are per user and live in Vault.
func applyEnvOverrides(cfg *Config) {
	b := &cfg.BinanceConfig
	b.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", b.BaseURL)
	b.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", b.TestNet)
	if b.TestNet && b.BaseURL == "https://api.binance.com" {
		b.BaseURL = "https://testnet.binance.vision"
	}
	b.MockMode = getEnvBoolOrDefault("MOCK_MODE", b.MockMode)
	b.PaperStartingBalance = getEnvFloatOrDefault("PAPER_STARTING_BALANCE", b.PaperStartingBalance)
	b.RequestTimeout = getEnvIntOrDefault("BINANCE_REQUEST_TIMEOUT", b.RequestTimeout)
	b.RecvWindow = getEnvIntOrDefault("BINANCE_RECV_WINDOW", b.RecvWindow)

	e := &cfg.EngineConfig
	e.InitialDelay = getEnvDurationOrDefault("ENGINE_INITIAL_DELAY", e.InitialDelay)
	e.DefaultFrequency = getEnvDurationOrDefault("ENGINE_DEFAULT_FREQUENCY", e.DefaultFrequency)
	e.CycleTimeout = getEnvDurationOrDefault("ENGINE_CYCLE_TIMEOUT", e.CycleTimeout)
	e.StopTimeout = getEnvDurationOrDefault("ENGINE_STOP_TIMEOUT", e.StopTimeout)
	e.CandleLimit = getEnvIntOrDefault("ENGINE_CANDLE_LIMIT", e.CandleLimit)
	e.OrderBookDepth = getEnvIntOrDefault("ENGINE_ORDER_BOOK_DEPTH", e.OrderBookDepth)
	e.SkipRecovery = getEnvBoolOrDefault("ENGINE_SKIP_RECOVERY", e.SkipRecovery)

	l := &cfg.LoggingConfig
	l.Level = getEnvOrDefault("LOG_LEVEL", l.Level)
	l.Output = getEnvOrDefault("LOG_OUTPUT", l.Output)
	l.JSONFormat = getEnvBoolOrDefault("LOG_JSON", l.JSONFormat)
	l.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", l.IncludeFile)

	d := &cfg.DatabaseConfig
	d.Host = getEnvOrDefault("DB_HOST", d.Host)
	d.Port = getEnvIntOrDefault("DB_PORT", d.Port)
	d.User = getEnvOrDefault("DB_USER", d.User)
	d.Password = getEnvOrDefault("DB_PASSWORD", d.Password)
	d.DBName = getEnvOrDefault("DB_NAME", d.DBName)
	d.SSLMode = getEnvOrDefault("DB_SSLMODE", d.SSLMode)
	d.MaxConns = getEnvIntOrDefault("DB_MAX_CONNS", d.MaxConns)

	r := &cfg.RedisConfig
	r.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", r.Enabled)
	r.Address = getEnvOrDefault("REDIS_ADDRESS", r.Address)
	r.Password = getEnvOrDefault("REDIS_PASSWORD", r.Password)
	r.DB = getEnvIntOrDefault("REDIS_DB", r.DB)
	r.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", r.PoolSize)

	v := &cfg.VaultConfig
	v.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", v.Enabled)
	v.Address = getEnvOrDefault("VAULT_ADDR", v.Address)
	v.Token = getEnvOrDefault("VAULT_TOKEN", v.Token)
	v.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", v.MountPath)
	v.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", v.SecretPath)
	v.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", v.TLSEnabled)
	v.CACert = getEnvOrDefault("VAULT_CACERT", v.CACert)

	s := &cfg.ServerConfig
	s.Port = getEnvIntOrDefault("WEB_PORT", s.Port)
	s.Host = getEnvOrDefault("WEB_HOST", s.Host)
	s.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", s.AllowedOrigins)
	s.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", s.JWTSecret)
	s.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", s.WriteTimeout)
	s.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)

	n := &cfg.NotificationConfig
	n.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", n.Enabled)
	n.Lifecycle = getEnvBoolOrDefault("NOTIFY_LIFECYCLE", n.Lifecycle)
	n.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", n.Telegram.Enabled)
	n.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", n.Telegram.BotToken)
	n.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", n.Telegram.ChatID)
	n.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", n.Discord.Enabled)
	n.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", n.Discord.WebhookURL)
}

// Validate rejects configurations the process cannot run with
func (c *Config) Validate() error {
	if c.ServerConfig.JWTSecret == "" {
		return fmt.Errorf("config: AUTH_JWT_SECRET (server.jwt_secret) is required")
	}
	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.ServerConfig.Port)
	}
	if c.VaultConfig.Enabled && c.VaultConfig.Token == "" {
		return fmt.Errorf("config: VAULT_TOKEN is required when vault is enabled")
	}
	if c.EngineConfig.CandleLimit > 1000 {
		return fmt.Errorf("config: engine candle limit %d exceeds 1000", c.EngineConfig.CandleLimit)
	}
	return nil
}

// loadFromFile decodes filename over cfg; fields absent from the file keep their values
func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(file, cfg); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
