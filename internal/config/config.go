package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type DBConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"sslmode"`
}

type Config struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`

	AllowedOrigins []string `mapstructure:"allowed_origins"`

	CursorSecret     string `mapstructure:"cursor_secret"`
	JWTPublicKeyPath string `mapstructure:"jwt_public_key_path"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`

	SignatureToleranceSeconds int `mapstructure:"signature_tolerance_seconds"`
	DedupWindowSeconds        int `mapstructure:"dedup_window_seconds"`

	DeviceLimitPerMinute  int `mapstructure:"device_limit_per_minute"`
	FailureLimitPerMinute int `mapstructure:"failure_limit_per_minute"`
	AddressLimitPerMinute int `mapstructure:"address_limit_per_minute"`
	BlockSeconds          int `mapstructure:"block_seconds"`

	CarryCeilingMinutes int `mapstructure:"carry_ceiling_minutes"`

	Postgres DBConfig `mapstructure:"postgres"`
}

// Load reads an optional YAML config file and lets the environment override
// individual keys.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("port", "8095")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("signature_tolerance_seconds", 300)
	v.SetDefault("dedup_window_seconds", 300)
	v.SetDefault("device_limit_per_minute", 120)
	v.SetDefault("failure_limit_per_minute", 20)
	v.SetDefault("address_limit_per_minute", 60)
	v.SetDefault("block_seconds", 60)
	v.SetDefault("carry_ceiling_minutes", 30)
	v.SetDefault("postgres.sslmode", "disable")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Deployment env vars win over file values.
	if s := os.Getenv("CURSOR_SECRET"); s != "" {
		cfg.CursorSecret = s
	}
	if s := os.Getenv("JWT_PUBLIC_KEY_PATH"); s != "" {
		cfg.JWTPublicKeyPath = s
	}
	if s := os.Getenv("REDIS_ADDR"); s != "" {
		cfg.RedisAddr = s
	}
	if s := os.Getenv("REDIS_PASSWORD"); s != "" {
		cfg.RedisPassword = s
	}
	if s := strings.TrimSpace(os.Getenv("POSTGRES_USER")); s != "" {
		cfg.Postgres.User = s
	}
	if s := os.Getenv("POSTGRES_PASSWORD"); s != "" {
		cfg.Postgres.Password = s
	}
	if s := strings.TrimSpace(os.Getenv("POSTGRES_DB")); s != "" {
		cfg.Postgres.DBName = s
	}
	if s := strings.TrimSpace(os.Getenv("POSTGRES_HOST")); s != "" {
		cfg.Postgres.Host = s
	}
	if s := strings.TrimSpace(os.Getenv("POSTGRES_PORT")); s != "" {
		cfg.Postgres.Port = s
	}
	if s := os.Getenv("ALLOWED_ORIGINS"); s != "" {
		cfg.AllowedOrigins = nil
		for _, o := range strings.Split(s, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	return &cfg, nil
}
