// Package config loads the x402d service configuration from YAML with
// environment overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vitwit/x402-approvals/types"
	"github.com/vitwit/x402-approvals/utils"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "configs/config.yaml"

type Config struct {
	Server struct {
		Addr                string `yaml:"addr" validate:"required"`
		ShutdownTimeoutSecs int    `yaml:"shutdown_timeout_seconds" validate:"gte=0"`
	} `yaml:"server"`
	DB struct {
		DSN     string `yaml:"dsn" validate:"required"`
		Migrate bool   `yaml:"migrate"`
	} `yaml:"db"`
	Redis struct {
		URL    string `yaml:"url" validate:"omitempty,url"`
		Stream string `yaml:"stream"`
	} `yaml:"redis"`
	Log struct {
		Level string `yaml:"level" validate:"oneof=debug info warn error"`
	} `yaml:"log"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path" validate:"required_if=Enabled true"`
	} `yaml:"metrics"`
	Chains struct {
		Enabled []int64 `yaml:"enabled"`
	} `yaml:"chains"`
	Settlement struct {
		TimeoutSeconds               int  `yaml:"timeout_seconds" validate:"gt=0"`
		AuthorizationValiditySeconds int  `yaml:"authorization_validity_seconds" validate:"gt=0"`
		PaymentTTLMinutes            int  `yaml:"payment_ttl_minutes" validate:"gt=0"`
		VerifySignatures             bool `yaml:"verify_signatures"`
	} `yaml:"settlement"`
}

// Load reads path, or CONFIG_PATH, or DefaultPath, applies defaults and
// environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.WrapError(types.ErrConfigError, err, "read %s", path)
	}

	return Parse(data)
}

// Parse decodes YAML config bytes. Environment overrides apply here too.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	applyDefaults(&cfg)

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, types.WrapError(types.ErrConfigError, err, "decode config")
	}

	applyEnvOverrides(&cfg)

	if err := utils.ValidateStruct(types.ErrConfigError, cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	cfg.Server.Addr = ":8080"
	cfg.Server.ShutdownTimeoutSecs = 15
	cfg.Log.Level = "info"
	cfg.Metrics.Path = "/metrics"
	cfg.Redis.Stream = "x402:payments"
	cfg.Settlement.TimeoutSeconds = 30
	cfg.Settlement.AuthorizationValiditySeconds = 300
	cfg.Settlement.PaymentTTLMinutes = 15
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("SETTLEMENT_TIMEOUT_SECONDS"); v != "" {
		cfg.Settlement.TimeoutSeconds = atoiOr(cfg.Settlement.TimeoutSeconds, v)
	}
	if v := os.Getenv("AUTHORIZATION_VALIDITY_SECONDS"); v != "" {
		cfg.Settlement.AuthorizationValiditySeconds = atoiOr(cfg.Settlement.AuthorizationValiditySeconds, v)
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = boolOr(cfg.Metrics.Enabled, v)
	}
	if v := os.Getenv("VERIFY_SIGNATURES"); v != "" {
		cfg.Settlement.VerifySignatures = boolOr(cfg.Settlement.VerifySignatures, v)
	}
	if v := os.Getenv("CHAINS_ENABLED"); v != "" {
		cfg.Chains.Enabled = splitChainIDs(cfg.Chains.Enabled, v)
	}
}

func (c *Config) SettlementTimeout() time.Duration {
	return time.Duration(c.Settlement.TimeoutSeconds) * time.Second
}

func (c *Config) AuthorizationValidity() time.Duration {
	return time.Duration(c.Settlement.AuthorizationValiditySeconds) * time.Second
}

func (c *Config) PaymentTTL() time.Duration {
	return time.Duration(c.Settlement.PaymentTTLMinutes) * time.Minute
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSecs) * time.Second
}

func splitChainIDs(fallback []int64, v string) []int64 {
	parts := strings.Split(v, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return fallback
		}
		out = append(out, id)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func boolOr(fallback bool, v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
