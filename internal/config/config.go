package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	MaxBodySize  int64  `mapstructure:"max_body_size"`
}

// DatabaseConfig backs the optional Postgres audit log. Zero value (empty
// Database) means the audit sink stays a no-op.
type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxLifetime  int    `mapstructure:"max_lifetime"`
}

type RedisConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Password       string `mapstructure:"password"`
	Database       int    `mapstructure:"database"`
	QueueKey       string `mapstructure:"queue_key"`
	ResponsePrefix string `mapstructure:"response_prefix"`
	ResponseExpiry int    `mapstructure:"response_expiry"` // seconds
}

// GatewayConfig holds every dispatch-engine setting named by the
// environment variable list: rate limiting, provider key pools, failover,
// health checking, and metrics retention.
type GatewayConfig struct {
	ServerAPIKey string `mapstructure:"server_api_key"`

	PrimaryProvider   string   `mapstructure:"primary_provider"`
	FailoverProviders []string `mapstructure:"-"`

	ProviderKeys map[string][]string `mapstructure:"-"`

	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseRetryDelay time.Duration `mapstructure:"-"`

	FailoverThreshold    int           `mapstructure:"failover_threshold"`
	FailoverRecoveryTime time.Duration `mapstructure:"-"`

	HealthCheckInterval time.Duration `mapstructure:"-"`
	MetricsWindowHours  int           `mapstructure:"metrics_window_hours"`

	EnableFailover      bool `mapstructure:"enable_failover"`
	EnableHealthChecker bool `mapstructure:"enable_health_checker"`
	EnableMetrics       bool `mapstructure:"enable_metrics"`

	GrokAPIURL         string `mapstructure:"grok_api_url"`
	OpenAIAPIURL       string `mapstructure:"openai_api_url"`
	GrokDefaultModel   string `mapstructure:"grok_default_model"`
	OpenAIDefaultModel string `mapstructure:"openai_default_model"`

	CostRates map[string]ProviderCostRate `mapstructure:"-"`
}

type ProviderCostRate struct {
	PromptPerMillion     float64
	CompletionPerMillion float64
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

var AppConfig *Config

func Load() (*Config, error) {
	cfg := &Config{}

	setDefaults()
	loadFromEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("warning: config file not found, using defaults and env vars: %v", err)
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	cfg.Gateway.FailoverProviders = splitAndTrim(viper.GetString("gateway.failover_providers"))
	cfg.Gateway.ProviderKeys = loadProviderKeys()
	cfg.Gateway.BaseRetryDelay = time.Duration(viper.GetFloat64("gateway.base_retry_delay_seconds")*1000) * time.Millisecond
	cfg.Gateway.FailoverRecoveryTime = time.Duration(viper.GetInt("gateway.failover_recovery_time_seconds")) * time.Second
	cfg.Gateway.HealthCheckInterval = time.Duration(viper.GetInt("gateway.health_check_interval_seconds")) * time.Second
	cfg.Gateway.CostRates = loadCostRates()

	if cfg.Gateway.ServerAPIKey == "" {
		return nil, fmt.Errorf("config: SERVER_API_KEY is required and must not be empty")
	}

	AppConfig = cfg
	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.max_body_size", 32*1024*1024)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 10)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.max_lifetime", 300)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.database", 0)
	viper.SetDefault("redis.queue_key", "grok_api_request_queue")
	viper.SetDefault("redis.response_prefix", "response:")
	viper.SetDefault("redis.response_expiry", 3600)

	viper.SetDefault("gateway.primary_provider", "grok")
	viper.SetDefault("gateway.failover_providers", "openai")
	viper.SetDefault("gateway.rate_limit_rps", 5.0)
	viper.SetDefault("gateway.max_retries", 3)
	viper.SetDefault("gateway.base_retry_delay_seconds", 1.0)
	viper.SetDefault("gateway.failover_threshold", 3)
	viper.SetDefault("gateway.failover_recovery_time_seconds", 60)
	viper.SetDefault("gateway.health_check_interval_seconds", 30)
	viper.SetDefault("gateway.metrics_window_hours", 24)
	viper.SetDefault("gateway.enable_failover", true)
	viper.SetDefault("gateway.enable_health_checker", true)
	viper.SetDefault("gateway.enable_metrics", true)
	viper.SetDefault("gateway.grok_api_url", "https://api.x.ai/v1")
	viper.SetDefault("gateway.openai_api_url", "https://api.openai.com/v1")
	viper.SetDefault("gateway.grok_default_model", "grok-beta")
	viper.SetDefault("gateway.openai_default_model", "gpt-4o-mini")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
}

func loadFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		viper.Set("server.host", host)
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("server.port", p)
		}
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		parsePostgresURL(dbURL)
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		parseRedisURL(redisURL)
	} else {
		if host := os.Getenv("REDIS_HOST"); host != "" {
			viper.Set("redis.host", host)
		}
		if port := os.Getenv("REDIS_PORT"); port != "" {
			if p, err := strconv.Atoi(port); err == nil {
				viper.Set("redis.port", p)
			}
		}
		if password := os.Getenv("REDIS_PASSWORD"); password != "" {
			viper.Set("redis.password", password)
		}
		if db := os.Getenv("REDIS_DATABASE"); db != "" {
			if d, err := strconv.Atoi(db); err == nil {
				viper.Set("redis.database", d)
			}
		}
	}
	if expiry := os.Getenv("REDIS_RESPONSE_EXPIRY"); expiry != "" {
		if e, err := strconv.Atoi(expiry); err == nil {
			viper.Set("redis.response_expiry", e)
		}
	}

	if key := os.Getenv("SERVER_API_KEY"); key != "" {
		viper.Set("gateway.server_api_key", key)
	}
	if primary := os.Getenv("LLM_PROVIDER"); primary != "" {
		viper.Set("gateway.primary_provider", primary)
	}
	if backups := os.Getenv("FAILOVER_PROVIDERS"); backups != "" {
		viper.Set("gateway.failover_providers", backups)
	}
	if rps := os.Getenv("RATE_LIMIT_RPS"); rps != "" {
		if v, err := strconv.ParseFloat(rps, 64); err == nil {
			viper.Set("gateway.rate_limit_rps", v)
		}
	}
	if retries := os.Getenv("MAX_RETRIES"); retries != "" {
		if v, err := strconv.Atoi(retries); err == nil {
			viper.Set("gateway.max_retries", v)
		}
	}
	if delay := os.Getenv("BASE_RETRY_DELAY"); delay != "" {
		if v, err := strconv.ParseFloat(delay, 64); err == nil {
			viper.Set("gateway.base_retry_delay_seconds", v)
		}
	}
	if threshold := os.Getenv("FAILOVER_THRESHOLD"); threshold != "" {
		if v, err := strconv.Atoi(threshold); err == nil {
			viper.Set("gateway.failover_threshold", v)
		}
	}
	if recovery := os.Getenv("FAILOVER_RECOVERY_TIME"); recovery != "" {
		if v, err := strconv.Atoi(recovery); err == nil {
			viper.Set("gateway.failover_recovery_time_seconds", v)
		}
	}
	if interval := os.Getenv("HEALTH_CHECK_INTERVAL"); interval != "" {
		if v, err := strconv.Atoi(interval); err == nil {
			viper.Set("gateway.health_check_interval_seconds", v)
		}
	}
	if window := os.Getenv("METRICS_WINDOW_HOURS"); window != "" {
		if v, err := strconv.Atoi(window); err == nil {
			viper.Set("gateway.metrics_window_hours", v)
		}
	}
	if v := os.Getenv("ENABLE_FAILOVER"); v != "" {
		viper.Set("gateway.enable_failover", v == "true" || v == "1")
	}
	if v := os.Getenv("ENABLE_HEALTH_CHECKER"); v != "" {
		viper.Set("gateway.enable_health_checker", v == "true" || v == "1")
	}
	if v := os.Getenv("ENABLE_METRICS"); v != "" {
		viper.Set("gateway.enable_metrics", v == "true" || v == "1")
	}
	if url := os.Getenv("GROK_API_URL"); url != "" {
		viper.Set("gateway.grok_api_url", url)
	}
	if url := os.Getenv("OPENAI_API_URL"); url != "" {
		viper.Set("gateway.openai_api_url", url)
	}
	if model := os.Getenv("GROK_DEFAULT_MODEL"); model != "" {
		viper.Set("gateway.grok_default_model", model)
	}
	if model := os.Getenv("OPENAI_DEFAULT_MODEL"); model != "" {
		viper.Set("gateway.openai_default_model", model)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		viper.Set("log.level", level)
	}
}

// loadProviderKeys reads the comma-separated <PROVIDER>_API_KEYS pools.
// Parsed separately from viper.Unmarshal because the key set is dynamic
// per provider, not a fixed struct field.
func loadProviderKeys() map[string][]string {
	pools := make(map[string][]string)
	if keys := os.Getenv("GROK_API_KEYS"); keys != "" {
		pools["grok"] = splitAndTrim(keys)
	}
	if keys := os.Getenv("OPENAI_API_KEYS"); keys != "" {
		pools["openai"] = splitAndTrim(keys)
	}
	return pools
}

// loadCostRates reads per-1M-token cost constants, e.g.
// GROK_PROMPT_COST_PER_M / GROK_COMPLETION_COST_PER_M.
func loadCostRates() map[string]ProviderCostRate {
	rates := make(map[string]ProviderCostRate)
	for _, provider := range []string{"grok", "openai"} {
		prefix := strings.ToUpper(provider)
		prompt, hasPrompt := parseFloatEnv(prefix + "_PROMPT_COST_PER_M")
		completion, hasCompletion := parseFloatEnv(prefix + "_COMPLETION_COST_PER_M")
		if hasPrompt || hasCompletion {
			rates[provider] = ProviderCostRate{PromptPerMillion: prompt, CompletionPerMillion: completion}
		}
	}
	return rates
}

func parseFloatEnv(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func splitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parsePostgresURL(url string) {
	if strings.HasPrefix(url, "postgres://") {
		url = strings.TrimPrefix(url, "postgres://")
		parts := strings.Split(url, "@")
		if len(parts) == 2 {
			userPass := strings.Split(parts[0], ":")
			if len(userPass) == 2 {
				viper.Set("database.user", userPass[0])
				viper.Set("database.password", userPass[1])
			}

			hostDB := strings.Split(parts[1], "/")
			if len(hostDB) == 2 {
				hostPort := strings.Split(hostDB[0], ":")
				if len(hostPort) == 2 {
					viper.Set("database.host", hostPort[0])
					if port, err := strconv.Atoi(hostPort[1]); err == nil {
						viper.Set("database.port", port)
					}
				}
				viper.Set("database.database", hostDB[1])
			}
		}
	}
}

func parseRedisURL(url string) {
	if strings.HasPrefix(url, "redis://") {
		url = strings.TrimPrefix(url, "redis://")

		if strings.Contains(url, "@") {
			parts := strings.Split(url, "@")
			if len(parts) == 2 && strings.HasPrefix(parts[0], ":") {
				viper.Set("redis.password", strings.TrimPrefix(parts[0], ":"))
				url = parts[1]
			}
		}

		parts := strings.Split(url, "/")
		if len(parts) >= 1 {
			hostPort := strings.Split(parts[0], ":")
			if len(hostPort) >= 1 {
				viper.Set("redis.host", hostPort[0])
			}
			if len(hostPort) == 2 {
				if port, err := strconv.Atoi(hostPort[1]); err == nil {
					viper.Set("redis.port", port)
				}
			}
		}
		if len(parts) == 2 {
			if db, err := strconv.Atoi(parts[1]); err == nil {
				viper.Set("redis.database", db)
			}
		}
	}
}
