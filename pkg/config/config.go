package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment"`
	Server      struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		SlowThreshold   time.Duration `yaml:"slow_threshold"`
		CORSOrigins     []string      `yaml:"cors_origins"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"log"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Breaker struct {
		FailureThreshold int           `yaml:"failure_threshold"`
		SuccessThreshold int           `yaml:"success_threshold"`
		ResetTimeout     time.Duration `yaml:"reset_timeout"`
		CallTimeout      time.Duration `yaml:"call_timeout"`
	} `yaml:"breaker"`
	Cache struct {
		ChainTTL      time.Duration `yaml:"chain_ttl"`
		QuoteTTL      time.Duration `yaml:"quote_ttl"`
		UnderlyingTTL time.Duration `yaml:"underlying_ttl"`
		Redis         struct {
			Enabled  bool   `yaml:"enabled"`
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"cache"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"ratelimit"`
	Providers []struct {
		Name     string        `yaml:"name"`
		BaseURL  string        `yaml:"base_url"`
		APIKey   string        `yaml:"api_key"`
		Priority int           `yaml:"priority"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"providers"`
	Finnhub struct {
		Enabled        bool          `yaml:"enabled"`
		APIKey         string        `yaml:"api_key"`
		WebSocketURL   string        `yaml:"websocket_url"`
		Symbols        []string      `yaml:"symbols"`
		Priority       int           `yaml:"priority"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		StaleAfter     time.Duration `yaml:"stale_after"`
	} `yaml:"finnhub"`
	MLService struct {
		Enabled        bool          `yaml:"enabled"`
		BaseURL        string        `yaml:"base_url"`
		Timeout        time.Duration `yaml:"timeout"`
		MaxAttempts    int           `yaml:"max_attempts"`
		BaseDelay      time.Duration `yaml:"base_delay"`
		MaxDelay       time.Duration `yaml:"max_delay"`
		EnsembleWeight float64       `yaml:"ensemble_weight"`
	} `yaml:"ml_service"`
	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers"`
		RequiredAcks int      `yaml:"required_acks"`
		Compression  string   `yaml:"compression"`
		Topics       struct {
			BacktestResults string `yaml:"backtest_results"`
			Selections      string `yaml:"selections"`
			ModelHealth     string `yaml:"model_health"`
			Logs            string `yaml:"logs"`
		} `yaml:"topics"`
		Producer struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			Linger       time.Duration `yaml:"linger"`
			BatchSize    int           `yaml:"batch_size"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id"`
			Workers    int           `yaml:"workers"`
			RetryMax   int           `yaml:"retry_max"`
			BackoffMin time.Duration `yaml:"backoff_min"`
			BackoffMax time.Duration `yaml:"backoff_max"`
			DLQTopic   string        `yaml:"dlq_topic"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Enabled     bool          `yaml:"enabled"`
		Host        string        `yaml:"host"`
		Port        int           `yaml:"port"`
		Database    string        `yaml:"database"`
		User        string        `yaml:"user"`
		Password    string        `yaml:"password"`
		Table       string        `yaml:"table"`
		DialTimeout time.Duration `yaml:"dial_timeout"`
		ReadTimeout time.Duration `yaml:"read_timeout"`
		MaxExecTime time.Duration `yaml:"max_execution_time"`
		MaxConns    int           `yaml:"max_conns"`
		HTTP        bool          `yaml:"http"`
		LZ4         bool          `yaml:"lz4"`
	} `yaml:"clickhouse"`
	Registry struct {
		HealthInterval time.Duration `yaml:"health_interval"`
	} `yaml:"registry"`
	Selector struct {
		MinDTE  int           `yaml:"min_dte"`
		PickTTL time.Duration `yaml:"pick_ttl"`
	} `yaml:"selector"`
	Backtest struct {
		Async         bool          `yaml:"async"`
		Workers       int           `yaml:"workers"`
		RetryLimit    int           `yaml:"retry_limit"`
		RetryDelay    time.Duration `yaml:"retry_delay"`
		MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
		JobTimeout    time.Duration `yaml:"job_timeout"`
		JobTTL        time.Duration `yaml:"job_ttl"`
		Timeout       time.Duration `yaml:"timeout"`
	} `yaml:"backtest"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML bytes, applies defaults and validates.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	c.overrideFromEnv()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) overrideFromEnv() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("ML_SERVICE_URL"); v != "" {
		c.MLService.BaseURL = v
		c.MLService.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		host, port := splitHostPort(v, c.Cache.Redis.Port)
		c.Cache.Redis.Host = host
		c.Cache.Redis.Port = port
		c.Cache.Redis.Enabled = true
	}
	if v := os.Getenv("FINNHUB_API_KEY"); v != "" {
		c.Finnhub.APIKey = v
	}
	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Finnhub.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.CORSOrigins == nil {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = 3
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = 60 * time.Second
	}
	if c.Cache.ChainTTL == 0 {
		c.Cache.ChainTTL = 30 * time.Second
	}
	if c.Cache.QuoteTTL == 0 {
		c.Cache.QuoteTTL = 5 * time.Second
	}
	if c.Cache.UnderlyingTTL == 0 {
		c.Cache.UnderlyingTTL = 10 * time.Second
	}
	if c.Cache.Redis.Port == 0 {
		c.Cache.Redis.Port = 6379
	}
	if c.MLService.Timeout == 0 {
		c.MLService.Timeout = 10 * time.Second
	}
	if c.MLService.MaxAttempts == 0 {
		c.MLService.MaxAttempts = 3
	}
	if c.MLService.BaseDelay == 0 {
		c.MLService.BaseDelay = 500 * time.Millisecond
	}
	if c.MLService.MaxDelay == 0 {
		c.MLService.MaxDelay = 16 * time.Second
	}
	if c.MLService.EnsembleWeight == 0 {
		c.MLService.EnsembleWeight = 0.3
	}
	if c.Kafka.Topics.BacktestResults == "" {
		c.Kafka.Topics.BacktestResults = "leaps.backtest.results"
	}
	if c.Kafka.Topics.Selections == "" {
		c.Kafka.Topics.Selections = "leaps.selections"
	}
	if c.Kafka.Topics.ModelHealth == "" {
		c.Kafka.Topics.ModelHealth = "leaps.model.health"
	}
	if c.Kafka.Topics.Logs == "" {
		c.Kafka.Topics.Logs = "leaps.logs"
	}
	if c.ClickHouse.Table == "" {
		c.ClickHouse.Table = "leaps.underlying_daily"
	}
	if c.Registry.HealthInterval == 0 {
		c.Registry.HealthInterval = time.Minute
	}
	if c.Selector.MinDTE == 0 {
		c.Selector.MinDTE = 365
	}
	if c.Selector.PickTTL == 0 {
		c.Selector.PickTTL = 24 * time.Hour
	}
	if c.Backtest.Workers == 0 {
		c.Backtest.Workers = 2
	}
	if c.Backtest.RetryDelay == 0 {
		c.Backtest.RetryDelay = 30 * time.Second
	}
	if c.Backtest.MaxRetryDelay == 0 {
		c.Backtest.MaxRetryDelay = 10 * time.Minute
	}
	if c.Backtest.JobTimeout == 0 {
		c.Backtest.JobTimeout = 10 * time.Minute
	}
	if c.Backtest.JobTTL == 0 {
		c.Backtest.JobTTL = 24 * time.Hour
	}
	if c.Backtest.Timeout == 0 {
		c.Backtest.Timeout = 5 * time.Minute
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.Breaker.SuccessThreshold < 1 || c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker thresholds must be >= 1")
	}
	if c.MLService.Enabled && c.MLService.BaseURL == "" {
		return fmt.Errorf("ml_service.base_url is required when ml_service is enabled")
	}
	if c.MLService.EnsembleWeight < 0 || c.MLService.EnsembleWeight > 1 {
		return fmt.Errorf("ml_service.ensemble_weight must be within [0,1], got %v", c.MLService.EnsembleWeight)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.Finnhub.Enabled {
		if c.Finnhub.APIKey == "" {
			return fmt.Errorf("finnhub.api_key is required")
		}
		if len(c.Finnhub.Symbols) == 0 {
			return fmt.Errorf("finnhub.symbols cannot be empty")
		}
	}
	if c.Backtest.Async && !c.Cache.Redis.Enabled {
		return fmt.Errorf("backtest.async requires cache.redis to be enabled")
	}
	if c.ClickHouse.Enabled && c.ClickHouse.Host == "" {
		return fmt.Errorf("clickhouse.host is required when clickhouse is enabled")
	}
	for i, p := range c.Providers {
		if p.Name == "" || p.BaseURL == "" {
			return fmt.Errorf("providers[%d]: name and base_url are required", i)
		}
	}
	return nil
}

func splitHostPort(addr string, defPort int) (string, int) {
	host, portStr, ok := strings.Cut(addr, ":")
	if !ok {
		return addr, defPort
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil || port <= 0 {
		return host, defPort
	}
	return host, port
}
