package cache

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/creasty/defaults"
)

type RedisOption func(*RedisConfig)

// RedisConfig fields left zero take their `default` tag.
type RedisConfig struct {
	Host         string        `default:"localhost"`
	Port         int           `default:"6379"`
	Password     string
	DB           int
	PoolSize     int           `default:"10"`
	MinIdleConns int           `default:"2"`
	PoolTimeout  time.Duration `default:"30s"`
	DialTimeout  time.Duration `default:"5s"`
	Prefix       string        `default:"leaps"`
	ScanCount    int64         `default:"200"`
}

func (c *RedisConfig) addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

func WithRedisHost(host string) RedisOption            { return func(c *RedisConfig) { c.Host = host } }
func WithRedisPort(port int) RedisOption               { return func(c *RedisConfig) { c.Port = port } }
func WithRedisPassword(password string) RedisOption    { return func(c *RedisConfig) { c.Password = password } }
func WithRedisDB(db int) RedisOption                   { return func(c *RedisConfig) { c.DB = db } }
func WithRedisPrefix(prefix string) RedisOption        { return func(c *RedisConfig) { c.Prefix = prefix } }
func WithRedisDialTimeout(d time.Duration) RedisOption { return func(c *RedisConfig) { c.DialTimeout = d } }

// WithRedisScanCount sets the SCAN page size for DeleteMatching. n <= 0 keeps the default.
func WithRedisScanCount(n int64) RedisOption {
	return func(c *RedisConfig) {
		if n > 0 {
			c.ScanCount = n
		}
	}
}

func WithRedisPool(size, minIdle int, timeout time.Duration) RedisOption {
	return func(c *RedisConfig) {
		c.PoolSize, c.MinIdleConns, c.PoolTimeout = size, minIdle, timeout
	}
}

func newRedisConfig(opts ...RedisOption) (*RedisConfig, error) {
	cfg := &RedisConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("redis config: %w", err)
	}
	return cfg, nil
}
