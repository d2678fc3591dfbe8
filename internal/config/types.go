package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Venues   []VenueConfig  `mapstructure:"venues"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// VenueConfig 描述单个模拟交易场所的行为参数。
type VenueConfig struct {
	Name        string        `mapstructure:"name"`
	BasePrice   float64       `mapstructure:"base_price"`
	PriceJitter float64       `mapstructure:"price_jitter"`
	Fee         float64       `mapstructure:"fee"`
	MinLatency  time.Duration `mapstructure:"min_latency"`
	MaxLatency  time.Duration `mapstructure:"max_latency"`
	FailureRate float64       `mapstructure:"failure_rate"`
	Seed        int64         `mapstructure:"seed"`
}

// PipelineConfig 控制管线各阶段的行为。
type PipelineConfig struct {
	QuoteTimeout       time.Duration `mapstructure:"quote_timeout"`
	ExecuteTimeout     time.Duration `mapstructure:"execute_timeout"`
	DefaultMaxSlippage float64       `mapstructure:"default_max_slippage"`
}

// QueueConfig 控制任务调度与重试。
type QueueConfig struct {
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	OrdersPerMinute int           `mapstructure:"orders_per_minute"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
}

// CacheConfig 控制活跃订单缓存。
type CacheConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// ServerConfig 控制运维接口。
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if len(c.Venues) < 2 {
		err = multierr.Append(err, errors.New("venues 至少需要配置两个交易场所"))
	}
	seen := make(map[string]struct{}, len(c.Venues))
	for i, v := range c.Venues {
		if v.Name == "" {
			err = multierr.Append(err, fmt.Errorf("venues[%d].name 不能为空", i))
			continue
		}
		if _, dup := seen[v.Name]; dup {
			err = multierr.Append(err, fmt.Errorf("venues[%d].name 重复: %s", i, v.Name))
		}
		seen[v.Name] = struct{}{}
		if v.BasePrice <= 0 {
			err = multierr.Append(err, fmt.Errorf("venues[%d].base_price 必须大于0", i))
		}
		if v.Fee < 0 || v.Fee >= 1 {
			err = multierr.Append(err, fmt.Errorf("venues[%d].fee 必须位于[0,1)", i))
		}
		if v.PriceJitter < 0 || v.PriceJitter > 0.5 {
			err = multierr.Append(err, fmt.Errorf("venues[%d].price_jitter 应位于[0,0.5]", i))
		}
		if v.FailureRate < 0 || v.FailureRate >= 1 {
			err = multierr.Append(err, fmt.Errorf("venues[%d].failure_rate 必须位于[0,1)", i))
		}
		if v.MinLatency < 0 || v.MaxLatency < 0 {
			err = multierr.Append(err, fmt.Errorf("venues[%d] 延迟配置不能为负", i))
		}
		if v.MaxLatency > 0 && v.MinLatency > v.MaxLatency {
			err = multierr.Append(err, fmt.Errorf("venues[%d].min_latency 不能大于 max_latency", i))
		}
	}
	if c.Pipeline.QuoteTimeout <= 0 {
		err = multierr.Append(err, errors.New("pipeline.quote_timeout 必须大于0"))
	}
	if c.Pipeline.ExecuteTimeout <= 0 {
		err = multierr.Append(err, errors.New("pipeline.execute_timeout 必须大于0"))
	}
	if c.Pipeline.DefaultMaxSlippage <= 0 || c.Pipeline.DefaultMaxSlippage > 1 {
		err = multierr.Append(err, errors.New("pipeline.default_max_slippage 必须位于(0,1]"))
	}
	if c.Queue.MaxConcurrent <= 0 {
		err = multierr.Append(err, errors.New("queue.max_concurrent 必须大于0"))
	}
	if c.Queue.OrdersPerMinute <= 0 {
		err = multierr.Append(err, errors.New("queue.orders_per_minute 必须大于0"))
	}
	if c.Queue.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("queue.max_attempts 必须大于0"))
	}
	if c.Queue.BackoffBase <= 0 {
		err = multierr.Append(err, errors.New("queue.backoff_base 必须大于0"))
	}
	if c.Queue.BackoffMax < c.Queue.BackoffBase {
		err = multierr.Append(err, errors.New("queue.backoff_max 不能小于 backoff_base"))
	}
	if c.Cache.TTL <= 0 {
		err = multierr.Append(err, errors.New("cache.ttl 必须大于0"))
	}
	if c.Cache.CleanupInterval <= 0 {
		err = multierr.Append(err, errors.New("cache.cleanup_interval 必须大于0"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, errors.New("server.port 必须位于(0,65535]"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
