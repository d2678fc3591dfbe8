package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "swap"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("venues", []map[string]interface{}{
		{
			"name":         "uniswap",
			"base_price":   1.0,
			"price_jitter": 0.02,
			"fee":          0.003,
			"min_latency":  "100ms",
			"max_latency":  "800ms",
			"failure_rate": 0.05,
		},
		{
			"name":         "sushiswap",
			"base_price":   1.0,
			"price_jitter": 0.02,
			"fee":          0.0025,
			"min_latency":  "150ms",
			"max_latency":  "1s",
			"failure_rate": 0.05,
		},
	})

	v.SetDefault("pipeline.quote_timeout", "10s")
	v.SetDefault("pipeline.execute_timeout", "30s")
	v.SetDefault("pipeline.default_max_slippage", 0.05)

	v.SetDefault("queue.max_concurrent", 10)
	v.SetDefault("queue.orders_per_minute", 100)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", "1s")
	v.SetDefault("queue.backoff_max", "30s")

	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.cleanup_interval", "10m")

	v.SetDefault("server.port", 8080)

	v.SetDefault("database.path", "data/swap_engine.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
