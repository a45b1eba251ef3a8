package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "relay"
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

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("listener.paths", []string{"logs/*.csv"})
	v.SetDefault("listener.poll_interval", "1s")
	v.SetDefault("listener.start_at_end", false)
	v.SetDefault("listener.timezone", "Asia/Kolkata")

	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_capacity", 10000)
	v.SetDefault("dispatch.max_in_flight", 64)
	v.SetDefault("dispatch.shutdown_grace", "15s")

	v.SetDefault("idempotency.backend", "sqlite")
	v.SetDefault("idempotency.retention", "72h")
	v.SetDefault("idempotency.evict_interval", "10m")

	v.SetDefault("database.path", "data/trades_relay.db")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
	v.SetDefault("logging.rotate.enabled", false)
	v.SetDefault("logging.rotate.max_size_mb", 50)
	v.SetDefault("logging.rotate.max_backups", 5)
	v.SetDefault("logging.rotate.max_age_days", 14)
	v.SetDefault("logging.rotate.compress", true)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 9102)
	v.SetDefault("monitor.namespace", "trades_relay")
	v.SetDefault("monitor.journal", true)
}

// applyDefaults 补齐 map 类配置项的默认值，viper 无法为动态键设置默认值。
func applyDefaults(cfg *Config) {
	for name, p := range cfg.Platforms {
		if p.Timeout <= 0 {
			p.Timeout = 10 * time.Second
		}
		if p.Retry.MaxAttempts <= 0 {
			p.Retry.MaxAttempts = 3
		}
		if p.Retry.MinDelay <= 0 {
			p.Retry.MinDelay = time.Second
		}
		if p.Retry.MaxDelay <= 0 {
			p.Retry.MaxDelay = 30 * time.Second
		}
		if p.Retry.Factor <= 0 {
			p.Retry.Factor = 2
		}
		if p.ResolvedKind(name) == KindTradetron && p.BaseURL == "" {
			p.BaseURL = "https://api.tradetron.tech/api"
		}
		cfg.Platforms[name] = p
	}
	for name, s := range cfg.Strategies {
		if s.Rounding == "" {
			s.Rounding = RoundDown
		}
		if s.Timezone == "" {
			s.Timezone = cfg.Listener.Timezone
		}
		cfg.Strategies[name] = s
	}
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
