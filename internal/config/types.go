package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App         AppConfig                 `mapstructure:"app"`
	Listener    ListenerConfig            `mapstructure:"listener"`
	Dispatch    DispatchConfig            `mapstructure:"dispatch"`
	Idempotency IdempotencyConfig         `mapstructure:"idempotency"`
	Platforms   map[string]PlatformConfig `mapstructure:"platforms"`
	Strategies  map[string]StrategyConfig `mapstructure:"strategies"`
	Database    DatabaseConfig            `mapstructure:"database"`
	Logging     LoggingConfig             `mapstructure:"logging"`
	Monitor     MonitorConfig             `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ListenerConfig 描述信号日志文件的监听方式。
type ListenerConfig struct {
	Paths        []string      `mapstructure:"paths"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StartAtEnd   bool          `mapstructure:"start_at_end"`
	Timezone     string        `mapstructure:"timezone"`
}

// DispatchConfig 控制工作池与队列容量。
type DispatchConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
	MaxInFlight   int           `mapstructure:"max_in_flight"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// IdempotencyConfig 控制去重记录的存储与保留。
type IdempotencyConfig struct {
	Backend       string        `mapstructure:"backend"`
	Retention     time.Duration `mapstructure:"retention"`
	EvictInterval time.Duration `mapstructure:"evict_interval"`
}

// PlatformConfig 描述单个下游交易平台。
type PlatformConfig struct {
	Kind     string        `mapstructure:"kind"`
	Disabled bool          `mapstructure:"disabled"`
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Retry    RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Factor      float64       `mapstructure:"factor"`
	Jitter      float64       `mapstructure:"jitter"`
}

// StrategyConfig 描述单个策略的风控与路由。
type StrategyConfig struct {
	Disabled    bool                     `mapstructure:"disabled"`
	Multiplier  float64                  `mapstructure:"multiplier"`
	Rounding    string                   `mapstructure:"rounding"`
	Timezone    string                   `mapstructure:"timezone"`
	Weekdays    []string                 `mapstructure:"weekdays"`
	Sessions    []string                 `mapstructure:"sessions"`
	MinQuantity int64                    `mapstructure:"min_quantity"`
	MaxQuantity int64                    `mapstructure:"max_quantity"`
	MinPrice    float64                  `mapstructure:"min_price"`
	MaxPrice    float64                  `mapstructure:"max_price"`
	Platforms   []string                 `mapstructure:"platforms"`
	Webhooks    map[string]WebhookConfig `mapstructure:"webhooks"`
	Symbols     map[string]SymbolConfig  `mapstructure:"symbols"`
}

// WebhookConfig 为策略在某个平台上的接入凭据。
type WebhookConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// SymbolConfig 描述标的的手数与各平台映射值。
type SymbolConfig struct {
	LotSize int64             `mapstructure:"lot_size"`
	Values  map[string]string `mapstructure:"values"`
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
	Level            string       `mapstructure:"level"`
	Encoding         string       `mapstructure:"encoding"`
	Development      bool         `mapstructure:"development"`
	OutputPaths      []string     `mapstructure:"output_paths"`
	ErrorOutputPaths []string     `mapstructure:"error_output_paths"`
	Rotate           RotateConfig `mapstructure:"rotate"`
}

// RotateConfig 控制文件日志的切割。
type RotateConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Port      int    `mapstructure:"port"`
	Namespace string `mapstructure:"namespace"`
	Journal   bool   `mapstructure:"journal"`
}

// Strategy 按名称查找策略，名称大小写不敏感。
func (c *Config) Strategy(name string) (StrategyConfig, bool) {
	if s, ok := c.Strategies[name]; ok {
		return s, true
	}
	for key, s := range c.Strategies {
		if strings.EqualFold(key, name) {
			return s, true
		}
	}
	return StrategyConfig{}, false
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if len(c.Listener.Paths) == 0 {
		err = multierr.Append(err, errors.New("listener.paths 至少包含一个文件或通配符"))
	}
	for _, p := range c.Listener.Paths {
		if strings.ContainsAny(filepath.Dir(p), "*?[") {
			err = multierr.Append(err, fmt.Errorf("listener.paths %q 的目录部分不支持通配符", p))
		}
	}
	if c.Listener.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("listener.poll_interval 必须大于0"))
	}
	if _, locErr := time.LoadLocation(c.Listener.Timezone); locErr != nil {
		err = multierr.Append(err, fmt.Errorf("listener.timezone 无效: %w", locErr))
	}
	if c.Dispatch.Workers <= 0 {
		err = multierr.Append(err, errors.New("dispatch.workers 必须大于0"))
	}
	if c.Dispatch.QueueCapacity <= 0 {
		err = multierr.Append(err, errors.New("dispatch.queue_capacity 必须大于0"))
	}
	if c.Dispatch.MaxInFlight <= 0 {
		err = multierr.Append(err, errors.New("dispatch.max_in_flight 必须大于0"))
	}
	if c.Dispatch.ShutdownGrace < 0 {
		err = multierr.Append(err, errors.New("dispatch.shutdown_grace 不能为负"))
	}
	switch c.Idempotency.Backend {
	case "sqlite", "memory":
	default:
		err = multierr.Append(err, fmt.Errorf("idempotency.backend 不支持 %q", c.Idempotency.Backend))
	}
	if c.Idempotency.Retention <= 0 {
		err = multierr.Append(err, errors.New("idempotency.retention 必须大于0"))
	}
	if c.Idempotency.EvictInterval <= 0 {
		err = multierr.Append(err, errors.New("idempotency.evict_interval 必须大于0"))
	}
	if len(c.Platforms) == 0 {
		err = multierr.Append(err, errors.New("platforms 至少配置一个平台"))
	}
	for name, p := range c.Platforms {
		err = multierr.Append(err, p.validate(name))
	}
	if len(c.Strategies) == 0 {
		err = multierr.Append(err, errors.New("strategies 至少配置一个策略"))
	}
	for name, s := range c.Strategies {
		err = multierr.Append(err, s.validate(name, c.Platforms))
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
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func (p PlatformConfig) validate(name string) error {
	var err error

	switch p.ResolvedKind(name) {
	case KindTradetron:
		if _, parseErr := url.ParseRequestURI(p.BaseURL); parseErr != nil {
			err = multierr.Append(err, fmt.Errorf("platforms.%s.base_url 无效: %w", name, parseErr))
		}
	case KindAlgotest:
	default:
		err = multierr.Append(err, fmt.Errorf("platforms.%s.kind 不支持 %q", name, p.Kind))
	}
	if p.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("platforms.%s.timeout 必须大于0", name))
	}

	r := p.Retry
	if r.MaxAttempts <= 0 {
		err = multierr.Append(err, fmt.Errorf("platforms.%s.retry.max_attempts 必须大于0", name))
	}
	if r.MinDelay <= 0 || r.MaxDelay <= 0 {
		err = multierr.Append(err, fmt.Errorf("platforms.%s.retry.delay 必须为正", name))
	}
	if r.MinDelay > r.MaxDelay {
		err = multierr.Append(err, fmt.Errorf("platforms.%s.retry.min_delay 不能大于 max_delay", name))
	}
	if r.Jitter < 0 || r.Jitter >= 1.0/3 {
		err = multierr.Append(err, fmt.Errorf("platforms.%s.retry.jitter 必须位于[0,1/3)", name))
	}
	// 保证抖动后相邻两次等待仍严格递增
	if r.Factor*(1-r.Jitter) <= 1+r.Jitter {
		err = multierr.Append(err, fmt.Errorf("platforms.%s.retry.factor 过小，无法保证退避递增", name))
	}

	return err
}

// ResolvedKind 返回平台类型，未显式配置时沿用名称。
func (p PlatformConfig) ResolvedKind(name string) string {
	if p.Kind != "" {
		return strings.ToLower(p.Kind)
	}
	return strings.ToLower(name)
}

const (
	KindTradetron = "tradetron"
	KindAlgotest  = "algotest"
)

func (s StrategyConfig) validate(name string, platforms map[string]PlatformConfig) error {
	var err error

	if s.Multiplier <= 0 {
		err = multierr.Append(err, fmt.Errorf("strategies.%s.multiplier 必须大于0", name))
	}
	switch s.Rounding {
	case "", RoundDown, RoundNearest:
	default:
		err = multierr.Append(err, fmt.Errorf("strategies.%s.rounding 不支持 %q", name, s.Rounding))
	}
	if _, locErr := time.LoadLocation(s.Timezone); locErr != nil {
		err = multierr.Append(err, fmt.Errorf("strategies.%s.timezone 无效: %w", name, locErr))
	}
	if _, wdErr := ParseWeekdays(s.Weekdays); wdErr != nil {
		err = multierr.Append(err, fmt.Errorf("strategies.%s.weekdays: %w", name, wdErr))
	}
	if len(s.Sessions) == 0 {
		err = multierr.Append(err, fmt.Errorf("strategies.%s.sessions 至少包含一个交易时段", name))
	}
	if _, sessErr := ParseSessions(s.Sessions); sessErr != nil {
		err = multierr.Append(err, fmt.Errorf("strategies.%s.sessions: %w", name, sessErr))
	}
	if s.MinQuantity < 0 || s.MaxQuantity < 0 {
		err = multierr.Append(err, fmt.Errorf("strategies.%s 数量上下限不能为负", name))
	}
	if s.MaxQuantity > 0 && s.MinQuantity > s.MaxQuantity {
		err = multierr.Append(err, fmt.Errorf("strategies.%s.min_quantity 不能大于 max_quantity", name))
	}
	if s.MinPrice < 0 || s.MaxPrice < 0 {
		err = multierr.Append(err, fmt.Errorf("strategies.%s 价格上下限不能为负", name))
	}
	if s.MaxPrice > 0 && s.MinPrice > s.MaxPrice {
		err = multierr.Append(err, fmt.Errorf("strategies.%s.min_price 不能大于 max_price", name))
	}
	if len(s.Platforms) == 0 {
		err = multierr.Append(err, fmt.Errorf("strategies.%s.platforms 至少路由到一个平台", name))
	}
	for _, p := range s.Platforms {
		if _, ok := platforms[p]; !ok {
			err = multierr.Append(err, fmt.Errorf("strategies.%s 路由到未配置的平台 %q", name, p))
		}
	}
	if len(s.Symbols) == 0 {
		err = multierr.Append(err, fmt.Errorf("strategies.%s.symbols 至少映射一个标的", name))
	}
	for sym, sc := range s.Symbols {
		if sc.LotSize <= 0 {
			err = multierr.Append(err, fmt.Errorf("strategies.%s.symbols.%s.lot_size 必须大于0", name, sym))
		}
	}

	return err
}

const (
	RoundDown    = "down"
	RoundNearest = "nearest"
)
