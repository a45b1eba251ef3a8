package platform

import (
	"fmt"

	"go.uber.org/zap"

	"trades-relay/internal/config"
)

// New 根据平台配置构建适配器。
func New(name string, cfg config.PlatformConfig, logger *zap.Logger) (Adapter, error) {
	switch cfg.ResolvedKind(name) {
	case config.KindTradetron:
		return NewTradetron(name, cfg.BaseURL, cfg.Timeout, logger), nil
	case config.KindAlgotest:
		return NewAlgotest(name, cfg.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("platform: 不支持的平台类型 %q", cfg.Kind)
	}
}

// Build 为所有启用的平台创建适配器。
func Build(platforms map[string]config.PlatformConfig, logger *zap.Logger) (map[string]Adapter, error) {
	out := make(map[string]Adapter, len(platforms))
	for name, cfg := range platforms {
		if cfg.Disabled {
			continue
		}
		a, err := New(name, cfg, logger)
		if err != nil {
			return nil, err
		}
		out[name] = a
	}
	return out, nil
}
