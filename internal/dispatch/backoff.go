package dispatch

import (
	"time"

	"github.com/jpillora/backoff"

	"trades-relay/internal/config"
)

// Backoff 计算第 attempt 次失败后的等待时长。
// rnd 取值 [0,1)，抖动范围为 ±cfg.Jitter。
func Backoff(cfg config.RetryConfig, attempt int, rnd float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	curve := &backoff.Backoff{
		Min:    cfg.MinDelay,
		Max:    cfg.MaxDelay,
		Factor: cfg.Factor,
	}
	d := curve.ForAttempt(float64(attempt - 1))

	if cfg.Jitter > 0 {
		d = time.Duration(float64(d) * (1 + cfg.Jitter*(2*rnd-1)))
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}
