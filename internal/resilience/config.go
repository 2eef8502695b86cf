package resilience

import (
	"time"

	"github.com/sells-group/tariff-cli/internal/config"
)

// FromWorkerConfig returns the persisted job backoff schedule:
// worker.backoff_base_ms · worker.backoff_factor^(attempt-1), capped at
// worker.backoff_max_ms.
func FromWorkerConfig(w config.WorkerConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if w.MaxRetryAttempts > 0 {
		cfg.MaxAttempts = w.MaxRetryAttempts
	}
	if w.BackoffBaseMs > 0 {
		cfg.InitialBackoff = time.Duration(w.BackoffBaseMs) * time.Millisecond
	}
	if w.BackoffMaxMs > 0 {
		cfg.MaxBackoff = time.Duration(w.BackoffMaxMs) * time.Millisecond
	}
	if w.BackoffFactor > 0 {
		cfg.Multiplier = w.BackoffFactor
	}
	if w.JitterFraction >= 0 {
		cfg.JitterFraction = w.JitterFraction
	}
	return cfg
}
