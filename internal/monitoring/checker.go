package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/metrics"
)

// Checker refreshes the queue gauges and announces alert transitions on a
// fixed interval.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	metrics   *metrics.Metrics
	lookback  int
	interval  time.Duration
	log       *zap.Logger
}

// NewChecker creates a Checker. m may be nil.
func NewChecker(collector *Collector, alerter *Alerter, m *metrics.Metrics, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		metrics:   m,
		lookback:  cfg.LookbackWindowHours,
		interval:  interval,
		log:       zap.L().With(zap.String("component", "monitoring")),
	}
}

// Run checks once immediately and then every interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("monitoring: checker started", zap.Duration("interval", c.interval), zap.Int("lookback_hours", c.lookback))
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		c.Check(ctx)
		select {
		case <-ctx.Done():
			c.log.Info("monitoring: checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check collects a snapshot, publishes the gauges and sends alert
// transitions. It returns the alerts currently firing.
func (c *Checker) Check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error("monitoring: collect", zap.Error(err))
		}
		return nil
	}
	c.metrics.SetQueue(snap.Queue, snap.DLQDepth, snap.ReviewBacklog)

	firing := c.alerter.Evaluate(snap)
	changes := c.alerter.Transitions(firing)
	if len(changes) > 0 {
		sent := c.alerter.SendAlerts(ctx, changes)
		c.log.Info("monitoring: alert state changed",
			zap.Int("firing", len(firing)),
			zap.Int("changes", len(changes)),
			zap.Int("sent", sent),
		)
	}
	return firing
}
