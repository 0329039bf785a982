package stats

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is the publish cadence used when none is configured.
const DefaultInterval = 2 * time.Second

// ChannelSupplier returns the channel to publish on, or nil when no observer
// is connected.
type ChannelSupplier func() Channel

// Reporter periodically publishes a Statistics snapshot.
type Reporter struct {
	stats    *Statistics
	supplier ChannelSupplier
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	purpose string
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewReporter builds a stopped reporter.
func NewReporter(s *Statistics, supplier ChannelSupplier, interval time.Duration, logger *zap.Logger) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		stats:    s,
		supplier: supplier,
		interval: interval,
		logger:   logger.Named("stats"),
	}
}

// Start begins publishing under purpose, replacing any previous run.
func (r *Reporter) Start(ctx context.Context, purpose string) {
	r.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.mu.Lock()
	r.purpose = purpose
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go r.run(runCtx, purpose, done)
}

// Stop halts publishing and emits a final snapshot so observers see the
// settled counters.
func (r *Reporter) Stop() {
	r.mu.Lock()
	cancel, done, purpose := r.cancel, r.done, r.purpose
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.PublishNow(context.Background(), purpose)
}

// PublishNow publishes immediately outside the ticker.
func (r *Reporter) PublishNow(ctx context.Context, purpose string) {
	var ch Channel
	if r.supplier != nil {
		ch = r.supplier()
	}
	if err := r.stats.Publish(ctx, ch, purpose); err != nil {
		r.logger.Warn("statistics publish failed", zap.String("purpose", purpose), zap.Error(err))
	}
}

func (r *Reporter) run(ctx context.Context, purpose string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.PublishNow(ctx, purpose)
		}
	}
}
