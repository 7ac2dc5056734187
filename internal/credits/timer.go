package credits

import (
	"context"
	"log/slog"
	"time"
)

const rolloverBatch = 500

// RolloverTimer periodically resets accounts whose billing period ended,
// so pending cancellations apply even to users who never come back.
type RolloverTimer struct {
	ledger   *Ledger
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewRolloverTimer creates a rollover timer. A non-positive interval
// defaults to one hour.
func NewRolloverTimer(ledger *Ledger, interval time.Duration, logger *slog.Logger) *RolloverTimer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RolloverTimer{
		ledger:   ledger,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the rollover loop. Call in a goroutine.
func (t *RolloverTimer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *RolloverTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *RolloverTimer) sweep(ctx context.Context) {
	count, err := t.ledger.RolloverDue(ctx, rolloverBatch)
	if err != nil {
		t.logger.Warn("failed to roll over credit periods", "error", err)
		return
	}
	if count > 0 {
		t.logger.Info("credit periods rolled over", "count", count)
	}
}
