package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// inboundLimiter counts received messages per interval and rejects the
// excess. Counters are atomic so the delivery path never takes a lock.
type inboundLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newInboundLimiter(limit int64, interval time.Duration, logger *slog.Logger) *inboundLimiter {
	return &inboundLimiter{limit: limit, interval: interval, logger: logger}
}

// run resets the window every interval until ctx is done, warning when
// messages were dropped in the window that just closed.
func (r *inboundLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			if dropped := r.dropped.Swap(0); dropped > 0 {
				r.logger.Warn("mqtt inbound messages dropped",
					"received", count,
					"dropped", dropped,
					"limit", r.limit,
					"interval", r.interval,
				)
			}
		}
	}
}

func (r *inboundLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
