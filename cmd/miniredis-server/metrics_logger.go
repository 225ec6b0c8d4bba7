package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harryheman/mini-redis/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"connections_accepted", snap.Accepted,
					"connections_active", snap.Active,
					"accept_errors", snap.AcceptErrs,
					"pubsub_fanout", snap.Fanout,
					"pubsub_lagged", snap.Lagged,
					"reaper_evictions", snap.Evictions,
					"errors", snap.Errors,
					"protocol_errors", snap.Protocol,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
