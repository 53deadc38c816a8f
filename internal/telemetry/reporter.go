package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/jpillora/sizestr"
)

// Reporter periodically logs aggregate traffic.
type Reporter struct {
	Counters *TrafficCounters
	Interval time.Duration
	Logger   *slog.Logger

	// Backlog, if set, reports how many local connections wait for a peer.
	Backlog func() int
}

// Run logs a summary every Interval until ctx is done. It only returns
// ctx.Err().
func (r *Reporter) Run(ctx context.Context) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := r.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	prev := r.Counters.Snapshot()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			cur := r.Counters.Snapshot()
			elapsed := now.Sub(last).Seconds()
			if elapsed <= 0 {
				elapsed = interval.Seconds()
			}
			up := cur.LocalToRemote - prev.LocalToRemote
			down := cur.RemoteToLocal - prev.RemoteToLocal

			attrs := []any{
				"active", cur.ActiveStreams,
				"total", cur.TotalStreams,
				"failed", cur.FailedStreams,
				"local_to_remote", sizestr.ToString(cur.LocalToRemote),
				"remote_to_local", sizestr.ToString(cur.RemoteToLocal),
				"local_to_remote_rate", sizestr.ToString(int64(float64(up)/elapsed)) + "/s",
				"remote_to_local_rate", sizestr.ToString(int64(float64(down)/elapsed)) + "/s",
			}
			if r.Backlog != nil {
				attrs = append(attrs, "queued", r.Backlog())
			}
			if up == 0 && down == 0 && cur.ActiveStreams == 0 {
				logger.Debug("stats: idle", attrs...)
			} else {
				logger.Info("stats: traffic", attrs...)
			}
			prev = cur
			last = now
		}
	}
}
