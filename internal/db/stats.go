package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/orrn/tsfarm/internal/core"
)

// StatsRecorder counts terminal state transitions per day. Notify never
// blocks; events arriving while the buffer is full are dropped.
type StatsRecorder struct {
	ch chan core.Event
}

func NewStatsRecorder(buffer int) *StatsRecorder {
	if buffer < 1 {
		buffer = 64
	}
	return &StatsRecorder{ch: make(chan core.Event, buffer)}
}

func (r *StatsRecorder) Notify(ev core.Event) {
	if ev.Kind != core.EventStateChanged || ev.Item == nil || !ev.Item.State.IsTerminal() {
		return
	}
	select {
	case r.ch <- ev:
	default:
		slog.Warn("stats buffer full, dropping event", "component", "stats", "item", ev.Item.ID)
	}
}

// Run drains recorded events until ctx is done.
func (r *StatsRecorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.ch:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := Counters.IncrementDailyCounter(wctx, ev.Item.State, ev.Time); err != nil {
				slog.Warn("failed to record job stats", "component", "stats", "error", err)
			}
			cancel()
		}
	}
}
