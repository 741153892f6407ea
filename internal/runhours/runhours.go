package runhours

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Window holds one allow flag per hour of day.
type Window [24]bool

// NewWindow allows the listed hours (0-23).
func NewWindow(hours []int) (Window, error) {
	var w Window
	for _, h := range hours {
		if h < 0 || h > 23 {
			return Window{}, fmt.Errorf("hour out of range: %d", h)
		}
		w[h] = true
	}
	return w, nil
}

func (w Window) Allowed(t time.Time) bool {
	return w[t.Hour()]
}

// Pauser is the part of the queue manager the service drives.
type Pauser interface {
	SetScheduledPause(ctx context.Context, paused bool) error
}

// Service flips the scheduled pause flag as the clock leaves or enters the
// allowed window.
type Service struct {
	window   Window
	interval time.Duration
	target   Pauser
	now      func() time.Time
	log      *slog.Logger
}

func New(window Window, interval time.Duration, target Pauser) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		window:   window,
		interval: interval,
		target:   target,
		now:      time.Now,
		log:      slog.Default().With("component", "runhours"),
	}
}

// Start applies the current window immediately and then on every tick until
// ctx is done.
func (s *Service) Start(ctx context.Context) {
	last := s.apply(ctx, nil)
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				last = s.apply(ctx, last)
			}
		}
	}()
}

// apply pushes the pause flag when it differs from last.
func (s *Service) apply(ctx context.Context, last *bool) *bool {
	paused := !s.window.Allowed(s.now())
	if last != nil && *last == paused {
		return last
	}
	if err := s.target.SetScheduledPause(ctx, paused); err != nil {
		s.log.Warn("failed to set scheduled pause", "paused", paused, "error", err)
		return last
	}
	s.log.Info("run hours changed", "paused", paused)
	return &paused
}
