// Package track observes background runs to completion by polling.
//
// The polling discipline is fetch-then-sleep-then-fetch: a tick never starts
// while a previous fetch is outstanding, so at most one request per poller is
// in flight and only the most recent result is ever applied. Ticks that fire
// while the host view is not visible are skipped outright; polling resumes on
// the next tick after visibility returns.
package track

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval is the poll interval used when none is configured.
const DefaultInterval = 3 * time.Second

// Options configures a poller.
type Options struct {
	// Interval between the end of one fetch and the start of the next.
	Interval time.Duration
	// Visible gates scheduled ticks; nil means always visible.
	Visible func() bool
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Visible == nil {
		o.Visible = func() bool { return true }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// pollUntil runs step once immediately, then once per interval tick, until
// step reports done or ctx is cancelled. A step error is logged and polling
// continues; only cancellation stops the loop early.
func pollUntil(ctx context.Context, opts Options, step func(context.Context) (bool, error)) error {
	opts = opts.withDefaults()

	for first := true; ; first = false {
		if !first {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.Interval):
			}
			if !opts.Visible() {
				continue
			}
		}

		done, err := step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			opts.Logger.Warn("poll fetch failed, will retry", "error", err)
			continue
		}
		if done {
			return nil
		}
	}
}
