package track

import (
	"context"
	"sync"

	"github.com/praxishq/mindloop/internal/models"
)

// RunFetch fetches the current state of the tracked run.
type RunFetch func(ctx context.Context) (models.Run, error)

// Tracker observes one multi-step run until it reaches a terminal status.
// Each fetch replaces the cached run and step list wholesale; the server is
// the sole source of truth for step state.
type Tracker struct {
	fetch RunFetch
	opts  Options

	mu     sync.RWMutex
	run    models.Run
	hasRun bool
}

// NewTracker creates a tracker over fetch.
func NewTracker(fetch RunFetch, opts Options) *Tracker {
	return &Tracker{fetch: fetch, opts: opts}
}

// Run returns the latest run snapshot, if any fetch has succeeded yet.
func (t *Tracker) Run() (models.Run, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.run, t.hasRun
}

// ActiveStepIndex returns the display index of the currently active step of
// the latest snapshot, or -1 before the first fetch.
func (t *Tracker) ActiveStepIndex() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.hasRun {
		return -1
	}
	return models.ActiveStepIndex(t.run.Steps)
}

// Track polls the run to a terminal status, invoking onUpdate (if non-nil)
// after every successful fetch. It blocks until the run completes or fails,
// or until ctx is cancelled, and returns the final snapshot.
func (t *Tracker) Track(ctx context.Context, onUpdate func(models.Run)) (models.Run, error) {
	err := pollUntil(ctx, t.opts, func(ctx context.Context) (bool, error) {
		run, err := t.fetch(ctx)
		if err != nil {
			return false, err
		}

		t.mu.Lock()
		t.run = run
		t.hasRun = true
		t.mu.Unlock()

		if onUpdate != nil {
			onUpdate(run)
		}
		return run.Status.Terminal(), nil
	})
	if err != nil {
		run, _ := t.Run()
		return run, err
	}
	run, _ := t.Run()
	return run, nil
}
