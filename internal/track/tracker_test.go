package track

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxishq/mindloop/internal/models"
)

func fastOpts() Options {
	return Options{Interval: time.Millisecond}
}

// scriptedRuns returns a RunFetch that replays snapshots in order, repeating
// the last one, and counts fetches.
func scriptedRuns(count *atomic.Int32, runs ...models.Run) RunFetch {
	return func(ctx context.Context) (models.Run, error) {
		i := int(count.Add(1)) - 1
		if i >= len(runs) {
			i = len(runs) - 1
		}
		return runs[i], nil
	}
}

func run(status models.RunStatus, steps ...models.Step) models.Run {
	return models.Run{ID: "r-1", Status: status, Steps: steps}
}

func TestTrackerStopsAtTerminalStatus(t *testing.T) {
	var fetches atomic.Int32
	tr := NewTracker(scriptedRuns(&fetches,
		run(models.RunQueued),
		run(models.RunRunning, models.Step{Name: "scrape", Status: models.StepRunning}),
		run(models.RunCompleted, models.Step{Name: "scrape", Status: models.StepCompleted}),
	), fastOpts())

	var updates int
	final, err := tr.Track(context.Background(), func(models.Run) { updates++ })
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, final.Status)
	assert.Equal(t, 3, updates)
	got := fetches.Load()

	// No further fetches after the terminal one.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, got, fetches.Load())
}

func TestTrackerReplacesStepsWholesale(t *testing.T) {
	var fetches atomic.Int32
	tr := NewTracker(scriptedRuns(&fetches,
		run(models.RunRunning,
			models.Step{Name: "scrape", Status: models.StepCompleted},
			models.Step{Name: "compare", Status: models.StepRunning},
		),
		run(models.RunFailed,
			models.Step{Name: "scrape", Status: models.StepCompleted},
			models.Step{Name: "compare", Status: models.StepFailed, Error: "timeout"},
		),
	), fastOpts())

	final, err := tr.Track(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, final.Steps, 2)
	assert.Equal(t, models.StepFailed, final.Steps[1].Status)
	assert.Equal(t, "timeout", final.Steps[1].Error)

	snap, ok := tr.Run()
	require.True(t, ok)
	assert.Equal(t, final, snap, "cached run is the last fetch, not a merge")
	assert.Equal(t, 1, tr.ActiveStepIndex())
}

func TestTrackerSkipsTicksWhileHidden(t *testing.T) {
	var fetches atomic.Int32
	var visible atomic.Bool

	opts := fastOpts()
	opts.Visible = visible.Load

	tr := NewTracker(scriptedRuns(&fetches, run(models.RunRunning), run(models.RunCompleted)), opts)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Track(context.Background(), nil)
		done <- err
	}()

	// The immediate attach fetch happens regardless of visibility; ticks
	// after it are skipped while hidden.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), fetches.Load())

	visible.Store(true)
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, fetches.Load(), int32(2))
}

func TestTrackerSingleInFlightFetch(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	var fetches atomic.Int32

	fetch := func(ctx context.Context) (models.Run, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		if cur > maxInFlight.Load() {
			maxInFlight.Store(cur)
		}
		// Fetch takes much longer than the poll interval.
		time.Sleep(5 * time.Millisecond)
		if fetches.Add(1) >= 3 {
			return run(models.RunCompleted), nil
		}
		return run(models.RunRunning), nil
	}

	_, err := NewTracker(fetch, fastOpts()).Track(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), maxInFlight.Load(), "no tick may start while a fetch is outstanding")
}

func TestTrackerRetriesAfterTransportFailure(t *testing.T) {
	var fetches atomic.Int32
	fetch := func(ctx context.Context) (models.Run, error) {
		if fetches.Add(1) == 1 {
			return models.Run{}, errors.New("connection refused")
		}
		return run(models.RunCompleted), nil
	}

	final, err := NewTracker(fetch, fastOpts()).Track(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, final.Status)
}

func TestTrackerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetch := func(ctx context.Context) (models.Run, error) {
		return run(models.RunRunning), nil
	}

	tr := NewTracker(fetch, fastOpts())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := tr.Track(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompilePollerCallbackFiresExactlyOnce(t *testing.T) {
	var fetches atomic.Int32
	fetch := func(ctx context.Context) (models.CompileStatus, error) {
		fetches.Add(1)
		return models.CompileStatus{RunID: "r-9", Status: models.RunCompleted}, nil
	}

	p := NewCompilePoller(fetch, fastOpts())

	var calls atomic.Int32
	onComplete := func(models.CompileStatus) { calls.Add(1) }

	// Both an immediate check and a later poll observe completed; the
	// callback must still fire only once.
	_, err := p.Poll(context.Background(), onComplete)
	require.NoError(t, err)
	_, err = p.Poll(context.Background(), onComplete)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
}

func TestCompilePollerFailedDoesNotComplete(t *testing.T) {
	fetch := func(ctx context.Context) (models.CompileStatus, error) {
		return models.CompileStatus{RunID: "r-9", Status: models.RunFailed, Error: "compile blew up"}, nil
	}

	var calls atomic.Int32
	status, err := NewCompilePoller(fetch, fastOpts()).Poll(context.Background(), func(models.CompileStatus) { calls.Add(1) })
	require.NoError(t, err)

	assert.Equal(t, models.RunFailed, status.Status)
	assert.Equal(t, "compile blew up", status.Error)
	assert.Zero(t, calls.Load())
}
