package track

import (
	"context"
	"sync"

	"github.com/praxishq/mindloop/internal/models"
)

// CompileFetch fetches the coarse status of a compile-and-publish operation.
type CompileFetch func(ctx context.Context) (models.CompileStatus, error)

// CompilePoller observes a compile operation until it reaches a terminal
// status. Unlike Tracker it watches a single coarse status, and it invokes a
// caller-supplied completion callback exactly once on success, even if the
// terminal status is observed more than once.
type CompilePoller struct {
	fetch CompileFetch
	opts  Options

	completeOnce sync.Once
}

// NewCompilePoller creates a poller over fetch.
func NewCompilePoller(fetch CompileFetch, opts Options) *CompilePoller {
	return &CompilePoller{fetch: fetch, opts: opts}
}

// Poll polls until the compile completes or fails. onComplete fires exactly
// once, and only for the completed status; a failed compile returns the
// failed snapshot with a nil error so the caller can offer a retry without
// leaving its current phase.
func (p *CompilePoller) Poll(ctx context.Context, onComplete func(models.CompileStatus)) (models.CompileStatus, error) {
	var last models.CompileStatus
	err := pollUntil(ctx, p.opts, func(ctx context.Context) (bool, error) {
		status, err := p.fetch(ctx)
		if err != nil {
			return false, err
		}
		last = status
		return status.Status.Terminal(), nil
	})
	if err != nil {
		return last, err
	}

	if last.Status == models.RunCompleted && onComplete != nil {
		p.completeOnce.Do(func() { onComplete(last) })
	}
	return last, nil
}
