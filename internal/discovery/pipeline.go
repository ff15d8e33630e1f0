// Package discovery drives the batch discovery pipeline: a scrape-and-compare
// run over an external content source, human review of the proposed changes,
// and a publish run that commits the approved ones into a new knowledge
// version. It is the sibling of the session state machine, assembled from the
// same tracker, ledger, and poller parts; only the phases before review
// differ.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/praxishq/mindloop/internal/client"
	"github.com/praxishq/mindloop/internal/models"
	"github.com/praxishq/mindloop/internal/review"
	"github.com/praxishq/mindloop/internal/track"
)

// Phase is the pipeline's lifecycle phase.
type Phase string

const (
	PhaseDiscovering Phase = "discovering"
	PhaseReview      Phase = "review"
	PhasePublishing  Phase = "publishing"
	PhasePublished   Phase = "published"
)

var (
	// ErrWrongPhase is returned when an operation does not match the
	// pipeline's current phase.
	ErrWrongPhase = errors.New("operation not allowed in current phase")
	// ErrPublishBlocked is returned when publish is requested while
	// proposals are still pending review.
	ErrPublishBlocked = errors.New("publish blocked: proposals still pending review")
	// ErrDiscoveryFailed is returned when the scrape-and-compare run fails.
	ErrDiscoveryFailed = errors.New("discovery run failed")
	// ErrPublishFailed is returned when the publish run fails. The pipeline
	// stays in publishing; Publish may be invoked again.
	ErrPublishFailed = errors.New("publish run failed")
)

// Options configures a Pipeline.
type Options struct {
	Logger       *slog.Logger
	PollInterval time.Duration
	Visible      func() bool
}

// Pipeline is the top-level controller for one discovery batch.
type Pipeline struct {
	api    *client.Client
	logger *slog.Logger
	opts   Options

	mu           sync.Mutex
	phase        Phase
	run          models.Run
	publishRunID string
	result       models.Result
	ledger       *review.Ledger
}

// Start kicks off a new scrape-and-compare run for the agent over source.
func Start(ctx context.Context, api *client.Client, agentID, source string, opts Options) (*Pipeline, error) {
	p := newPipeline(api, opts)

	run, err := api.StartDiscovery(ctx, agentID, source)
	if err != nil {
		return nil, fmt.Errorf("start discovery: %w", err)
	}

	p.run = run
	p.phase = PhaseDiscovering
	p.logger.Info("discovery started", "run_id", run.ID, "source", source)
	return p, nil
}

// Resume re-attaches to an existing discovery run, deriving the pipeline
// phase from the server-reported run state rather than any client memory.
func Resume(ctx context.Context, api *client.Client, runID string, opts Options) (*Pipeline, error) {
	p := newPipeline(api, opts)

	run, err := api.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("fetch run: %w", err)
	}
	p.run = run

	switch run.Status {
	case models.RunCompleted:
		if err := p.enterReview(ctx); err != nil {
			return nil, err
		}
	default:
		p.phase = PhaseDiscovering
	}
	return p, nil
}

func newPipeline(api *client.Client, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		api:    api,
		logger: opts.Logger,
		opts:   opts,
		phase:  PhaseDiscovering,
	}
}

// Phase returns the cached pipeline phase.
func (p *Pipeline) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Run returns the latest snapshot of the discovery run.
func (p *Pipeline) Run() models.Run {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run
}

// Result returns the batch outcome once the pipeline has published.
func (p *Pipeline) Result() models.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Ledger returns the proposal ledger, which exists only in the review phase.
func (p *Pipeline) Ledger() *review.Ledger {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger
}

// Watch polls the scrape-and-compare run to completion, then loads its
// proposals and enters review. A batch that produced no proposals publishes
// immediately with result no_changes, skipping review. A failed run leaves
// the pipeline in discovering and returns ErrDiscoveryFailed; starting a
// fresh pipeline is the retry path.
func (p *Pipeline) Watch(ctx context.Context, onUpdate func(models.Run)) error {
	p.mu.Lock()
	if p.phase != PhaseDiscovering {
		phase := p.phase
		p.mu.Unlock()
		return fmt.Errorf("%w: watch requires discovering, pipeline is %s", ErrWrongPhase, phase)
	}
	runID := p.run.ID
	p.mu.Unlock()

	tracker := track.NewTracker(func(ctx context.Context) (models.Run, error) {
		return p.api.GetRun(ctx, runID)
	}, track.Options{
		Interval: p.opts.PollInterval,
		Visible:  p.opts.Visible,
		Logger:   p.logger,
	})

	final, err := tracker.Track(ctx, func(run models.Run) {
		p.mu.Lock()
		p.run = run
		p.mu.Unlock()
		if onUpdate != nil {
			onUpdate(run)
		}
	})
	if err != nil {
		return err
	}

	if final.Status == models.RunFailed {
		p.logger.Warn("discovery run failed", "run_id", runID, "error", final.Error)
		if final.Error != "" {
			return fmt.Errorf("%w: %s", ErrDiscoveryFailed, final.Error)
		}
		return ErrDiscoveryFailed
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enterReview(ctx)
}

// enterReview loads the run's proposals and moves to review, or straight to
// published when there is nothing to review. Caller must hold p.mu.
func (p *Pipeline) enterReview(ctx context.Context) error {
	proposals, err := p.api.GetRunProposals(ctx, p.run.ID)
	if err != nil {
		return fmt.Errorf("fetch proposals: %w", err)
	}

	if len(proposals) == 0 {
		p.phase = PhasePublished
		p.result = models.ResultNoChanges
		p.logger.Info("discovery found nothing new", "run_id", p.run.ID)
		return nil
	}

	runID := p.run.ID
	p.ledger = review.NewLedger(func(ctx context.Context, proposalID string, status models.ProposalStatus) error {
		return p.api.SetRunProposalStatus(ctx, runID, proposalID, status)
	}, proposals, p.logger)
	p.phase = PhaseReview
	p.logger.Info("discovery batch ready for review", "run_id", runID, "proposals", len(proposals))
	return nil
}

// Publish starts the publish run for the reviewed batch. Valid from review
// when no proposal is pending, and from publishing as a retry after a failed
// run. A batch whose proposals were all rejected auto-publishes with result
// all_rejected and no run is tracked.
func (p *Pipeline) Publish(ctx context.Context) error {
	p.mu.Lock()
	phase := p.phase
	ledger := p.ledger
	runID := p.run.ID
	p.mu.Unlock()

	switch phase {
	case PhaseReview:
		if ledger != nil {
			if pending, _, _ := ledger.Counts(); pending > 0 {
				return ErrPublishBlocked
			}
		}
	case PhasePublishing:
		// Retry after a failed run.
	default:
		return fmt.Errorf("%w: publish requires review or publishing, pipeline is %s", ErrWrongPhase, phase)
	}

	start, err := p.api.StartPublish(ctx, runID)
	if err != nil {
		return fmt.Errorf("start publish: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if start.AutoCompleted {
		p.phase = PhasePublished
		p.result = start.Result
		p.ledger = nil
		p.logger.Info("batch auto-completed on publish request", "run_id", runID, "result", start.Result)
		return nil
	}
	p.publishRunID = start.RunID
	p.phase = PhasePublishing
	p.ledger = nil
	p.logger.Info("publish started", "run_id", runID, "publish_run_id", start.RunID)
	return nil
}

// WatchPublish polls the publish run to a terminal status. On success the
// pipeline reaches published with result learned; on failure it stays in
// publishing and ErrPublishFailed is returned so the caller can retry.
func (p *Pipeline) WatchPublish(ctx context.Context, onUpdate func(models.Run)) error {
	p.mu.Lock()
	if p.phase != PhasePublishing {
		phase := p.phase
		p.mu.Unlock()
		return fmt.Errorf("%w: watch publish requires publishing, pipeline is %s", ErrWrongPhase, phase)
	}
	publishRunID := p.publishRunID
	p.mu.Unlock()

	tracker := track.NewTracker(func(ctx context.Context) (models.Run, error) {
		return p.api.GetRun(ctx, publishRunID)
	}, track.Options{
		Interval: p.opts.PollInterval,
		Visible:  p.opts.Visible,
		Logger:   p.logger,
	})

	final, err := tracker.Track(ctx, onUpdate)
	if err != nil {
		return err
	}

	if final.Status == models.RunFailed {
		p.logger.Warn("publish run failed", "publish_run_id", publishRunID, "error", final.Error)
		if final.Error != "" {
			return fmt.Errorf("%w: %s", ErrPublishFailed, final.Error)
		}
		return ErrPublishFailed
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase != PhasePublished {
		p.phase = PhasePublished
		p.result = models.ResultLearned
		p.logger.Info("batch published", "publish_run_id", publishRunID)
	}
	return nil
}
