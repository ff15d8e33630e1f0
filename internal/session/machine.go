// Package session drives one learning session through its phase lifecycle:
// chatting, reading, proposals, compiling, completed, with abandoned
// reachable only from chatting.
//
// The machine owns the cached session state exclusively while a view is
// attached to it. It is driven from one logical loop: at most one of {chat
// exchange, reading stream, proposal mutation, compile poll} is active at a
// time, matching the current phase. Phase is never changed on client
// initiative alone; every transition follows a backend-confirmed action or
// an observed stream/poll event.
package session

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

var (
	// ErrWrongPhase is returned when an operation does not match the
	// session's current phase.
	ErrWrongPhase = errors.New("operation not allowed in current phase")
	// ErrCompileBlocked is returned when compile is requested while
	// proposals are still pending review.
	ErrCompileBlocked = errors.New("compile blocked: proposals still pending review")
	// ErrCompileFailed is returned when the compile run fails. The session
	// stays in the compiling phase; StartCompile may be invoked again.
	ErrCompileFailed = errors.New("compile run failed")
	// ErrReadingFailed is returned when the extraction stream reports an
	// application error. The session falls back to chatting.
	ErrReadingFailed = errors.New("reading failed")
)

// MinExchangeForReading is the minimum number of user/assistant turns before
// the backend accepts a reading request.
const MinExchangeForReading = 2

// Options configures a Machine.
type Options struct {
	Logger *slog.Logger
	// PollInterval applies to compile polling; zero uses track.DefaultInterval.
	PollInterval time.Duration
	// Visible gates poll ticks while the owning view is backgrounded.
	Visible func() bool
}

// Machine is the top-level controller for one session.
type Machine struct {
	api     *client.Client
	subject client.Subject
	logger  *slog.Logger
	opts    Options

	mu       sync.Mutex
	session  models.Session
	messages []models.Message
	ledger   *review.Ledger
}

// New creates a machine for a session that does not exist on the backend
// yet. The backend creates the session on the first chat message and the
// machine captures the assigned identifier from the stream.
func New(api *client.Client, subject client.Subject, opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Machine{
		api:     api,
		subject: subject,
		logger:  opts.Logger,
		opts:    opts,
		session: models.Session{
			Subject: subject.Ref(),
			Phase:   models.PhaseChatting,
		},
	}
}

// Attach creates a machine for an existing session and loads its
// authoritative state. The live phase always comes from the server here,
// never from client memory: reading and compiling can both finish while no
// client is attached.
func Attach(ctx context.Context, api *client.Client, subject client.Subject, sessionID string, opts Options) (*Machine, error) {
	m := New(api, subject, opts)
	m.session.ID = sessionID
	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Refresh re-fetches the server-held session state and replaces everything
// cached. Used on attach and after any error that casts doubt on local
// state.
func (m *Machine) Refresh(ctx context.Context) error {
	m.mu.Lock()
	id := m.session.ID
	m.mu.Unlock()
	if id == "" {
		return nil
	}

	state, err := m.api.GetSession(ctx, m.subject, id)
	if err != nil {
		return fmt.Errorf("fetch session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = state.Session
	m.messages = state.Messages
	if m.session.Phase == models.PhaseProposals {
		m.ledger = review.NewLedger(m.setProposalStatus, state.Proposals, m.logger)
	} else {
		m.ledger = nil
	}
	m.logger.Debug("session state refreshed",
		"session_id", m.session.ID, "phase", m.session.Phase, "messages", len(m.messages))
	return nil
}

// Session returns a snapshot of the cached session record.
func (m *Machine) Session() models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Phase returns the cached phase.
func (m *Machine) Phase() models.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Phase
}

// Messages returns a copy of the cached message list.
func (m *Machine) Messages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message(nil), m.messages...)
}

// Ledger returns the proposal ledger, which exists only in the proposals
// phase.
func (m *Machine) Ledger() *review.Ledger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger
}

// CanRequestReading reports whether the conversation is long enough for the
// "ready to learn" action to be offered. The backend enforces the same
// minimum; this only drives UI enablement.
func (m *Machine) CanRequestReading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Phase == models.PhaseChatting &&
		models.ExchangeCount(m.messages) >= MinExchangeForReading
}

// Abandon abandons the session. Only a session still in the chatting phase
// can be abandoned.
func (m *Machine) Abandon(ctx context.Context) error {
	m.mu.Lock()
	if m.session.Phase != models.PhaseChatting {
		m.mu.Unlock()
		return fmt.Errorf("%w: abandon requires chatting, session is %s", ErrWrongPhase, m.session.Phase)
	}
	id := m.session.ID
	m.mu.Unlock()

	if id != "" {
		if err := m.api.AbandonSession(ctx, m.subject, id); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Phase = models.PhaseAbandoned
	m.logger.Info("session abandoned", "session_id", id)
	return nil
}

// StartCompile asks the backend to compile the approved proposals into a new
// knowledge version. Valid from the proposals phase when no proposal is
// pending, and from the compiling phase as a retry after a failed run.
//
// If the backend auto-completes the session instead of starting a run (every
// proposal already resolved against compiling), the session transitions
// straight to completed and no run is tracked.
func (m *Machine) StartCompile(ctx context.Context) error {
	m.mu.Lock()
	phase := m.session.Phase
	ledger := m.ledger
	id := m.session.ID
	m.mu.Unlock()

	switch phase {
	case models.PhaseProposals:
		if ledger != nil {
			if pending, _, _ := ledger.Counts(); pending > 0 {
				return ErrCompileBlocked
			}
		}
	case models.PhaseCompiling:
		// Retry after a failed run.
	default:
		return fmt.Errorf("%w: compile requires proposals or compiling, session is %s", ErrWrongPhase, phase)
	}

	start, err := m.api.StartCompile(ctx, m.subject, id)
	if err != nil {
		return fmt.Errorf("start compile: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if start.AutoCompleted {
		m.session.Phase = models.PhaseCompleted
		m.session.Result = start.Result
		m.ledger = nil
		m.logger.Info("session auto-completed on compile request",
			"session_id", id, "result", start.Result)
		return nil
	}
	m.session.Phase = models.PhaseCompiling
	m.session.CompileRunID = start.RunID
	m.ledger = nil
	m.logger.Info("compile started", "session_id", id, "run_id", start.RunID)
	return nil
}

// WatchCompile polls the compile operation to a terminal status. On success
// the session completes with result learned. On failure the session remains
// in compiling and ErrCompileFailed is returned so the caller can offer a
// retry via StartCompile. Safe to call after a reconnect: it resumes against
// the session's recorded run, it never starts a new one.
func (m *Machine) WatchCompile(ctx context.Context, onTick func(models.CompileStatus)) error {
	m.mu.Lock()
	if m.session.Phase != models.PhaseCompiling {
		phase := m.session.Phase
		m.mu.Unlock()
		return fmt.Errorf("%w: watch compile requires compiling, session is %s", ErrWrongPhase, phase)
	}
	id := m.session.ID
	m.mu.Unlock()

	poller := track.NewCompilePoller(func(ctx context.Context) (models.CompileStatus, error) {
		status, err := m.api.GetCompileStatus(ctx, m.subject, id)
		if err != nil {
			return status, err
		}
		if onTick != nil {
			onTick(status)
		}
		return status, nil
	}, track.Options{
		Interval: m.opts.PollInterval,
		Visible:  m.opts.Visible,
		Logger:   m.logger,
	})

	status, err := poller.Poll(ctx, func(status models.CompileStatus) {
		m.mu.Lock()
		defer m.mu.Unlock()
		// A second completion observation must be a no-op.
		if m.session.Phase.Terminal() {
			return
		}
		m.session.Phase = models.PhaseCompleted
		m.session.Result = models.ResultLearned
		m.logger.Info("compile completed", "session_id", id, "run_id", status.RunID)
	})
	if err != nil {
		return err
	}

	if status.Status == models.RunFailed {
		m.logger.Warn("compile run failed", "session_id", id, "run_id", status.RunID, "error", status.Error)
		if status.Error != "" {
			return fmt.Errorf("%w: %s", ErrCompileFailed, status.Error)
		}
		return ErrCompileFailed
	}
	return nil
}

// setProposalStatus is the ledger's backend mediation hook.
func (m *Machine) setProposalStatus(ctx context.Context, proposalID string, status models.ProposalStatus) error {
	m.mu.Lock()
	id := m.session.ID
	m.mu.Unlock()
	return m.api.SetProposalStatus(ctx, m.subject, id, proposalID, status)
}
