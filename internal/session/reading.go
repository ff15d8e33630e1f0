package session

import (
	"context"
	"fmt"
	"io"

	"github.com/praxishq/mindloop/internal/models"
	"github.com/praxishq/mindloop/internal/stream"
)

// ReadingCallbacks receive live extraction progress. Narration text is
// display-only and never becomes a conversation message; a phase change
// resets any narration shown so far. Either field may be nil.
type ReadingCallbacks struct {
	Narration func(text string)
	Phase     func(name string)
}

// RunReading requests the transition to the reading phase and drives the
// extraction stream to completion. The backend rejects the request while the
// conversation is too short; the client never assumes the transition
// succeeded.
//
// Completion with zero proposals completes the session with result
// no_changes without ever entering the proposals phase. A positive count
// moves the session to proposals with a freshly fetched proposal set. An
// in-stream error falls back to chatting with the server-held state
// re-fetched, since only the server knows whether anything changed.
func (m *Machine) RunReading(ctx context.Context, cb ReadingCallbacks) error {
	m.mu.Lock()
	if m.session.Phase != models.PhaseChatting {
		phase := m.session.Phase
		m.mu.Unlock()
		return fmt.Errorf("%w: reading starts from chatting, session is %s", ErrWrongPhase, phase)
	}
	sessionID := m.session.ID
	m.mu.Unlock()

	st, err := m.api.OpenReadingStream(ctx, m.subject, sessionID)
	if err != nil {
		// The backend refused the transition; phase is unchanged.
		return fmt.Errorf("start reading: %w", err)
	}
	defer st.Close()

	m.mu.Lock()
	m.session.Phase = models.PhaseReading
	m.mu.Unlock()
	m.logger.Info("reading started", "session_id", sessionID)

	for {
		ev, err := st.Next()
		if err == io.EOF {
			// Stream closed without a completion signal. The server is
			// authoritative on what actually happened.
			return m.Refresh(ctx)
		}
		if err != nil {
			if refreshErr := m.Refresh(ctx); refreshErr != nil {
				m.logger.Warn("session refresh after stream failure failed", "error", refreshErr)
			}
			return fmt.Errorf("read extraction stream: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch ev := ev.(type) {
		case stream.Narration:
			if cb.Narration != nil {
				cb.Narration(ev.Text)
			}
		case stream.Text:
			// Some backends send untagged narration tokens.
			if cb.Narration != nil {
				cb.Narration(ev.Text)
			}
		case stream.PhaseChange:
			if cb.Phase != nil {
				cb.Phase(ev.Phase)
			}
		case stream.Complete:
			return m.finishReading(ctx, ev.ProposalCount)
		case stream.Failure:
			m.mu.Lock()
			m.session.Phase = models.PhaseChatting
			m.mu.Unlock()
			if refreshErr := m.Refresh(ctx); refreshErr != nil {
				m.logger.Warn("session refresh after reading error failed", "error", refreshErr)
			}
			return fmt.Errorf("%w: %s", ErrReadingFailed, ev.Message)
		}
	}
}

func (m *Machine) finishReading(ctx context.Context, proposalCount int) error {
	m.mu.Lock()
	sessionID := m.session.ID
	m.mu.Unlock()

	if proposalCount == 0 {
		m.mu.Lock()
		m.session.Phase = models.PhaseCompleted
		m.session.Result = models.ResultNoChanges
		m.mu.Unlock()
		m.logger.Info("reading complete, nothing to review", "session_id", sessionID)
		return nil
	}

	// Fetch the proposals the extraction produced before exposing the
	// review phase.
	if err := m.Refresh(ctx); err != nil {
		return err
	}
	m.logger.Info("reading complete", "session_id", sessionID, "proposals", proposalCount)
	return nil
}
