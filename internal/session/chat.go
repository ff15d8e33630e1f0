package session

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/praxishq/mindloop/internal/models"
	"github.com/praxishq/mindloop/internal/stream"
)

// ReceiveState is the two-phase receive state of one chat exchange. The
// caller renders a "thinking" indicator until the first token arrives and a
// live "typing" indicator from then on.
type ReceiveState string

const (
	StateAwaitingFirstToken ReceiveState = "awaiting-first-token"
	StateStreaming          ReceiveState = "streaming"
	StateFinished           ReceiveState = "finished"
	StateErrored            ReceiveState = "errored"
)

// ChatCallbacks receive live progress during a chat exchange. Either field
// may be nil. Token receives the new increment and the full accumulated
// reply so far, in arrival order.
type ChatCallbacks struct {
	State func(state ReceiveState)
	Token func(delta, total string)
}

// apologyText is the fallback assistant message appended whenever a reply
// stream fails or ends empty, so a session never silently stalls on a
// missing turn.
const apologyText = "Sorry, I ran into a problem while answering. Please try again."

// Send sends one user message and materializes the assistant's reply from
// the response stream. Empty input (after trimming) is a no-op, not an
// error. The user message is appended optimistically before the request is
// made; a terminal assistant message is always appended, falling back to an
// apology when the stream errors or yields no text.
func (m *Machine) Send(ctx context.Context, text string, cb ChatCallbacks) error {
	m.mu.Lock()
	if m.session.Phase != models.PhaseChatting {
		phase := m.session.Phase
		m.mu.Unlock()
		return fmt.Errorf("%w: chat requires chatting, session is %s", ErrWrongPhase, phase)
	}
	sessionID := m.session.ID
	m.mu.Unlock()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	m.appendMessage(models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
	})

	state := StateAwaitingFirstToken
	setState := func(s ReceiveState) {
		state = s
		if cb.State != nil {
			cb.State(s)
		}
	}
	setState(StateAwaitingFirstToken)

	st, err := m.api.OpenChatStream(ctx, m.subject, sessionID, text)
	if err != nil {
		m.appendAssistant(apologyText)
		setState(StateErrored)
		return fmt.Errorf("open chat stream: %w", err)
	}
	defer st.Close()

	var reply strings.Builder
	sessionCaptured := sessionID != ""

	for {
		ev, err := st.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			m.appendAssistant(apologyText)
			setState(StateErrored)
			return fmt.Errorf("read chat stream: %w", err)
		}
		// Results of an in-flight read are ignored once the caller has
		// navigated away.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch ev := ev.(type) {
		case stream.Text:
			if state == StateAwaitingFirstToken {
				setState(StateStreaming)
			}
			reply.WriteString(ev.Text)
			if cb.Token != nil {
				cb.Token(ev.Text, reply.String())
			}
		case stream.SessionID:
			// Captured once and only once; later occurrences are ignored.
			if !sessionCaptured {
				sessionCaptured = true
				m.adoptSessionID(ev.ID)
			}
		case stream.Failure:
			m.logger.Warn("chat stream reported error", "session_id", sessionID, "error", ev.Message)
			// Only the server knows what the failed exchange actually
			// recorded; re-fetch before trusting anything cached.
			if refreshErr := m.Refresh(ctx); refreshErr != nil {
				m.logger.Warn("session refresh after chat error failed", "error", refreshErr)
			}
			m.appendAssistant(apologyText)
			setState(StateErrored)
			return fmt.Errorf("assistant error: %s", ev.Message)
		default:
			// Reading-only frames have no meaning here.
		}
	}

	if reply.Len() > 0 {
		m.appendAssistant(reply.String())
	} else {
		m.appendAssistant(apologyText)
	}
	setState(StateFinished)
	return nil
}

// SendSync is the non-streaming fallback: the full reply arrives in one
// response and there are no receive phases.
func (m *Machine) SendSync(ctx context.Context, text string) (string, error) {
	m.mu.Lock()
	if m.session.Phase != models.PhaseChatting {
		phase := m.session.Phase
		m.mu.Unlock()
		return "", fmt.Errorf("%w: chat requires chatting, session is %s", ErrWrongPhase, phase)
	}
	sessionID := m.session.ID
	m.mu.Unlock()

	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	m.appendMessage(models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
	})

	reply, err := m.api.SendMessageSync(ctx, m.subject, sessionID, text)
	if err != nil {
		m.appendAssistant(apologyText)
		return "", fmt.Errorf("send message: %w", err)
	}
	if sessionID == "" && reply.SessionID != "" {
		m.adoptSessionID(reply.SessionID)
	}

	m.appendAssistant(reply.Reply)
	return reply.Reply, nil
}

func (m *Machine) appendMessage(msg models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

func (m *Machine) appendAssistant(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, models.Message{
		ID:        uuid.NewString(),
		SessionID: m.session.ID,
		Role:      models.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now(),
	})
}

func (m *Machine) adoptSessionID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.ID != "" {
		return
	}
	m.session.ID = id
	for i := range m.messages {
		if m.messages[i].SessionID == "" {
			m.messages[i].SessionID = id
		}
	}
	m.logger.Debug("session id captured from stream", "session_id", id)
}
