package stub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/praxishq/mindloop/internal/models"
)

// sseWriter emits "data: " frames over a flushed response body.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) frame(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	s.flusher.Flush()
}

func (s *sseWriter) done() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

func (s *Server) defaultReply(history []models.Message, userMessage string) string {
	return fmt.Sprintf("Noted. That makes %d things you have taught me so far.",
		models.ExchangeCount(history)/2+1)
}

type chatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// resolveChatSession finds or creates the session for a chat request and
// appends the user message. Returns the reply to stream and whether the
// session was created by this request.
func (s *Server) resolveChatSession(r *http.Request, req chatRequest) (*sessionRecord, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := false
	var rec *sessionRecord
	if req.SessionID == "" {
		rec = s.newSessionLocked(subjectFromRequest(r), "")
		created = true
	} else {
		rec = s.session(req.SessionID)
		if rec == nil {
			return nil, "", false, fmt.Errorf("session not found")
		}
		if rec.session.Phase != models.PhaseChatting {
			return nil, "", false, fmt.Errorf("session is not accepting messages")
		}
	}

	now := time.Now()
	rec.messages = append(rec.messages, models.Message{
		ID:        uuid.NewString(),
		SessionID: rec.session.ID,
		Role:      models.RoleUser,
		Content:   req.Message,
		CreatedAt: now,
	})

	// A failed exchange records the user turn but produces no reply.
	if s.FailChat {
		rec.session.UpdatedAt = now
		return rec, "", created, nil
	}

	replyFn := s.Reply
	if replyFn == nil {
		replyFn = s.defaultReply
	}
	reply := replyFn(rec.messages, req.Message)

	rec.messages = append(rec.messages, models.Message{
		ID:        uuid.NewString(),
		SessionID: rec.session.ID,
		Role:      models.RoleAssistant,
		Content:   reply,
		CreatedAt: now,
	})
	rec.session.UpdatedAt = now
	return rec, reply, created, nil
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	rec, reply, created, err := s.resolveChatSession(r, req)
	if err != nil {
		writeError(w, http.StatusConflict, "%s", err)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if created {
		sse.frame(map[string]string{"sessionId": rec.session.ID})
	}
	if s.FailChat {
		sse.frame(map[string]string{"error": "model unavailable"})
		sse.done()
		return
	}
	// Stream the reply token by token, preserving whitespace so the
	// concatenation is exact.
	for _, token := range strings.SplitAfter(reply, " ") {
		if token == "" {
			continue
		}
		sse.frame(map[string]string{"text": token})
	}
	sse.done()
}

func (s *Server) handleChatSync(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	rec, reply, _, err := s.resolveChatSession(r, req)
	if err != nil {
		writeError(w, http.StatusConflict, "%s", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": rec.session.ID,
		"reply":     reply,
	})
}

// handleReadingStream drives the extraction phase: narration frames, a
// couple of phase changes, then a completion frame carrying the proposal
// count. The session's phase is committed before the completion frame is
// written, so a client that re-fetches on completion sees consistent state.
func (s *Server) handleReadingStream(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rec := s.session(chi.URLParam(r, "sessionID"))
	if rec == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if rec.session.Phase != models.PhaseChatting {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "session is not in the chatting phase")
		return
	}
	if models.ExchangeCount(rec.messages) < s.MinExchange {
		s.mu.Unlock()
		writeError(w, http.StatusUnprocessableEntity, "conversation too short to learn from")
		return
	}
	rec.session.Phase = models.PhaseReading
	s.mu.Unlock()

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sse.frame(map[string]string{"type": "phase", "phase": "reviewing conversation"})
	sse.frame(map[string]string{"type": "narration", "text": "Reading back through what you taught me..."})

	if s.FailReading {
		s.mu.Lock()
		rec.session.Phase = models.PhaseChatting
		s.mu.Unlock()
		sse.frame(map[string]string{"type": "error", "error": "extraction failed"})
		sse.done()
		return
	}

	sse.frame(map[string]string{"type": "phase", "phase": "drafting proposals"})
	sse.frame(map[string]string{"type": "narration", "text": "Turning the conversation into knowledge changes..."})

	s.mu.Lock()
	proposalsFn := s.Proposals
	if proposalsFn == nil {
		proposalsFn = defaultProposals
	}
	proposals := proposalsFn(rec.messages)
	for i := range proposals {
		if proposals[i].ID == "" {
			proposals[i].ID = uuid.NewString()
		}
		proposals[i].SessionID = rec.session.ID
		proposals[i].Status = models.ProposalPending
	}
	rec.proposals = proposals
	if len(proposals) == 0 {
		rec.session.Phase = models.PhaseCompleted
		rec.session.Result = models.ResultNoChanges
	} else {
		rec.session.Phase = models.PhaseProposals
	}
	rec.session.UpdatedAt = time.Now()
	count := len(proposals)
	s.mu.Unlock()

	sse.frame(map[string]any{"type": "complete", "proposalCount": count})
	sse.done()
}

// defaultProposals proposes one knowledge update per user message, capped at
// three.
func defaultProposals(messages []models.Message) []models.Proposal {
	var proposals []models.Proposal
	for _, m := range messages {
		if m.Role != models.RoleUser {
			continue
		}
		proposals = append(proposals, models.Proposal{
			Kind:        models.ProposalNew,
			Summary:     "Add: " + truncate(m.Content, 60),
			Reason:      "Stated directly during the conversation.",
			Replacement: m.Content,
		})
		if len(proposals) == 3 {
			break
		}
	}
	return proposals
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
