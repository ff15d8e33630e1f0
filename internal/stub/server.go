// Package stub is an in-memory Mind backend implementing the API surface the
// orchestrators drive: session CRUD, streaming chat, the extraction stream,
// proposal review, compile, and the discovery pipeline. It exists so the CLI
// and the integration tests can exercise every orchestration path without
// the real dashboard backend.
package stub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/praxishq/mindloop/internal/models"
)

// Server holds the in-memory backend state. The exported knobs script its
// behavior; tests set them before issuing requests.
type Server struct {
	mu       sync.Mutex
	logger   *slog.Logger
	sessions map[string]*sessionRecord
	runs     map[string]*runRecord

	// Reply produces the assistant reply for a user message. The default
	// acknowledges the message deterministically.
	Reply func(history []models.Message, userMessage string) string

	// Proposals produces the extraction result for a session's messages.
	// The default proposes one update per user message, capped at three.
	Proposals func(messages []models.Message) []models.Proposal

	// MinExchange is the conversation length below which reading requests
	// are rejected.
	MinExchange int

	// FailChat makes chat streams end with an error frame after recording
	// the user message.
	FailChat bool
	// FailReading makes the extraction stream end with an error frame.
	FailReading bool
	// FailCompile makes compile runs fail on their last step.
	FailCompile bool
	// FailDiscovery makes discovery runs fail on their scrape step.
	FailDiscovery bool
	// DiscoveryProposalCount is the number of proposals a discovery run
	// produces.
	DiscoveryProposalCount int
}

type sessionRecord struct {
	session   models.Session
	messages  []models.Message
	proposals []models.Proposal
}

// runRecord simulates a multi-step run that advances one step per fetch.
type runRecord struct {
	run       models.Run
	kind      string // "discovery", "compile", "publish"
	sessionID string
	proposals []models.Proposal
	failStep  int // -1 for none
}

// New creates a stub backend.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:                 logger,
		sessions:               make(map[string]*sessionRecord),
		runs:                   make(map[string]*runRecord),
		MinExchange:            2,
		DiscoveryProposalCount: 2,
	}
}

// Handler returns the HTTP handler for the backend API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Route("/api/agents/{agentID}", func(r chi.Router) {
		s.sessionRoutes(r)
		r.Route("/skills/{skillID}", s.sessionRoutes)
	})

	r.Post("/api/discoveries", s.handleStartDiscovery)
	r.Route("/api/runs/{runID}", func(r chi.Router) {
		r.Get("/", s.handleGetRun)
		r.Get("/proposals", s.handleRunProposals)
		r.Post("/proposals/{proposalID}/status", s.handleSetRunProposalStatus)
		r.Post("/publish", s.handlePublish)
	})

	return r
}

func (s *Server) sessionRoutes(r chi.Router) {
	r.Post("/chat", s.handleChatStream)
	r.Post("/chat/sync", s.handleChatSync)
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Post("/abandon", s.handleAbandonSession)
			r.Post("/reading", s.handleReadingStream)
			r.Post("/proposals/{proposalID}/status", s.handleSetProposalStatus)
			r.Post("/compile", s.handleStartCompile)
			r.Get("/compile/status", s.handleCompileStatus)
		})
	})
}

// SeedSession installs a pre-built session, e.g. one already compiling, so
// tests can exercise reconnection.
func (s *Server) SeedSession(sess models.Session, messages []models.Message, proposals []models.Proposal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = &sessionRecord{
		session:   sess,
		messages:  messages,
		proposals: proposals,
	}
}

// SeedRun installs a pre-built run record.
func (s *Server) SeedRun(run models.Run, kind, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = &runRecord{run: run, kind: kind, sessionID: sessionID, failStep: -1}
}

func subjectFromRequest(r *http.Request) models.SubjectRef {
	return models.SubjectRef{
		AgentID: chi.URLParam(r, "agentID"),
		SkillID: chi.URLParam(r, "skillID"),
	}
}

func (s *Server) session(id string) *sessionRecord {
	return s.sessions[id]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// =============================================================================
// SESSION CRUD
// =============================================================================

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	rec := s.newSessionLocked(subjectFromRequest(r), body.Title)
	sess := rec.session
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"session": sess})
}

func (s *Server) newSessionLocked(subject models.SubjectRef, title string) *sessionRecord {
	now := time.Now()
	rec := &sessionRecord{
		session: models.Session{
			ID:        uuid.NewString(),
			Subject:   subject,
			Phase:     models.PhaseChatting,
			Title:     title,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	s.sessions[rec.session.ID] = rec
	s.logger.Debug("stub session created", "session_id", rec.session.ID)
	return rec
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	subject := subjectFromRequest(r)

	s.mu.Lock()
	var sessions []models.Session
	for _, rec := range s.sessions {
		if rec.session.Subject == subject {
			sessions = append(sessions, rec.session)
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rec := s.session(chi.URLParam(r, "sessionID"))
	if rec == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	state := models.SessionState{
		Session:   rec.session,
		Messages:  append([]models.Message(nil), rec.messages...),
		Proposals: append([]models.Proposal(nil), rec.proposals...),
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleAbandonSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.session(chi.URLParam(r, "sessionID"))
	if rec == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if rec.session.Phase != models.PhaseChatting {
		writeError(w, http.StatusConflict, "only chatting sessions can be abandoned")
		return
	}
	rec.session.Phase = models.PhaseAbandoned
	rec.session.UpdatedAt = time.Now()
	writeJSON(w, http.StatusOK, map[string]any{"session": rec.session})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := chi.URLParam(r, "sessionID")
	if s.session(id) == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	delete(s.sessions, id)
	w.WriteHeader(http.StatusNoContent)
}
