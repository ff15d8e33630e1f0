package stub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/praxishq/mindloop/internal/models"
)

// newRunLocked creates a queued run with the given step names. Caller must
// hold s.mu.
func (s *Server) newRunLocked(kind, sessionID string, stepNames []string, failStep int) *runRecord {
	steps := make([]models.Step, len(stepNames))
	for i, name := range stepNames {
		steps[i] = models.Step{Name: name, Status: models.StepPending}
	}
	rec := &runRecord{
		run: models.Run{
			ID:     uuid.NewString(),
			Status: models.RunQueued,
			Steps:  steps,
		},
		kind:      kind,
		sessionID: sessionID,
		failStep:  failStep,
	}
	s.runs[rec.run.ID] = rec
	s.logger.Debug("stub run created", "run_id", rec.run.ID, "kind", kind)
	return rec
}

// advanceLocked moves the run forward by one step observation: queued to
// running, then one step completes per call until the run is terminal.
// Caller must hold s.mu.
func (rec *runRecord) advanceLocked() {
	run := &rec.run
	if run.Status.Terminal() {
		return
	}
	if run.Status == models.RunQueued {
		run.Status = models.RunRunning
		if len(run.Steps) > 0 {
			run.Steps[0].Status = models.StepRunning
		}
		return
	}

	for i := range run.Steps {
		if run.Steps[i].Status != models.StepRunning {
			continue
		}
		if i == rec.failStep {
			run.Steps[i].Status = models.StepFailed
			run.Steps[i].Error = "step failed"
			run.Status = models.RunFailed
			run.Error = run.Steps[i].Name + " failed"
			return
		}
		run.Steps[i].Status = models.StepCompleted
		if i+1 < len(run.Steps) {
			run.Steps[i+1].Status = models.StepRunning
			return
		}
		run.Status = models.RunCompleted
		return
	}
	// No steps at all: complete immediately.
	run.Status = models.RunCompleted
}

// onRunTerminalLocked applies run side effects: discovery runs materialize
// proposals, compile/publish runs finalize their batch. Caller holds s.mu.
func (s *Server) onRunTerminalLocked(rec *runRecord) {
	if !rec.run.Status.Terminal() {
		return
	}
	switch rec.kind {
	case "discovery":
		if rec.run.Status == models.RunCompleted && rec.proposals == nil {
			rec.proposals = make([]models.Proposal, 0, s.DiscoveryProposalCount)
			for i := 0; i < s.DiscoveryProposalCount; i++ {
				rec.proposals = append(rec.proposals, models.Proposal{
					ID:          uuid.NewString(),
					RunID:       rec.run.ID,
					Kind:        models.ProposalUpdate,
					Status:      models.ProposalPending,
					Summary:     "Discovered change",
					Reason:      "Source content differs from current knowledge.",
					Excerpt:     "Old passage.",
					Replacement: "New passage.",
				})
			}
		}
	case "compile":
		sess := s.session(rec.sessionID)
		if sess == nil {
			return
		}
		if rec.run.Status == models.RunCompleted && sess.session.Phase == models.PhaseCompiling {
			sess.session.Phase = models.PhaseCompleted
			sess.session.Result = models.ResultLearned
			sess.session.UpdatedAt = time.Now()
			for i := range sess.proposals {
				if sess.proposals[i].Status == models.ProposalApproved {
					sess.proposals[i].Status = models.ProposalFinalized
				}
			}
		}
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rec := s.runs[chi.URLParam(r, "runID")]
	if rec == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	rec.advanceLocked()
	s.onRunTerminalLocked(rec)
	run := rec.run
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

// =============================================================================
// PROPOSALS AND COMPILE
// =============================================================================

func (s *Server) handleSetProposalStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.ProposalStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.session(chi.URLParam(r, "sessionID"))
	if rec == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if rec.session.Phase != models.PhaseProposals {
		writeError(w, http.StatusConflict, "proposals are not reviewable in phase %s", rec.session.Phase)
		return
	}
	if !setProposalStatus(rec.proposals, chi.URLParam(r, "proposalID"), body.Status, w) {
		return
	}
	rec.session.UpdatedAt = time.Now()
	w.WriteHeader(http.StatusNoContent)
}

func setProposalStatus(proposals []models.Proposal, id string, status models.ProposalStatus, w http.ResponseWriter) bool {
	for i := range proposals {
		if proposals[i].ID != id {
			continue
		}
		if proposals[i].Status == models.ProposalFinalized {
			writeError(w, http.StatusConflict, "proposal is finalized")
			return false
		}
		proposals[i].Status = status
		return true
	}
	writeError(w, http.StatusNotFound, "proposal not found")
	return false
}

func (s *Server) handleStartCompile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.session(chi.URLParam(r, "sessionID"))
	if rec == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	switch rec.session.Phase {
	case models.PhaseProposals, models.PhaseCompiling:
	default:
		writeError(w, http.StatusConflict, "compile is not available in phase %s", rec.session.Phase)
		return
	}

	var pending, approved int
	for _, p := range rec.proposals {
		switch p.Status {
		case models.ProposalPending:
			pending++
		case models.ProposalApproved:
			approved++
		}
	}
	if pending > 0 {
		writeError(w, http.StatusUnprocessableEntity, "%d proposals still pending review", pending)
		return
	}
	if approved == 0 {
		// Nothing survived review: complete the session without a run.
		rec.session.Phase = models.PhaseCompleted
		rec.session.Result = models.ResultAllRejected
		rec.session.UpdatedAt = time.Now()
		writeJSON(w, http.StatusOK, map[string]any{
			"autoCompleted": true,
			"result":        rec.session.Result,
		})
		return
	}

	failStep := -1
	if s.FailCompile {
		failStep = 1
	}
	run := s.newRunLocked("compile", rec.session.ID, []string{"compile knowledge", "publish version"}, failStep)
	rec.session.Phase = models.PhaseCompiling
	rec.session.CompileRunID = run.run.ID
	rec.session.UpdatedAt = time.Now()
	writeJSON(w, http.StatusOK, map[string]any{"runId": run.run.ID})
}

func (s *Server) handleCompileStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.session(chi.URLParam(r, "sessionID"))
	if rec == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	status := models.CompileStatus{SessionID: rec.session.ID, RunID: rec.session.CompileRunID}
	run := s.runs[rec.session.CompileRunID]
	if run == nil {
		writeError(w, http.StatusNotFound, "no compile run for session")
		return
	}
	run.advanceLocked()
	s.onRunTerminalLocked(run)
	status.Status = run.run.Status
	status.Error = run.run.Error
	writeJSON(w, http.StatusOK, status)
}

// =============================================================================
// DISCOVERY
// =============================================================================

func (s *Server) handleStartDiscovery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agentId"`
		Source  string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}

	failStep := -1
	if s.FailDiscovery {
		failStep = 1
	}

	s.mu.Lock()
	run := s.newRunLocked("discovery", "", []string{"discover sources", "scrape", "compare"}, failStep)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"run": run.run})
}

func (s *Server) handleRunProposals(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rec := s.runs[chi.URLParam(r, "runID")]
	if rec == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	proposals := append([]models.Proposal(nil), rec.proposals...)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})
}

func (s *Server) handleSetRunProposalStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.ProposalStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.runs[chi.URLParam(r, "runID")]
	if rec == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if !setProposalStatus(rec.proposals, chi.URLParam(r, "proposalID"), body.Status, w) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.runs[chi.URLParam(r, "runID")]
	if rec == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	var pending, approved int
	for _, p := range rec.proposals {
		switch p.Status {
		case models.ProposalPending:
			pending++
		case models.ProposalApproved:
			approved++
		}
	}
	if pending > 0 {
		writeError(w, http.StatusUnprocessableEntity, "%d proposals still pending review", pending)
		return
	}
	if approved == 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"autoCompleted": true,
			"result":        models.ResultAllRejected,
		})
		return
	}

	publish := s.newRunLocked("publish", "", []string{"publish version"}, -1)
	for i := range rec.proposals {
		if rec.proposals[i].Status == models.ProposalApproved {
			rec.proposals[i].Status = models.ProposalFinalized
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runId": publish.run.ID})
}
