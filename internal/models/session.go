// Package models defines the data structures exchanged with the Mind backend.
package models

import "time"

// Phase is the lifecycle phase of a learning session. Phase is owned by the
// backend; the client only ever changes its cached copy in response to a
// confirmed action or an observed poll/stream event.
type Phase string

const (
	PhaseChatting  Phase = "chatting"
	PhaseReading   Phase = "reading"
	PhaseProposals Phase = "proposals"
	PhaseCompiling Phase = "compiling"
	PhaseCompleted Phase = "completed"
	PhaseAbandoned Phase = "abandoned"
)

// Terminal reports whether no further phase transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseAbandoned
}

// Result is the outcome of a completed session.
type Result string

const (
	ResultLearned     Result = "learned"
	ResultNoChanges   Result = "no_changes"
	ResultAllRejected Result = "all_rejected"
)

// SubjectRef identifies what a session teaches: a whole agent, or a single
// skill of an agent when SkillID is set.
type SubjectRef struct {
	AgentID string `json:"agentId"`
	SkillID string `json:"skillId,omitempty"`
}

// Session is one unit of teaching work.
type Session struct {
	ID      string     `json:"id"`
	Subject SubjectRef `json:"subject"`
	Phase   Phase      `json:"phase"`
	Result  Result     `json:"result,omitempty"`
	Title   string     `json:"title,omitempty"`

	// CompileRunID is set once a compile run has been started and is the
	// reconnection handle while the session is in the compiling phase.
	CompileRunID string `json:"compileRunId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionState is the full server-held state of a session, returned by the
// fetch-session endpoint. It is the reconnection primitive: a client that
// re-attaches derives everything from this, never from its own memory.
type SessionState struct {
	Session   Session    `json:"session"`
	Messages  []Message  `json:"messages"`
	Proposals []Proposal `json:"proposals"`
}
