package client

import (
	"fmt"
	"net/url"

	"github.com/praxishq/mindloop/internal/models"
)

// Subject binds the identifier pair a session teaches — a whole agent, or a
// single skill of an agent — and resolves the API path prefix for it. All
// session orchestration is written once against this interface; the two
// adapters below are interchangeable.
type Subject interface {
	// BasePath is the URL path prefix for the subject's session resources,
	// e.g. "/api/agents/a1" or "/api/agents/a1/skills/s1".
	BasePath() string
	// Ref returns the wire-level subject reference.
	Ref() models.SubjectRef
}

type agentSubject struct {
	agentID string
}

// AgentSubject returns the Subject for whole-agent parenting sessions.
func AgentSubject(agentID string) Subject {
	return agentSubject{agentID: agentID}
}

func (s agentSubject) BasePath() string {
	return fmt.Sprintf("/api/agents/%s", url.PathEscape(s.agentID))
}

func (s agentSubject) Ref() models.SubjectRef {
	return models.SubjectRef{AgentID: s.agentID}
}

type skillSubject struct {
	agentID string
	skillID string
}

// SkillSubject returns the Subject for skill-upgrade sessions.
func SkillSubject(agentID, skillID string) Subject {
	return skillSubject{agentID: agentID, skillID: skillID}
}

func (s skillSubject) BasePath() string {
	return fmt.Sprintf("/api/agents/%s/skills/%s",
		url.PathEscape(s.agentID), url.PathEscape(s.skillID))
}

func (s skillSubject) Ref() models.SubjectRef {
	return models.SubjectRef{AgentID: s.agentID, SkillID: s.skillID}
}

// SubjectFor reconstructs the Subject adapter for a stored reference.
func SubjectFor(ref models.SubjectRef) Subject {
	if ref.SkillID != "" {
		return SkillSubject(ref.AgentID, ref.SkillID)
	}
	return AgentSubject(ref.AgentID)
}
