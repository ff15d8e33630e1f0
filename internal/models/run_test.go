package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActiveStepIndex(t *testing.T) {
	tests := []struct {
		name     string
		statuses []StepStatus
		want     int
	}{
		{"empty", nil, -1},
		{"first running wins", []StepStatus{StepCompleted, StepRunning, StepPending}, 1},
		{"running beats failed", []StepStatus{StepFailed, StepRunning}, 1},
		{"before first pending", []StepStatus{StepCompleted, StepCompleted, StepPending}, 1},
		{"all pending", []StepStatus{StepPending, StepPending}, 0},
		{"first failed", []StepStatus{StepCompleted, StepFailed, StepPending}, 1},
		{"all completed", []StepStatus{StepCompleted, StepCompleted}, 1},
		{"single running", []StepStatus{StepRunning}, 0},
		{"failed then pending tail", []StepStatus{StepFailed, StepPending, StepPending}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := make([]Step, len(tt.statuses))
			for i, s := range tt.statuses {
				steps[i] = Step{Name: "step", Status: s}
			}
			assert.Equal(t, tt.want, ActiveStepIndex(steps))
		})
	}
}

func TestExchangeCount(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleSystem, Compaction: &Compaction{Type: "compaction", Summary: "earlier talk", Replaces: 4}},
		{Role: RoleUser, Content: "more"},
	}
	assert.Equal(t, 3, ExchangeCount(msgs))
	assert.Equal(t, 0, ExchangeCount(nil))
}

func TestPhaseTerminal(t *testing.T) {
	assert.True(t, PhaseCompleted.Terminal())
	assert.True(t, PhaseAbandoned.Terminal())
	assert.False(t, PhaseChatting.Terminal())
	assert.False(t, PhaseCompiling.Terminal())
}
