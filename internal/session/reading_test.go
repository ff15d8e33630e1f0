package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxishq/mindloop/internal/client"
	"github.com/praxishq/mindloop/internal/models"
)

func TestReadingRejectedWhenConversationTooShort(t *testing.T) {
	_, api := newTestBackend(t)
	subject := client.AgentSubject("a1")

	sess, err := api.CreateSession(context.Background(), subject, "")
	require.NoError(t, err)
	m, err := Attach(context.Background(), api, subject, sess.ID, fastOpts())
	require.NoError(t, err)
	require.False(t, m.CanRequestReading())

	err = m.RunReading(context.Background(), ReadingCallbacks{})
	require.Error(t, err)

	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 422, apiErr.StatusCode)
	assert.Equal(t, models.PhaseChatting, m.Phase(), "refused transition leaves phase unchanged")
}

func TestReadingProducesProposals(t *testing.T) {
	_, api := newTestBackend(t)
	m := New(api, client.AgentSubject("a1"), fastOpts())
	teach(t, m)

	var narrations, phases []string
	err := m.RunReading(context.Background(), ReadingCallbacks{
		Narration: func(text string) { narrations = append(narrations, text) },
		Phase:     func(name string) { phases = append(phases, name) },
	})
	require.NoError(t, err)

	assert.NotEmpty(t, narrations)
	assert.Equal(t, []string{"reviewing conversation", "drafting proposals"}, phases)

	require.Equal(t, models.PhaseProposals, m.Phase())
	ledger := m.Ledger()
	require.NotNil(t, ledger)
	assert.Len(t, ledger.Proposals(), 2, "one proposal per user message")
	pending, approved, rejected := ledger.Counts()
	assert.Equal(t, 2, pending)
	assert.Zero(t, approved)
	assert.Zero(t, rejected)
}

func TestReadingWithNoProposalsCompletes(t *testing.T) {
	srv, api := newTestBackend(t)
	srv.Proposals = func([]models.Message) []models.Proposal { return nil }

	m := New(api, client.AgentSubject("a1"), fastOpts())
	teach(t, m)

	require.NoError(t, m.RunReading(context.Background(), ReadingCallbacks{}))

	assert.Equal(t, models.PhaseCompleted, m.Phase())
	assert.Equal(t, models.ResultNoChanges, m.Session().Result)
	assert.Nil(t, m.Ledger())
}

func TestReadingFailureFallsBackToChatting(t *testing.T) {
	srv, api := newTestBackend(t)
	srv.FailReading = true

	m := New(api, client.AgentSubject("a1"), fastOpts())
	teach(t, m)
	before := len(m.Messages())

	err := m.RunReading(context.Background(), ReadingCallbacks{})
	require.ErrorIs(t, err, ErrReadingFailed)

	assert.Equal(t, models.PhaseChatting, m.Phase())
	assert.Len(t, m.Messages(), before, "conversation survives a failed extraction")

	// The session is usable again after the fallback.
	srv.FailReading = false
	require.NoError(t, m.Send(context.Background(), "Let me rephrase that.", ChatCallbacks{}))
	require.NoError(t, m.RunReading(context.Background(), ReadingCallbacks{}))
	assert.Equal(t, models.PhaseProposals, m.Phase())
}

func TestReadingRequiresChattingPhase(t *testing.T) {
	_, api := newTestBackend(t)
	m := New(api, client.AgentSubject("a1"), fastOpts())
	reviewReady(t, m)

	err := m.RunReading(context.Background(), ReadingCallbacks{})
	assert.ErrorIs(t, err, ErrWrongPhase)
}
