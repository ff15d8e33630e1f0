package session

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxishq/mindloop/internal/client"
	"github.com/praxishq/mindloop/internal/models"
	"github.com/praxishq/mindloop/internal/stub"
)

func newTestBackend(t *testing.T) (*stub.Server, *client.Client) {
	t.Helper()
	srv := stub.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, client.New(ts.URL)
}

func fastOpts() Options {
	return Options{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		PollInterval: time.Millisecond,
	}
}

// teach drives the machine through enough conversation for reading to be
// accepted.
func teach(t *testing.T, m *Machine) {
	t.Helper()
	require.NoError(t, m.Send(context.Background(), "Our refund window is 30 days.", ChatCallbacks{}))
	require.NoError(t, m.Send(context.Background(), "Except for digital goods, which are final sale.", ChatCallbacks{}))
	require.True(t, m.CanRequestReading())
}

// reviewReady takes a fresh machine all the way to the proposals phase.
func reviewReady(t *testing.T, m *Machine) {
	t.Helper()
	teach(t, m)
	require.NoError(t, m.RunReading(context.Background(), ReadingCallbacks{}))
	require.Equal(t, models.PhaseProposals, m.Phase())
	require.NotNil(t, m.Ledger())
}

func TestAttachLoadsServerState(t *testing.T) {
	_, api := newTestBackend(t)
	subject := client.AgentSubject("a1")

	sess, err := api.CreateSession(context.Background(), subject, "refund policy")
	require.NoError(t, err)

	m, err := Attach(context.Background(), api, subject, sess.ID, fastOpts())
	require.NoError(t, err)

	assert.Equal(t, sess.ID, m.Session().ID)
	assert.Equal(t, models.PhaseChatting, m.Phase())
	assert.Equal(t, "refund policy", m.Session().Title)
}

func TestAbandonOnlyFromChatting(t *testing.T) {
	srv, api := newTestBackend(t)
	subject := client.AgentSubject("a1")

	t.Run("chatting session abandons", func(t *testing.T) {
		sess, err := api.CreateSession(context.Background(), subject, "")
		require.NoError(t, err)
		m, err := Attach(context.Background(), api, subject, sess.ID, fastOpts())
		require.NoError(t, err)

		require.NoError(t, m.Abandon(context.Background()))
		assert.Equal(t, models.PhaseAbandoned, m.Phase())
	})

	t.Run("completed session refuses", func(t *testing.T) {
		srv.SeedSession(models.Session{
			ID:      "done-1",
			Subject: models.SubjectRef{AgentID: "a1"},
			Phase:   models.PhaseCompleted,
			Result:  models.ResultLearned,
		}, nil, nil)
		m, err := Attach(context.Background(), api, subject, "done-1", fastOpts())
		require.NoError(t, err)

		err = m.Abandon(context.Background())
		assert.ErrorIs(t, err, ErrWrongPhase)
		assert.Equal(t, models.PhaseCompleted, m.Phase())
	})
}

func TestCompileBlockedWhilePending(t *testing.T) {
	_, api := newTestBackend(t)
	m := New(api, client.AgentSubject("a1"), fastOpts())
	reviewReady(t, m)

	err := m.StartCompile(context.Background())
	assert.ErrorIs(t, err, ErrCompileBlocked)
	assert.Equal(t, models.PhaseProposals, m.Phase())
}

func TestCompileHappyPath(t *testing.T) {
	_, api := newTestBackend(t)
	m := New(api, client.AgentSubject("a1"), fastOpts())
	reviewReady(t, m)

	require.NoError(t, m.Ledger().BulkApprove(context.Background()))
	require.True(t, m.Ledger().CanCompile())

	require.NoError(t, m.StartCompile(context.Background()))
	require.Equal(t, models.PhaseCompiling, m.Phase())
	require.NotEmpty(t, m.Session().CompileRunID)

	var ticks int
	err := m.WatchCompile(context.Background(), func(models.CompileStatus) { ticks++ })
	require.NoError(t, err)

	assert.Equal(t, models.PhaseCompleted, m.Phase())
	assert.Equal(t, models.ResultLearned, m.Session().Result)
	assert.Greater(t, ticks, 1, "compile status should be observed more than once")
}

func TestCompileAllRejectedAutoCompletes(t *testing.T) {
	_, api := newTestBackend(t)
	m := New(api, client.AgentSubject("a1"), fastOpts())
	reviewReady(t, m)

	for _, p := range m.Ledger().Proposals() {
		require.NoError(t, m.Ledger().SetStatus(context.Background(), p.ID, models.ProposalRejected))
	}

	require.NoError(t, m.StartCompile(context.Background()))
	assert.Equal(t, models.PhaseCompleted, m.Phase())
	assert.Equal(t, models.ResultAllRejected, m.Session().Result)
	assert.Empty(t, m.Session().CompileRunID, "no run when nothing was approved")
}

func TestCompileFailureAllowsRetry(t *testing.T) {
	srv, api := newTestBackend(t)
	m := New(api, client.AgentSubject("a1"), fastOpts())
	reviewReady(t, m)
	require.NoError(t, m.Ledger().BulkApprove(context.Background()))

	srv.FailCompile = true
	require.NoError(t, m.StartCompile(context.Background()))
	err := m.WatchCompile(context.Background(), nil)
	require.ErrorIs(t, err, ErrCompileFailed)
	assert.Equal(t, models.PhaseCompiling, m.Phase(), "failed compile stays in compiling")

	srv.FailCompile = false
	require.NoError(t, m.StartCompile(context.Background()))
	require.NoError(t, m.WatchCompile(context.Background(), nil))
	assert.Equal(t, models.PhaseCompleted, m.Phase())
	assert.Equal(t, models.ResultLearned, m.Session().Result)
}

func TestReconnectResumesCompileRun(t *testing.T) {
	srv, api := newTestBackend(t)
	subject := client.AgentSubject("a1")

	// A session went into compiling and the client went away. The run is
	// still in flight server-side.
	srv.SeedRun(models.Run{
		ID:     "run-7",
		Status: models.RunRunning,
		Steps: []models.Step{
			{Name: "compile knowledge", Status: models.StepRunning},
			{Name: "publish version", Status: models.StepPending},
		},
	}, "compile", "sess-7")
	srv.SeedSession(models.Session{
		ID:           "sess-7",
		Subject:      models.SubjectRef{AgentID: "a1"},
		Phase:        models.PhaseCompiling,
		CompileRunID: "run-7",
	}, nil, []models.Proposal{
		{ID: "p-1", SessionID: "sess-7", Kind: models.ProposalNew, Status: models.ProposalApproved},
	})

	m, err := Attach(context.Background(), api, subject, "sess-7", fastOpts())
	require.NoError(t, err)
	require.Equal(t, models.PhaseCompiling, m.Phase())
	require.Equal(t, "run-7", m.Session().CompileRunID, "resume must reuse the recorded run")

	var seenRunID string
	require.NoError(t, m.WatchCompile(context.Background(), func(st models.CompileStatus) {
		seenRunID = st.RunID
	}))

	assert.Equal(t, "run-7", seenRunID)
	assert.Equal(t, models.PhaseCompleted, m.Phase())
	assert.Equal(t, models.ResultLearned, m.Session().Result)
}

func TestWatchCompileRequiresCompiling(t *testing.T) {
	_, api := newTestBackend(t)
	m := New(api, client.AgentSubject("a1"), fastOpts())

	err := m.WatchCompile(context.Background(), nil)
	assert.ErrorIs(t, err, ErrWrongPhase)
}
