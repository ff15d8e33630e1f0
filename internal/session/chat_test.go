package session

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxishq/mindloop/internal/client"
	"github.com/praxishq/mindloop/internal/models"
	"github.com/praxishq/mindloop/internal/stub"
)

func TestSendStreamsReply(t *testing.T) {
	srv, api := newTestBackend(t)
	srv.Reply = func([]models.Message, string) string { return "Hi there" }

	m := New(api, client.AgentSubject("a1"), fastOpts())

	var states []ReceiveState
	var deltas []string
	var total string
	err := m.Send(context.Background(), "Hello", ChatCallbacks{
		State: func(s ReceiveState) { states = append(states, s) },
		Token: func(delta, t string) {
			deltas = append(deltas, delta)
			total = t
		},
	})
	require.NoError(t, err)

	// Token increments concatenate to the exact reply, whitespace included.
	assert.Equal(t, []string{"Hi ", "there"}, deltas)
	assert.Equal(t, "Hi there", total)
	assert.Equal(t, []ReceiveState{StateAwaitingFirstToken, StateStreaming, StateFinished}, states)

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there", msgs[1].Content)
}

func TestSendCapturesSessionID(t *testing.T) {
	_, api := newTestBackend(t)
	m := New(api, client.AgentSubject("a1"), fastOpts())
	require.Empty(t, m.Session().ID)

	require.NoError(t, m.Send(context.Background(), "First message", ChatCallbacks{}))

	id := m.Session().ID
	require.NotEmpty(t, id, "first exchange creates the session")
	for _, msg := range m.Messages() {
		assert.Equal(t, id, msg.SessionID, "captured id backfills earlier messages")
	}

	// The second exchange reuses the same session.
	require.NoError(t, m.Send(context.Background(), "Second message", ChatCallbacks{}))
	assert.Equal(t, id, m.Session().ID)
	assert.Len(t, m.Messages(), 4)
}

func TestSendEmptyMessageIsNoOp(t *testing.T) {
	_, api := newTestBackend(t)
	m := New(api, client.AgentSubject("a1"), fastOpts())

	require.NoError(t, m.Send(context.Background(), "   \n\t", ChatCallbacks{}))
	assert.Empty(t, m.Messages())
	assert.Empty(t, m.Session().ID)
}

func TestSendWrongPhase(t *testing.T) {
	srv, api := newTestBackend(t)
	srv.SeedSession(models.Session{
		ID:      "done-1",
		Subject: models.SubjectRef{AgentID: "a1"},
		Phase:   models.PhaseCompleted,
	}, nil, nil)

	m, err := Attach(context.Background(), api, client.AgentSubject("a1"), "done-1", fastOpts())
	require.NoError(t, err)

	err = m.Send(context.Background(), "too late", ChatCallbacks{})
	assert.ErrorIs(t, err, ErrWrongPhase)
}

func TestSendTransportFailureAppendsApology(t *testing.T) {
	_, api := newTestBackend(t)
	m := New(api, client.AgentSubject("a1"), fastOpts())
	require.NoError(t, m.Send(context.Background(), "Hello", ChatCallbacks{}))

	// Poison the cached phase server-side: the stream open is refused.
	id := m.Session().ID
	subject := client.AgentSubject("a1")
	require.NoError(t, api.AbandonSession(context.Background(), subject, id))

	var states []ReceiveState
	err := m.Send(context.Background(), "Still there?", ChatCallbacks{
		State: func(s ReceiveState) { states = append(states, s) },
	})
	require.Error(t, err)

	assert.Equal(t, StateErrored, states[len(states)-1])
	msgs := m.Messages()
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.Equal(t, apologyText, last.Content, "a failed exchange still ends with an assistant turn")
}

func TestSendErrorFrameRefetchesServerState(t *testing.T) {
	srv := stub.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	handler := srv.Handler()

	var fetches atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/sessions/") {
			fetches.Add(1)
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	api := client.New(ts.URL)

	m := New(api, client.AgentSubject("a1"), fastOpts())
	require.NoError(t, m.Send(context.Background(), "Hello", ChatCallbacks{}))

	// The stream now ends with an error frame instead of a reply. The
	// server still records the user turn, so the local transcript is only
	// trustworthy after a re-fetch.
	srv.FailChat = true
	before := fetches.Load()
	err := m.Send(context.Background(), "Still there?", ChatCallbacks{})
	require.Error(t, err)

	assert.Equal(t, before+1, fetches.Load(), "an error frame must be followed by a session re-fetch")

	msgs := m.Messages()
	require.GreaterOrEqual(t, len(msgs), 2)
	last := msgs[len(msgs)-1]
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.Equal(t, apologyText, last.Content)
	prev := msgs[len(msgs)-2]
	assert.Equal(t, models.RoleUser, prev.Role)
	assert.Equal(t, "Still there?", prev.Content, "the failed user turn comes back from the server")
}

func TestSendSync(t *testing.T) {
	srv, api := newTestBackend(t)
	srv.Reply = func([]models.Message, string) string { return "All noted." }

	m := New(api, client.AgentSubject("a1"), fastOpts())
	reply, err := m.SendSync(context.Background(), "No streaming here")
	require.NoError(t, err)

	assert.Equal(t, "All noted.", reply)
	assert.NotEmpty(t, m.Session().ID)
	require.Len(t, m.Messages(), 2)
	assert.Equal(t, "All noted.", m.Messages()[1].Content)
}
