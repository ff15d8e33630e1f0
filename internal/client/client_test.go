package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxishq/mindloop/internal/models"
	"github.com/praxishq/mindloop/internal/stream"
)

func TestNewResolvesBaseURL(t *testing.T) {
	t.Run("explicit wins", func(t *testing.T) {
		t.Setenv("MINDLOOP_SERVER_URL", "http://from-env")
		c := New("http://explicit/")
		assert.Equal(t, "http://explicit", c.baseURL)
	})

	t.Run("env fallback", func(t *testing.T) {
		t.Setenv("MINDLOOP_SERVER_URL", "http://from-env")
		c := New("")
		assert.Equal(t, "http://from-env", c.baseURL)
	})

	t.Run("default", func(t *testing.T) {
		t.Setenv("MINDLOOP_SERVER_URL", "")
		c := New("")
		assert.Equal(t, "http://localhost:8686", c.baseURL)
	})
}

func TestAPIErrorDecoding(t *testing.T) {
	t.Run("with error body", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"error":"conversation too short to learn from"}`)
		}))
		defer ts.Close()

		_, err := New(ts.URL).GetSession(context.Background(), AgentSubject("a1"), "s1")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
		assert.Equal(t, "conversation too short to learn from", apiErr.Message)
		assert.Contains(t, apiErr.Error(), "HTTP 422")
	})

	t.Run("without error body", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer ts.Close()

		_, err := New(ts.URL).GetSession(context.Background(), AgentSubject("a1"), "s1")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
		assert.Empty(t, apiErr.Message)
	})
}

func TestOpenChatStreamSendsPayload(t *testing.T) {
	var gotPath, gotBody string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"text\":\"ok\"}\n\ndata: [DONE]\n\n")
	}))
	defer ts.Close()

	st, err := New(ts.URL).OpenChatStream(context.Background(), SkillSubject("a1", "s2"), "sess-1", "hello")
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, "/api/agents/a1/skills/s2/chat", gotPath)
	assert.JSONEq(t, `{"message":"hello","sessionId":"sess-1"}`, gotBody)

	ev, err := st.Next()
	require.NoError(t, err)
	assert.Equal(t, stream.Text{Text: "ok"}, ev)
	_, err = st.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpenStreamErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"session is not accepting messages"}`)
	}))
	defer ts.Close()

	_, err := New(ts.URL).OpenChatStream(context.Background(), AgentSubject("a1"), "sess-1", "hello")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	st, err := New(ts.URL).OpenChatStream(context.Background(), AgentSubject("a1"), "", "hi")
	require.NoError(t, err)

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
}

func TestMetricsRecorded(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			fmt.Fprint(w, `{"session":{},"messages":[],"proposals":[]}`)
		default:
			fmt.Fprint(w, `{"session":{"id":"s1"}}`)
		}
	}))
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.GetSession(context.Background(), AgentSubject("a1"), "s1")
	require.NoError(t, err)
	_, err = c.CreateSession(context.Background(), AgentSubject("a1"), "")
	require.NoError(t, err)

	snap := c.Metrics().Snapshot()
	require.NotNil(t, snap.Fetch)
	require.NotNil(t, snap.Mutation)
	assert.EqualValues(t, 1, snap.Fetch.Count)
	assert.EqualValues(t, 1, snap.Mutation.Count)
	assert.Nil(t, snap.Stream)
}

func TestClientTimeoutFromEnv(t *testing.T) {
	t.Setenv("MINDLOOP_CLIENT_TIMEOUT", "5s")
	c := New("http://localhost:1")
	assert.Equal(t, 5*time.Second, c.httpClient.Timeout)
	assert.Zero(t, c.streamClient.Timeout, "streams must not carry a timeout")
}

func TestDeleteSessionPath(t *testing.T) {
	var gotMethod, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	require.NoError(t, New(ts.URL).DeleteSession(context.Background(), AgentSubject("a1"), "sess-9"))
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/api/agents/a1/sessions/sess-9", gotPath)
}

func TestGetRunEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"run":{"id":"r1","status":"running","steps":[{"name":"scrape","status":"running"}]}}`)
	}))
	defer ts.Close()

	run, err := New(ts.URL).GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", run.ID)
	assert.Equal(t, models.RunRunning, run.Status)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, models.StepRunning, run.Steps[0].Status)
}
