package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMailer(t *testing.T, handler http.HandlerFunc) (*Mailer, *[]time.Duration) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	m := New(server.URL, "test-key", "Arcamatrix <onboarding@arcamatrix.com>", "arcamatrix.com")
	slept := &[]time.Duration{}
	m.sleep = func(d time.Duration) { *slept = append(*slept, d) }
	return m, slept
}

// TestSendWelcomeFirstTry tests a clean delivery and the request payload
func TestSendWelcomeFirstTry(t *testing.T) {
	var payload map[string]interface{}
	m, slept := newTestMailer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	})

	ok := m.SendWelcome(context.Background(), "alice@example.com", "Alice", "alice", []string{"research", "coding"})
	assert.True(t, ok)
	assert.Empty(t, *slept)

	to, _ := payload["to"].([]interface{})
	require.Len(t, to, 1)
	assert.Equal(t, "alice@example.com", to[0])
	assert.Equal(t, "Your Arcamatrix AI Workspace is Ready!", payload["subject"])

	html, _ := payload["html"].(string)
	assert.Contains(t, html, "Hi Alice,")
	assert.Contains(t, html, "https://alice.arcamatrix.com")
	assert.Contains(t, html, "- research")
	assert.Contains(t, html, "- coding")
}

// TestSendWelcomeRetryAfter tests that a 429 honors Retry-After before retrying
func TestSendWelcomeRetryAfter(t *testing.T) {
	calls := 0
	m, slept := newTestMailer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	ok := m.SendWelcome(context.Background(), "alice@example.com", "Alice", "alice", nil)
	assert.True(t, ok)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{7 * time.Second}, *slept)
}

// TestSendWelcomeRetryAfterCapped tests the 60s rate-limit wait ceiling
func TestSendWelcomeRetryAfterCapped(t *testing.T) {
	calls := 0
	m, slept := newTestMailer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "600")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	ok := m.SendWelcome(context.Background(), "alice@example.com", "Alice", "alice", nil)
	assert.True(t, ok)
	assert.Equal(t, []time.Duration{maxRetryAfter}, *slept)
}

// TestSendWelcomeClientErrorFinal tests that a 4xx stops retrying immediately
func TestSendWelcomeClientErrorFinal(t *testing.T) {
	calls := 0
	m, slept := newTestMailer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	ok := m.SendWelcome(context.Background(), "bad@", "Bad", "bad", nil)
	assert.False(t, ok)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

// TestSendWelcomeServerErrorBackoff tests three attempts with 5s, 10s waits
func TestSendWelcomeServerErrorBackoff(t *testing.T) {
	calls := 0
	m, slept := newTestMailer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	ok := m.SendWelcome(context.Background(), "alice@example.com", "Alice", "alice", nil)
	assert.False(t, ok)
	assert.Equal(t, maxAttempts, calls)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, *slept)
}

// TestRenderWelcomeDefaultSkills tests the skills placeholder for an empty list
func TestRenderWelcomeDefaultSkills(t *testing.T) {
	m := New("http://unused", "key", "from", "arcamatrix.com")

	html, err := m.renderWelcome("Alice", "alice", nil)
	require.NoError(t, err)
	assert.Contains(t, html, "General AI Assistant")
	assert.Contains(t, html, "https://alice.arcamatrix.com")
}

// TestRenderWelcomeEscapes tests that customer input cannot inject markup
func TestRenderWelcomeEscapes(t *testing.T) {
	m := New("http://unused", "key", "from", "arcamatrix.com")

	html, err := m.renderWelcome("<script>alert(1)</script>", "alice", nil)
	require.NoError(t, err)
	assert.False(t, strings.Contains(html, "<script>alert(1)</script>"))
}
