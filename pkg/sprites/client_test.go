package sprites

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReachable tests the control plane liveness probe
func TestReachable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{name: "ok", status: http.StatusOK, want: true},
		{name: "server error", status: http.StatusInternalServerError, want: false},
		{name: "unauthorized", status: http.StatusUnauthorized, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/sprites", r.URL.Path)
				assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			c := NewClient(server.URL, "test-token")
			assert.Equal(t, tt.want, c.Reachable(context.Background()))
		})
	}
}

// TestReachableConnectionRefused tests the probe against a dead endpoint
func TestReachableConnectionRefused(t *testing.T) {
	server := httptest.NewServer(nil)
	server.Close()

	c := NewClient(server.URL, "test-token")
	assert.False(t, c.Reachable(context.Background()))
}

// TestCreate tests sprite creation and the URL fallback
func TestCreate(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		response string
		wantURL  string
		wantErr  bool
	}{
		{
			name:     "url from response",
			status:   http.StatusCreated,
			response: `{"url":"https://custom.sprites.app"}`,
			wantURL:  "https://custom.sprites.app",
		},
		{
			name:     "url synthesized when response omits it",
			status:   http.StatusOK,
			response: `{}`,
			wantURL:  "https://arca-customer-011-bl4yi.sprites.app",
		},
		{
			name:     "url synthesized on malformed body",
			status:   http.StatusOK,
			response: `not json`,
			wantURL:  "https://arca-customer-011-bl4yi.sprites.app",
		},
		{
			name:    "server error",
			status:  http.StatusBadGateway,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, http.MethodPost, r.Method)
				require.Equal(t, "/sprites", r.URL.Path)

				var body map[string]interface{}
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "arca-customer-011", body["name"])
				settings, ok := body["url_settings"].(map[string]interface{})
				require.True(t, ok)
				assert.Equal(t, "public", settings["auth"])

				w.WriteHeader(tt.status)
				io.WriteString(w, tt.response)
			}))
			defer server.Close()

			c := NewClient(server.URL, "test-token")
			url, err := c.Create(context.Background(), "arca-customer-011")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, url)
		})
	}
}

// TestWriteFile tests the upload endpoint and its query parameters
func TestWriteFile(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/sprites/arca-customer-001/fs/write", r.URL.Path)
		assert.Equal(t, "/home/sprite/provision_customer.sh", r.URL.Query().Get("path"))
		assert.Equal(t, "true", r.URL.Query().Get("mkdir"))
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-token")
	err := c.WriteFile(context.Background(), "arca-customer-001", []byte("#!/bin/bash\n"), "/home/sprite/provision_customer.sh")
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/bash\n", string(gotBody))
}

// TestWriteFileServerError tests that a non-2xx upload surfaces an error
func TestWriteFileServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-token")
	err := c.WriteFile(context.Background(), "arca-customer-001", []byte("x"), "/tmp/x")
	assert.ErrorContains(t, err, "HTTP 403")
}

// TestExec tests the exec query contract and output decoding
func TestExec(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sprites/arca-customer-001/exec", r.URL.Path)

		cmd := r.URL.Query()["cmd"]
		require.Equal(t, []string{"bash", "-c", "echo hello"}, cmd)
		env := r.URL.Query()["env"]
		require.Len(t, env, 1)
		assert.Equal(t, "USERNAME=alice", env[0])

		io.WriteString(w, `{"output":"hello\n"}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-token")
	result, err := c.Exec(context.Background(), "arca-customer-001", "echo hello",
		map[string]string{"USERNAME": "alice"}, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result.Output)
}

// TestExecRawBodyFallback tests that a non-JSON response body becomes the output
func TestExecRawBodyFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "plain text output")
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-token")
	result, err := c.Exec(context.Background(), "arca-customer-001", "true", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "plain text output", result.Output)
}

// TestExecStripsControlChars tests that terminal control bytes are removed
func TestExecStripsControlChars(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"output": "ok\x1b\x07\x00done\n"})
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-token")
	result, err := c.Exec(context.Background(), "arca-customer-001", "true", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "okdone\n", result.Output)
}

// TestExecServerError tests that a failing remote command surfaces an error
func TestExecServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-token")
	_, err := c.Exec(context.Background(), "arca-customer-001", "false", nil, 0)
	assert.ErrorContains(t, err, "HTTP 500")
}
