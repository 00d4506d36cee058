package sprites

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// DefaultExecTimeout bounds shell execution on a sprite
const DefaultExecTimeout = 300 * time.Second

// The Sprites API leaks ANSI/VT control bytes into text responses
var controlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)

// Client is a thin typed wrapper around the Sprites control plane. It does
// not retry; retry policy belongs to the caller.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a Sprites API client authenticated by bearer token
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
}

// ExecResult holds the output of a remote shell execution
type ExecResult struct {
	Output string `json:"output"`
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.http.Do(req)
}

// Reachable probes the sprite list endpoint
func (c *Client) Reachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sprites", nil)
	if err != nil {
		return false
	}
	resp, err := c.do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Create provisions a new publicly routable sprite VM and returns its URL.
// When the response omits the URL it is synthesized from the name.
func (c *Client) Create(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	body, err := json.Marshal(map[string]interface{}{
		"name":         name,
		"url_settings": map[string]string{"auth": "public"},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sprites", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("failed to create sprite %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("create sprite %s: HTTP %d", name, resp.StatusCode)
	}

	var created struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || created.URL == "" {
		return fmt.Sprintf("https://%s-bl4yi.sprites.app", name), nil
	}
	return created.URL, nil
}

// WriteFile uploads raw bytes to a path on the sprite, creating intermediate
// directories.
func (c *Client) WriteFile(ctx context.Context, sprite string, data []byte, remotePath string) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	params := url.Values{}
	params.Set("path", remotePath)
	params.Set("mkdir", "true")
	endpoint := fmt.Sprintf("%s/sprites/%s/fs/write?%s", c.baseURL, url.PathEscape(sprite), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("failed to write %s on %s: %w", remotePath, sprite, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("write %s on %s: HTTP %d", remotePath, sprite, resp.StatusCode)
	}
	return nil
}

// Exec runs a shell script on the sprite as `bash -c <script>` with the
// given environment. The script and env are passed as repeated query
// parameters per the Sprites exec contract.
func (c *Client) Exec(ctx context.Context, sprite, script string, env map[string]string, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	// Allow the remote side its full timeout before the transport gives up
	ctx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	params := url.Values{}
	params.Add("cmd", "bash")
	params.Add("cmd", "-c")
	params.Add("cmd", script)
	for key, value := range env {
		params.Add("env", key+"="+value)
	}
	endpoint := fmt.Sprintf("%s/sprites/%s/exec?%s", c.baseURL, url.PathEscape(sprite), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to exec on %s: %w", sprite, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read exec response from %s: %w", sprite, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("exec on %s: HTTP %d", sprite, resp.StatusCode)
	}

	result := &ExecResult{}
	if err := json.Unmarshal(body, result); err != nil {
		result.Output = string(body)
	}
	result.Output = controlChars.ReplaceAllString(result.Output, "")
	return result, nil
}
