package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AdminClient talks to the router's REST admin surface. The git mapping is
// authoritative; this registration is the hot backup the router consults
// before the next deploy lands.
type AdminClient struct {
	baseURL string
	key     string
	http    *http.Client
}

// NewAdminClient creates a router admin client
func NewAdminClient(baseURL, key string) *AdminClient {
	return &AdminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		http:    &http.Client{},
	}
}

func (a *AdminClient) post(ctx context.Context, payload map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	payload["adminKey"] = a.key
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/customer-proxy", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("customer-proxy request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("customer-proxy: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Register adds the username -> sprite mapping
func (a *AdminClient) Register(ctx context.Context, username, spriteURL, spriteName string) error {
	return a.post(ctx, map[string]string{
		"action":     "add",
		"username":   username,
		"spriteUrl":  spriteURL,
		"spriteName": spriteName,
	})
}

// Unregister removes the username mapping
func (a *AdminClient) Unregister(ctx context.Context, username string) error {
	return a.post(ctx, map[string]string{
		"action":   "remove",
		"username": username,
	})
}

// Registered reports whether the router knows the username. A 404 means
// missing; other failures are surfaced so callers do not re-post blindly.
func (a *AdminClient) Registered(ctx context.Context, username string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	endpoint := fmt.Sprintf("%s/customer-proxy?username=%s", a.baseURL, url.QueryEscape(username))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("x-admin-key", a.key)

	resp, err := a.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("customer-proxy lookup failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("customer-proxy lookup: HTTP %d", resp.StatusCode)
	}
	return true, nil
}
