// Package immich is the HTTP client for the remote asset-management
// service. The core consumes it through small interfaces; everything here
// is plumbing, no business rules.
package immich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ServerError marks a server-side (5xx-class) failure from the remote
// service. Callers use it to decide against retrying creation calls.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("immich: server error %d: %s", e.StatusCode, e.Body)
}

// Client talks to one Immich-compatible server. Authentication is either
// the configured API key or a per-request bearer token (WithToken).
type Client struct {
	baseURL string
	apiKey  string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

func New(baseURL, apiKey string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 120 * time.Second},
		log:     log.With().Str("component", "immich").Logger(),
	}
}

// WithToken returns a client whose requests authenticate with the given
// session access token instead of the API key.
func (c *Client) WithToken(token string) *Client {
	if token == "" {
		return c
	}
	derived := *c
	derived.token = token
	return &derived
}

func (c *Client) setAuth(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	c.setAuth(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return &ServerError{StatusCode: resp.StatusCode, Body: truncate(raw)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("immich: %s %s: status %d: %s", method, path, resp.StatusCode, truncate(raw))
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func truncate(raw []byte) string {
	s := string(raw)
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

// Ping is a best-effort reachability check against a few well-known paths.
func (c *Client) Ping(ctx context.Context) bool {
	for _, path := range []string{"/server-info", "/server/version", "/users/me"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			continue
		}
		c.setAuth(req)
		resp, err := c.http.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 400 {
			return true
		}
	}
	return false
}

// LoginResult carries the session identity handed back by the server.
type LoginResult struct {
	AccessToken string `json:"accessToken"`
	UserID      string `json:"userId"`
	UserEmail   string `json:"userEmail"`
	Name        string `json:"name"`
	IsAdmin     bool   `json:"isAdmin"`
}

func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	var result LoginResult
	err := c.doJSON(ctx, http.MethodPost, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &result)
	if err != nil {
		return nil, err
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("immich: auth response missing access token")
	}
	return &result, nil
}

// BulkCheck is one entry of the pre-transfer duplicate probe.
type BulkCheck struct {
	ID       string `json:"id"`
	Checksum string `json:"checksum"`
}

// BulkCheckResult reports the server's verdict for one checksum.
type BulkCheckResult struct {
	ID      string `json:"id"`
	Action  string `json:"action"`
	Reason  string `json:"reason"`
	AssetID string `json:"assetId"`
}

// IsDuplicate reports whether the server rejected the checksum as a
// duplicate of an existing asset.
func (r BulkCheckResult) IsDuplicate() bool {
	return r.Action == "reject" && r.Reason == "duplicate"
}

// BulkUploadCheck asks the server which of the given checksums it already
// holds. The map is keyed by check id.
func (c *Client) BulkUploadCheck(ctx context.Context, checks []BulkCheck) (map[string]BulkCheckResult, error) {
	var resp struct {
		Results []BulkCheckResult `json:"results"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/assets/bulk-upload-check", map[string]interface{}{
		"assets": checks,
	}, &resp)
	if err != nil {
		return nil, err
	}
	out := make(map[string]BulkCheckResult, len(resp.Results))
	for _, r := range resp.Results {
		out[r.ID] = r
	}
	return out, nil
}
