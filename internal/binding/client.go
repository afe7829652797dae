// Package binding talks to the remote project/meeting service. Only the
// meeting id it returns enters the core: it is what gets written into the
// ledger when a draft is bound.
package binding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/voicevault/capture/internal/auth"
)

const requestTimeout = time.Minute

// Meeting is the remote entity a recording gets bound to.
type Meeting struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	StartAt   time.Time `json:"start_at"`
}

// Service creates meetings ahead of binding.
type Service interface {
	CreateMeeting(ctx context.Context, projectID, title string, startAt time.Time, location, description string) (Meeting, error)
}

// HTTPClient is the production Service over the backend's JSON API.
type HTTPClient struct {
	baseURL string
	creds   auth.CredentialProvider
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a binding service client.
func NewHTTPClient(baseURL string, creds auth.CredentialProvider, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: baseURL,
		creds:   creds,
		client:  &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

// CreateMeeting implements Service.
func (c *HTTPClient) CreateMeeting(ctx context.Context, projectID, title string, startAt time.Time, location, description string) (Meeting, error) {
	body, err := json.Marshal(map[string]any{
		"title":       title,
		"start_at":    startAt,
		"location":    location,
		"description": description,
	})
	if err != nil {
		return Meeting{}, err
	}
	url := fmt.Sprintf("%s/projects/%s/meetings", c.baseURL, projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Meeting{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token, ok := c.creds.CurrentAccessToken(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Meeting{}, err
	}
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data,omitempty"`
		Error   string          `json:"error,omitempty"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return Meeting{}, fmt.Errorf("binding service status %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode/100 != 2 || !env.Success {
		return Meeting{}, fmt.Errorf("binding service status %d: %s", resp.StatusCode, env.Error)
	}
	var meeting Meeting
	if err := json.Unmarshal(env.Data, &meeting); err != nil {
		return Meeting{}, fmt.Errorf("decode meeting: %w", err)
	}
	if meeting.ID == "" {
		return Meeting{}, fmt.Errorf("binding service returned meeting without id")
	}
	return meeting, nil
}
