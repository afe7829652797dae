// Package upload drives the apply → transfer → finish delivery protocol for
// bound recordings.
package upload

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

// Recordings can be large and mobile networks slow; gateway calls get
// minutes, not seconds.
const gatewayTimeout = 5 * time.Minute

// ApplyRequest is the metadata the backend needs to issue an upload ticket.
type ApplyRequest struct {
	MeetingID     string    `json:"meeting_id"`
	Name          string    `json:"name"`
	Extension     string    `json:"extension"`
	ContentHash   string    `json:"content_hash"`
	Length        int64     `json:"length"`
	FileType      string    `json:"file_type"`
	FromType      string    `json:"from_type"`
	ActualStartAt time.Time `json:"actual_start_at"`
	ActualEndAt   time.Time `json:"actual_end_at"`
}

// Ticket is a single-use upload grant. Only its ID outlives the attempt
// (persisted as the recording's remote upload id); retries apply for a fresh
// ticket even when the object would be byte-identical.
type Ticket struct {
	ID              string `json:"id"`
	UploadTargetURI string `json:"upload_target_uri"`
	ContentType     string `json:"content_type"`
}

// Gateway is the backend capability for the delivery protocol.
type Gateway interface {
	ApplyUpload(ctx context.Context, req ApplyRequest) (Ticket, error)
	FinishUpload(ctx context.Context, ticketID, contentHash string) error
}

// HTTPGateway talks to the real gateway over its JSON API, attaching the
// device bearer token on every call.
type HTTPGateway struct {
	baseURL string
	creds   auth.CredentialProvider
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPGateway creates a gateway client.
func NewHTTPGateway(baseURL string, creds auth.CredentialProvider, logger *zap.Logger) *HTTPGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPGateway{
		baseURL: baseURL,
		creds:   creds,
		client:  &http.Client{Timeout: gatewayTimeout},
		logger:  logger,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ApplyUpload implements Gateway.
func (g *HTTPGateway) ApplyUpload(ctx context.Context, req ApplyRequest) (Ticket, error) {
	var ticket Ticket
	if err := g.post(ctx, g.baseURL+"/uploads/apply", req, &ticket); err != nil {
		return Ticket{}, err
	}
	if ticket.ID == "" || ticket.UploadTargetURI == "" {
		return Ticket{}, fmt.Errorf("gateway returned incomplete ticket")
	}
	return ticket, nil
}

// FinishUpload implements Gateway.
func (g *HTTPGateway) FinishUpload(ctx context.Context, ticketID, contentHash string) error {
	body := map[string]string{"content_hash": contentHash}
	return g.post(ctx, g.baseURL+"/uploads/"+ticketID+"/finish", body, nil)
}

func (g *HTTPGateway) post(ctx context.Context, url string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token, ok := g.creds.CurrentAccessToken(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return fmt.Errorf("gateway status %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode/100 != 2 || !env.Success {
		return fmt.Errorf("gateway status %d: %s", resp.StatusCode, env.Error)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode gateway response: %w", err)
		}
	}
	return nil
}
