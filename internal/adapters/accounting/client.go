// Package accounting reports billable LLM usage to the platform accounting
// service through oneshot sessions: one session per chat request, closed with
// the final token counts when the stream ends.
package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openbrainhub/neuroagent/internal/adapters/retry"
	"github.com/openbrainhub/neuroagent/internal/ports"
)

const serviceSubtype = "neuroagent-chat"

// Client talks to the accounting service's oneshot session API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type startSessionRequest struct {
	Subject   string `json:"user_id"`
	VlabID    string `json:"vlab_id"`
	ProjectID string `json:"proj_id"`
	Subtype   string `json:"subtype"`
}

type startSessionResponse struct {
	SessionID string `json:"job_id"`
}

type closeSessionRequest struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Start opens an accounting session for one chat request against a
// virtual-lab project budget.
func (c *Client) Start(ctx context.Context, sub, vlabID, projectID string) (ports.AccountingCloser, error) {
	payload, err := json.Marshal(startSessionRequest{
		Subject:   sub,
		VlabID:    vlabID,
		ProjectID: projectID,
		Subtype:   serviceSubtype,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling session request: %w", err)
	}

	var sessionID string
	err = retry.WithBackoffHTTP(ctx, retry.HTTPConfig(), func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/session/oneshot", bytes.NewReader(payload))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			io.Copy(io.Discard, resp.Body)
			return resp.StatusCode, nil
		}

		var out startSessionResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding session response: %w", err)
		}
		sessionID = out.SessionID
		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, fmt.Errorf("starting accounting session: %w", err)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("accounting service returned an empty session id")
	}

	return &session{client: c, id: sessionID}, nil
}

type session struct {
	client *Client
	id     string
}

// Close reports the request's final token counts. Failures are returned for
// logging; the chat response has already been delivered by the time this runs.
func (s *session) Close(ctx context.Context, inputTokens, outputTokens int64) error {
	payload, err := json.Marshal(closeSessionRequest{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
	if err != nil {
		return fmt.Errorf("marshaling close request: %w", err)
	}

	err = retry.WithBackoffHTTP(ctx, retry.HTTPConfig(), func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("%s/session/oneshot/%s/close", s.client.baseURL, s.id),
			bytes.NewReader(payload))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.httpClient.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	})
	if err != nil {
		return fmt.Errorf("closing accounting session %s: %w", s.id, err)
	}
	return nil
}

// Noop satisfies ports.AccountingSession when no accounting service is
// configured. Sessions always start and closures only log.
type Noop struct{}

func (Noop) Start(ctx context.Context, sub, vlabID, projectID string) (ports.AccountingCloser, error) {
	return noopCloser{}, nil
}

type noopCloser struct{}

func (noopCloser) Close(ctx context.Context, inputTokens, outputTokens int64) error {
	log.Debug().
		Int64("input_tokens", inputTokens).
		Int64("output_tokens", outputTokens).
		Msg("accounting disabled, usage not reported")
	return nil
}
