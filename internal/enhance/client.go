package enhance

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

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/enhance-studio/internal/store"
)

const (
	// defaultTimeout bounds each individual HTTP call. The resolver's MaxWait
	// bounds the call as a whole.
	defaultTimeout = 30 * time.Second

	// maxResponseSize caps how much of a response body is read.
	maxResponseSize = 1 << 20

	userAgent = "enhance-studio/1"
)

// Client talks to the enhancement backend's submission and status endpoints.
// It implements SubmitAPI and StatusFetcher.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a backend client. apiKey is sent as a bearer token when set.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// SubmitPayload is the submission request body.
type SubmitPayload struct {
	Feature  Feature `json:"feature"`
	ImageURL string  `json:"imageUrl"`
	Preset   string  `json:"preset,omitempty"`
	Prompt   string  `json:"prompt,omitempty"`
	Color    string  `json:"color,omitempty"`
	DraftID  string  `json:"draftId,omitempty"`
	SlotID   string  `json:"slotId,omitempty"`
}

// SubmitResponse is the submission response body. A cached response carries
// the finished output; a fresh one carries the job identifier.
type SubmitResponse struct {
	Success      bool   `json:"success"`
	Cached       bool   `json:"cached,omitempty"`
	OutputURL    string `json:"outputUrl,omitempty"`
	GenerationID string `json:"generationId,omitempty"`
	JobID        string `json:"jobId,omitempty"`
	PollURL      string `json:"pollUrl,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ID returns the job identifier, preferring generationId.
func (r *SubmitResponse) ID() string {
	if r.GenerationID != "" {
		return r.GenerationID
	}
	return r.JobID
}

// StatusResponse is the poll endpoint's response body.
type StatusResponse struct {
	Status    store.JobStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	OutputURL string          `json:"outputUrl,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// SubmitJob posts a job. Non-2xx responses are returned as *SubmitError with
// the server's error message when one was sent.
func (c *Client) SubmitJob(ctx context.Context, payload SubmitPayload) (*SubmitResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal submit payload: %w", err)
	}

	var resp SubmitResponse
	status, err := c.do(ctx, http.MethodPost, "/api/enhance/submit", body, &resp)
	if err != nil {
		return nil, &SubmitError{StatusCode: status, Message: resp.Error, Err: err}
	}
	return &resp, nil
}

// FetchStatus queries the current status of a job.
func (c *Client) FetchStatus(ctx context.Context, jobID string) (*StatusResponse, error) {
	var resp StatusResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/enhance/"+url.PathEscape(jobID)+"/status", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch status %s: %w", jobID, err)
	}
	return &resp, nil
}

// do sends a JSON request and decodes the JSON response into out. The body is
// decoded even on non-2xx so error messages reach the caller. The returned
// status is 0 when no response was received.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out interface{}) (int, error) {
	startTime := time.Now()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		log.Debug().Str("method", method).Str("path", endpoint).Dur("duration", duration).Err(err).Msg("Enhance API request failed")
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	log.Debug().
		Str("method", method).
		Str("path", endpoint).
		Int("statusCode", httpResp.StatusCode).
		Dur("duration", duration).
		Msg("Enhance API response")

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return httpResp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	decodeErr := json.Unmarshal(data, out)
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return httpResp.StatusCode, fmt.Errorf("unexpected status %d", httpResp.StatusCode)
	}
	if decodeErr != nil {
		return httpResp.StatusCode, fmt.Errorf("parse response: %w (body: %s)", decodeErr, truncate(string(data), 200))
	}
	return httpResp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
