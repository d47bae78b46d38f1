package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Request statuses reported by the coordinator. A released request may
// start consuming capacity; a waiting one keeps polling.
const (
	StatusReleased = "liberado"
	StatusWaiting  = "aguardando"
)

// ErrNotRegistered means the coordinator has no record of the request, for
// example after a restart. Callers re-enqueue with the same id.
var ErrNotRegistered = errors.New("admission request not registered")

// APIError is a non-2xx answer from the coordinator.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admission API error (status %d): %s", e.StatusCode, e.Detail)
}

// Request identifies one registration in a lane.
type Request struct {
	RequestID string `json:"requestId" validate:"required,max=128"`
	Lane      string `json:"lane" validate:"required,max=64"`
}

type EnqueueResponse struct {
	Position int `json:"posicaoAtual"`
}

type StatusResponse struct {
	Status   string `json:"status"`
	Position int    `json:"posicaoFila"`
	Message  string `json:"mensagem"`
}

// Released reports whether the holder may start consuming capacity.
func (s StatusResponse) Released() bool {
	return s.Status == StatusReleased
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// Client talks to the admission coordinator over its REST contract.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "admission_client").Logger(),
	}
}

// Enqueue registers requestID in lane. Re-enqueueing a known id is a no-op
// on the coordinator and returns the current position.
func (c *Client) Enqueue(ctx context.Context, requestID, lane string) (EnqueueResponse, error) {
	var out EnqueueResponse
	err := c.do(ctx, http.MethodPost, "/enqueue", Request{RequestID: requestID, Lane: lane}, &out)
	if err != nil {
		return EnqueueResponse{}, err
	}
	c.logger.Debug().Str("request_id", requestID).Str("lane", lane).Int("position", out.Position).Msg("Enqueued")
	return out, nil
}

// Status polls the request. A 404 is returned as ErrNotRegistered.
func (c *Client) Status(ctx context.Context, requestID, lane string) (StatusResponse, error) {
	path := "/status/" + url.PathEscape(requestID) + "?lane=" + url.QueryEscape(lane)
	var out StatusResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return StatusResponse{}, fmt.Errorf("%w: %s", ErrNotRegistered, requestID)
		}
		return StatusResponse{}, err
	}
	return out, nil
}

// Confirm releases the slot held by requestID.
func (c *Client) Confirm(ctx context.Context, requestID, lane string) error {
	return c.do(ctx, http.MethodPost, "/confirmar", Request{RequestID: requestID, Lane: lane}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("admission request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e errorResponse
		if json.Unmarshal(data, &e) != nil || e.Detail == "" {
			e.Detail = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Detail: e.Detail}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
