// Package client is a typed wrapper over the estimation HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"propcore/internal/core"
	"propcore/internal/dataset"
	"propcore/pkg/domain"
)

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.http = httpClient }
}

// WithPollInterval changes how often Wait polls for results.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) { c.pollInterval = interval }
}

// Client submits estimation requests to a server and polls for their
// results.
type Client struct {
	baseURL      string
	http         *http.Client
	pollInterval time.Duration
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		http:         &http.Client{Timeout: 30 * time.Second},
		pollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestHandle identifies a submitted request and polls its results.
type RequestHandle struct {
	ID     string
	client *Client
}

// RequestEstimate submits a dataset for estimation and returns a
// handle for polling.
func (c *Client) RequestEstimate(ctx context.Context, data *dataset.DataSet, forceField []byte, options core.RequestOptions, gradientKeys ...domain.ParameterGradientKey) (*RequestHandle, error) {
	request := core.EstimationRequest{
		DataSet:      data,
		ForceField:   forceField,
		Options:      options,
		GradientKeys: gradientKeys,
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/estimate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var response struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.do(req, http.StatusAccepted, &response); err != nil {
		return nil, err
	}
	return &RequestHandle{ID: response.ID, client: c}, nil
}

// Results fetches the current state of the request.
func (h *RequestHandle) Results(ctx context.Context) (core.RequestResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.client.baseURL+"/api/v1/requests/"+h.ID, nil)
	if err != nil {
		return core.RequestResult{}, err
	}
	var result core.RequestResult
	if err := h.client.do(req, http.StatusOK, &result); err != nil {
		return core.RequestResult{}, err
	}
	return result, nil
}

// Wait polls until the request reaches a terminal status or the
// context expires.
func (h *RequestHandle) Wait(ctx context.Context) (core.RequestResult, error) {
	ticker := time.NewTicker(h.client.pollInterval)
	defer ticker.Stop()
	for {
		result, err := h.Results(ctx)
		if err != nil {
			return core.RequestResult{}, err
		}
		if result.Status.Terminal() {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return core.RequestResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(req *http.Request, wantStatus int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var wire struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &wire) == nil && wire.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, wire.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
