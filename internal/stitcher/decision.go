package stitcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DecisionService returns the ad pod to play for a cue. Absence of a
// response within the caller's deadline is treated identically to an
// explicit error: the orchestrator falls back to slate either way.
type DecisionService interface {
	Decide(ctx context.Context, req DecisionRequest) (*AdPod, error)
}

// HTTPDecisionClient calls an ad decision endpoint over HTTP JSON.
type HTTPDecisionClient struct {
	url    string
	client *http.Client
}

// NewHTTPDecisionClient returns a client for the given decision endpoint.
// The per-call timeout is carried by the caller's context, not the client.
func NewHTTPDecisionClient(url string, client *http.Client) *HTTPDecisionClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDecisionClient{url: url, client: client}
}

// Decide implements DecisionService.
func (c *HTTPDecisionClient) Decide(ctx context.Context, req DecisionRequest) (*AdPod, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecision, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecision, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrDecisionTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDecision, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrDecision, resp.StatusCode)
	}

	var pod AdPod
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&pod); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecision, err)
	}
	if len(pod.Segments) == 0 {
		return nil, fmt.Errorf("%w: empty pod", ErrDecision)
	}
	return &pod, nil
}

// slatePod clones the channel's configured slate as a degraded-path pod.
// The slate references real, existing assets; nothing in the engine ever
// invents segment URIs.
func slatePod(slate *AdPod) *AdPod {
	if slate == nil || len(slate.Segments) == 0 {
		return nil
	}
	cp := *slate
	cp.Segments = append([]AdSegment(nil), slate.Segments...)
	if cp.ID == "" {
		cp.ID = "slate"
	}
	return &cp
}

// decideWithTimeout races the decision call against the configured timeout.
// The degraded/slate path is an explicit branch of the break state machine,
// not an afterthought; callers inspect the returned error with errors.Is.
func decideWithTimeout(ctx context.Context, svc DecisionService, req DecisionRequest, timeout time.Duration) (*AdPod, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pod, err := svc.Decide(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrDecisionTimeout, err)
		}
		return nil, err
	}
	return pod, nil
}
