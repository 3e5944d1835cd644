package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPTransport posts the server's info over HTTP to each configured
// controller endpoint until one succeeds, adapted from the teacher's
// generic webhook notifier (same client shape, same fire-until-it-works
// posture).
type HTTPTransport struct {
	endpoints []string
	client    *http.Client
}

// NewHTTPTransport builds an HTTPTransport posting to endpoints in
// order. An empty endpoint list is valid: Connect will report
// SignalNotDefined.
func NewHTTPTransport(endpoints []string) *HTTPTransport {
	return &HTTPTransport{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Connect posts info to each endpoint in turn, returning the first
// successful response. If no endpoint accepts a connection, returns
// SignalNotConnected rather than an error -- controller unreachability is
// a recoverable, expected outcome, not a fault.
func (t *HTTPTransport) Connect(ctx context.Context, info ServerInfo) (ConnectResult, error) {
	if len(t.endpoints) == 0 {
		return ConnectResult{Signal: SignalNotDefined}, nil
	}

	body, err := json.Marshal(info)
	if err != nil {
		return ConnectResult{}, fmt.Errorf("marshal server info: %w", err)
	}

	for _, endpoint := range t.endpoints {
		setup, ok := t.tryConnect(ctx, endpoint, body)
		if ok {
			return ConnectResult{Signal: SignalReady, Setup: setup}, nil
		}
	}

	return ConnectResult{Signal: SignalNotConnected}, nil
}

func (t *HTTPTransport) tryConnect(ctx context.Context, endpoint string, body []byte) (*Setup, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/connect", bytes.NewReader(body))
	if err != nil {
		return nil, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false
	}

	var setup Setup
	if err := json.NewDecoder(resp.Body).Decode(&setup); err != nil {
		return nil, false
	}
	return &setup, true
}

// Disconnect notifies every endpoint, best-effort: a failed endpoint does
// not stop the others, and the first error seen is returned.
func (t *HTTPTransport) Disconnect(ctx context.Context, info ServerInfo) error {
	body, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal server info: %w", err)
	}

	var firstErr error
	for _, endpoint := range t.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/disconnect", bytes.NewReader(body))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.client.Do(req)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resp.Body.Close()
	}
	return firstErr
}
