package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"chronos/logger"
	"chronos/models"
)

const (
	// DefaultMaxTimersInResponse bounds how many timers a peer may return in
	// one page; sent on every GET as the Range header.
	DefaultMaxTimersInResponse = 100

	// deleteAttempts bounds retries of an advisory reference drop.
	deleteAttempts = 3

	maxResponseBody = 16 << 20
)

// RequestBuilder constructs an HTTP request to a remote Chronos node. It is
// injectable so tests can substitute a fake transport without a server.
type RequestBuilder func(server, path, method string) (*http.Request, error)

// Client speaks the inter-node timer protocol: paged GET /timers queries and
// DELETE /timers/references drops. Safe for concurrent use; every call
// builds its own request and awaits its own response.
type Client struct {
	http      *http.Client
	build     RequestBuilder
	maxTimers int
}

func NewClient(timeout time.Duration, maxTimers int) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if maxTimers <= 0 {
		maxTimers = DefaultMaxTimersInResponse
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		build:     defaultRequestBuilder,
		maxTimers: maxTimers,
	}
}

// SetRequestBuilder replaces the request factory. Tests use this seam to
// capture requests and script responses.
func (c *Client) SetRequestBuilder(build RequestBuilder) {
	c.build = build
}

func defaultRequestBuilder(server, path, method string) (*http.Request, error) {
	return http.NewRequest(method, "http://"+server+path, nil)
}

// CreatePath builds the GET /timers query for targetNode under viewID.
// timeFrom is included only when useTimeFrom is set; zero is a valid cursor.
func CreatePath(targetNode, viewID string, timeFrom int64, useTimeFrom bool) string {
	path := fmt.Sprintf("/timers?node-for-replicas=%s;cluster-view-id=%s", targetNode, viewID)
	if useTimeFrom {
		path += fmt.Sprintf(";time-from=%d", timeFrom)
	}
	return path
}

// GetTimers fetches one page of timers held by server for targetNode.
// Returns the HTTP status (200 final page, 206 more available) and the raw
// body. Transport failures surface as HTTP-style codes (502/503/504) with a nil
// body so the caller's decision logic stays uniform.
func (c *Client) GetTimers(ctx context.Context, server, targetNode, viewID string, timeFrom int64, useTimeFrom bool) (int, []byte) {
	path := CreatePath(targetNode, viewID, timeFrom, useTimeFrom)
	req, err := c.build(server, path, http.MethodGet)
	if err != nil {
		logger.Logger.Error("Failed to build GET /timers request",
			zap.String("server", server), zap.Error(err))
		return http.StatusInternalServerError, nil
	}
	req.Header.Set("Range", strconv.Itoa(c.maxTimers))

	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil && ctx.Err() == nil {
		// One retry on a connection-level failure before giving up on the peer.
		resp, err = c.http.Do(req.WithContext(ctx))
	}
	if err != nil {
		code := statusForTransportError(err)
		logger.Logger.Warn("GET /timers failed",
			zap.String("server", server), zap.Int("status", code), zap.Error(err))
		return code, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		logger.Logger.Warn("Failed to read GET /timers response",
			zap.String("server", server), zap.Error(err))
		return http.StatusBadGateway, nil
	}
	return resp.StatusCode, body
}

// DeleteReferences posts a DELETE /timers/references with the given IDs.
// Retried on 5xx and transport errors up to a small bound; 4xx is final.
// The drop is advisory, so the last status is returned and never escalated.
func (c *Client) DeleteReferences(ctx context.Context, server string, refs models.ReferencesRequest) int {
	body, err := json.Marshal(refs)
	if err != nil {
		logger.Logger.Error("Failed to marshal reference drop", zap.Error(err))
		return http.StatusInternalServerError
	}

	status := http.StatusServiceUnavailable
	for attempt := 0; attempt < deleteAttempts; attempt++ {
		status = c.sendDelete(ctx, server, body)
		if status < http.StatusInternalServerError {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		logger.Logger.Warn("Reference drop failed",
			zap.String("server", server), zap.Int("status", status))
	}
	return status
}

func (c *Client) sendDelete(ctx context.Context, server string, body []byte) int {
	req, err := c.build(server, "/timers/references", http.MethodDelete)
	if err != nil {
		logger.Logger.Error("Failed to build DELETE /timers/references request",
			zap.String("server", server), zap.Error(err))
		return http.StatusInternalServerError
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return statusForTransportError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode
}

// statusForTransportError maps connection-level failures onto the HTTP codes
// the resync decision logic understands: timeouts count as 504, everything
// else as 503.
func statusForTransportError(err error) int {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusServiceUnavailable
}
