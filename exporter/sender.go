package exporter

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

// ErrServerNotConfigured is returned when a send is attempted without a
// collector address. The flush coordinator checks for this condition before
// sending; the sender guards it as well so it can never POST to nowhere.
var ErrServerNotConfigured = errors.New("aiqa: server address not configured")

// maxErrorBody bounds how much of a rejection response body is kept in the
// resulting error.
const maxErrorBody = 200

// DeliveryError reports a batch the collector rejected with an error status.
type DeliveryError struct {
	StatusCode int
	Body       string // response body, truncated to maxErrorBody bytes
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("aiqa: deliver spans: status %d: %s", e.StatusCode, e.Body)
}

// IsDeliveryError reports whether err is a collector rejection and returns it.
func IsDeliveryError(err error) (*DeliveryError, bool) {
	var e *DeliveryError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// sender delivers span record batches to the collector.
// Safe for concurrent use; the flush coordinator serializes sends anyway.
type sender struct {
	serverURL   string // base URL without trailing slash, "" when unconfigured
	apiKey      string
	client      *http.Client
	sendTimeout time.Duration // bound for the blocking teardown path
}

func (s *sender) configured() bool {
	return s.serverURL != ""
}

const userAgent = "aiqa-go/0.3.2"

// send POSTs the batch as a JSON array to <server>/span, authenticating with
// the ApiKey scheme when a key is configured. Any status below 400 counts as
// delivered. Cancelling ctx aborts the request.
func (s *sender) send(ctx context.Context, records []SpanRecord) error {
	if s.serverURL == "" {
		return ErrServerNotConfigured
	}

	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("aiqa: marshal span batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/span", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("aiqa: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if s.apiKey != "" {
		req.Header.Set("Authorization", "ApiKey "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("aiqa: POST /span: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return &DeliveryError{
			StatusCode: resp.StatusCode,
			Body:       truncatedBody(resp.Body),
		}
	}

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// sendFinal is the blocking teardown path: identical request semantics, but
// run on a fresh context bounded by the send timeout so the batch can still
// go out while the caller's context is already dying.
func (s *sender) sendFinal(records []SpanRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()
	return s.send(ctx, records)
}

func truncatedBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return ""
	}
	return string(b)
}
