package aiqa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrSpanNotFound is returned by GetSpan when the collector has no span
// matching the given id under either query field.
var ErrSpanNotFound = errors.New("aiqa: span not found")

// APIError represents an error response from the AIQA collector with the
// HTTP status code and the server's message body.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aiqa: api error (%d): %s", e.StatusCode, e.Message)
}

// IsAPIError reports whether err is a collector error response and, if so,
// returns it.
func IsAPIError(err error) (*APIError, bool) {
	var e *APIError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsUnauthorized returns true if the error is a 401, typically a missing or
// revoked API key.
func IsUnauthorized(err error) bool {
	var e *APIError
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

// GetSpan fetches a stored span from the collector by id. The id is matched
// against the server-assigned span id first, then against the client span id
// recorded at export time. Returns ErrSpanNotFound when neither matches.
//
// Requires a server URL and an organisation id; spans become queryable only
// after they have been flushed and indexed.
func (c *Client) GetSpan(ctx context.Context, spanID string) (map[string]any, error) {
	if c.cfg.ServerURL == "" {
		return nil, fmt.Errorf("aiqa: get span: server URL is not configured")
	}
	if c.cfg.OrganisationID == "" {
		return nil, fmt.Errorf("aiqa: get span: organisation id is not configured")
	}

	// Try the server-side span id first, then the client-assigned one. A
	// query error on one field does not prevent trying the other.
	var lastErr error
	for _, field := range []string{"spanId", "clientSpanId"} {
		hit, err := c.querySpan(ctx, field, spanID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}
		if hit != nil {
			return hit, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrSpanNotFound
}

func (c *Client) querySpan(ctx context.Context, field, spanID string) (map[string]any, error) {
	q := url.Values{}
	q.Set("q", field+":"+spanID)
	q.Set("organisation", c.cfg.OrganisationID)
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.ServerURL+"/span?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("aiqa: create request: %w", err)
	}
	req.Header.Set("User-Agent", "aiqa-go/"+Version)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "ApiKey "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aiqa: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("aiqa: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	var envelope struct {
		Hits []map[string]any `json:"hits"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("aiqa: decode span query response: %w", err)
	}
	if len(envelope.Hits) == 0 {
		return nil, nil
	}
	return envelope.Hits[0], nil
}
