package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestSender(serverURL string) *sender {
	return &sender{
		serverURL:   serverURL,
		apiKey:      "test-key",
		client:      &http.Client{Timeout: 5 * time.Second},
		sendTimeout: 5 * time.Second,
	}
}

func TestSendPostsBatchWithAuth(t *testing.T) {
	var gotPath, gotAuth, gotContentType, gotUserAgent string
	var gotBatch []SpanRecord

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotUserAgent = r.Header.Get("User-Agent")
		if err := json.NewDecoder(r.Body).Decode(&gotBatch); err != nil {
			t.Errorf("decoding batch: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSender(srv.URL)
	batch := []SpanRecord{rec("t1", "s1", "a"), rec("t1", "s2", "b")}
	if err := s.send(context.Background(), batch); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if gotPath != "POST /span" {
		t.Errorf("expected POST /span, got %q", gotPath)
	}
	if gotAuth != "ApiKey test-key" {
		t.Errorf("expected ApiKey auth header, got %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("expected JSON content type, got %q", gotContentType)
	}
	if gotUserAgent != userAgent {
		t.Errorf("expected user agent %q, got %q", userAgent, gotUserAgent)
	}
	if len(gotBatch) != 2 || gotBatch[0].Name != "a" || gotBatch[1].Name != "b" {
		t.Errorf("unexpected batch payload: %+v", gotBatch)
	}
}

func TestSendOmitsAuthWithoutKey(t *testing.T) {
	var sawAuthHeader bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawAuthHeader = r.Header["Authorization"]
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := newTestSender(srv.URL)
	s.apiKey = ""
	if err := s.send(context.Background(), []SpanRecord{rec("t1", "s1", "a")}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if sawAuthHeader {
		t.Error("expected no Authorization header without an API key")
	}
}

func TestSendRejectionBecomesDeliveryError(t *testing.T) {
	longBody := strings.Repeat("x", 300)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(longBody))
	}))
	defer srv.Close()

	s := newTestSender(srv.URL)
	err := s.send(context.Background(), []SpanRecord{rec("t1", "s1", "a")})
	if err == nil {
		t.Fatal("expected an error for a 400 response")
	}

	delivery, ok := IsDeliveryError(err)
	if !ok {
		t.Fatalf("expected DeliveryError, got %T: %v", err, err)
	}
	if delivery.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", delivery.StatusCode)
	}
	if len(delivery.Body) != maxErrorBody {
		t.Errorf("expected body truncated to %d bytes, got %d", maxErrorBody, len(delivery.Body))
	}
}

func TestSendTreatsRedirectStatusAsDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(399)
	}))
	defer srv.Close()

	s := newTestSender(srv.URL)
	if err := s.send(context.Background(), []SpanRecord{rec("t1", "s1", "a")}); err != nil {
		t.Fatalf("expected status below 400 to count as delivered, got %v", err)
	}
}

func TestSendWithoutServerFailsFast(t *testing.T) {
	s := newTestSender("")
	err := s.send(context.Background(), []SpanRecord{rec("t1", "s1", "a")})
	if err != ErrServerNotConfigured {
		t.Fatalf("expected ErrServerNotConfigured, got %v", err)
	}
}

func TestSendFinalUsesOwnDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// The blocking teardown path must succeed even when the surrounding
	// context is already cancelled, as it runs on its own deadline.
	s := newTestSender(srv.URL)
	if err := s.sendFinal([]SpanRecord{rec("t1", "s1", "a")}); err != nil {
		t.Fatalf("sendFinal failed: %v", err)
	}
}

func TestSendRespectsContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	s := newTestSender(srv.URL)
	err := s.send(ctx, []SpanRecord{rec("t1", "s1", "a")})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context cancellation, got %v", err)
	}
}
