package translation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{"google with key", Config{Provider: ProviderGoogle, APIKey: "k"}, false},
		{"deepl with key", Config{Provider: ProviderDeepL, APIKey: "k"}, false},
		{"missing key", Config{Provider: ProviderGoogle}, true},
		{"unknown provider", Config{Provider: "babelfish", APIKey: "k"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.config)
			if tt.expectError && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestGoogleTranslate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.URL.Query().Get("key") != "secret" {
			t.Errorf("Expected API key in query, got %q", r.URL.RawQuery)
		}

		var req googleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if req.Q != "hello" || req.Target != "ja" || req.Format != "text" {
			t.Errorf("Unexpected request %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"translations":[{"translatedText":"こんにちは"}]}}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{Provider: ProviderGoogle, Endpoint: server.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	got, err := client.Translate(context.Background(), "hello", "ja")
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if got != "こんにちは" {
		t.Errorf("Expected こんにちは, got %q", got)
	}

	stats := client.GetStats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 || stats.FailedRequests != 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestDeepLTranslate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "DeepL-Auth-Key secret" {
			t.Errorf("Unexpected Authorization header %q", got)
		}

		var req deeplRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if len(req.Text) != 1 || req.Text[0] != "hello" || req.TargetLang != "DE" {
			t.Errorf("Unexpected request %+v", req)
		}

		w.Write([]byte(`{"translations":[{"detected_source_language":"EN","text":"hallo"}]}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{Provider: ProviderDeepL, Endpoint: server.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	got, err := client.Translate(context.Background(), "hello", "de")
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if got != "hallo" {
		t.Errorf("Expected hallo, got %q", got)
	}
}

func TestTranslateErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
	}{
		{"invalid language", http.StatusBadRequest, `{"error":{"message":"Invalid Value"}}`, http.StatusBadRequest},
		{"quota exceeded", http.StatusForbidden, `quota`, http.StatusForbidden},
		{"empty result", http.StatusOK, `{"data":{"translations":[]}}`, http.StatusOK},
		{"malformed body", http.StatusOK, `{not json`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, err := NewClient(Config{Provider: ProviderGoogle, Endpoint: server.URL, APIKey: "k"})
			if err != nil {
				t.Fatalf("NewClient failed: %v", err)
			}

			_, err = client.Translate(context.Background(), "hello", "xx")
			var translationErr *Error
			if !errors.As(err, &translationErr) {
				t.Fatalf("Expected *Error, got %T: %v", err, err)
			}
			if translationErr.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, translationErr.StatusCode)
			}
			if translationErr.Target != "xx" {
				t.Errorf("Expected target xx, got %q", translationErr.Target)
			}
			if calls.Load() != 1 {
				t.Errorf("Expected exactly one call without retries, got %d", calls.Load())
			}
			if client.GetStats().FailedRequests != 1 {
				t.Errorf("Expected 1 failed request, got %d", client.GetStats().FailedRequests)
			}
		})
	}
}

func TestTranslateTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client, err := NewClient(Config{
		Provider: ProviderGoogle,
		Endpoint: server.URL,
		APIKey:   "k",
		Timeout:  50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = client.Translate(context.Background(), "hello", "ja")
	var translationErr *Error
	if !errors.As(err, &translationErr) {
		t.Fatalf("Expected *Error, got %T: %v", err, err)
	}
}

func TestTranslateCancelledWhileWaitingForSlot(t *testing.T) {
	client, err := NewClient(Config{Provider: ProviderGoogle, Endpoint: "http://127.0.0.1:0", APIKey: "k", MaxConcurrent: 1})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	// Occupy the only slot
	client.semaphore <- struct{}{}
	defer func() { <-client.semaphore }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = client.Translate(ctx, "hello", "ja")
	var translationErr *Error
	if !errors.As(err, &translationErr) {
		t.Fatalf("Expected *Error, got %T: %v", err, err)
	}
	if !translationErr.Timeout() {
		t.Errorf("Expected timeout error, got %v", translationErr.Err)
	}
	if client.GetStats().TotalRequests != 0 {
		t.Error("Expected no request to be counted while waiting for a slot")
	}
}
