package translation

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
	"sync"
	"time"
)

// Supported providers
const (
	ProviderGoogle = "google"
	ProviderDeepL  = "deepl"
)

// Default provider endpoints
const (
	DefaultGoogleEndpoint = "https://translation.googleapis.com/language/translate/v2"
	DefaultDeepLEndpoint  = "https://api-free.deepl.com/v2/translate"
)

// maxErrorBody bounds how much of a failed response is kept in the error
const maxErrorBody = 256

// Translator translates one text into a target language
type Translator interface {
	Translate(ctx context.Context, text, target string) (string, error)
}

// Error reports a failed translation call
type Error struct {
	Provider   string
	Target     string
	StatusCode int // zero when no HTTP response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s translation to %q failed with HTTP %d: %v", e.Provider, e.Target, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s translation to %q failed: %v", e.Provider, e.Target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the call failed because its deadline passed
func (e *Error) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Config contains translation client configuration
type Config struct {
	Provider      string
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxConcurrent int
}

// Client provides HTTP client functionality for translation API requests
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Concurrency limit

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// ClientStats represents client statistics
type ClientStats struct {
	Provider        string        `json:"provider"`
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new translation HTTP client
func NewClient(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	switch config.Provider {
	case ProviderGoogle:
		if config.Endpoint == "" {
			config.Endpoint = DefaultGoogleEndpoint
		}
	case ProviderDeepL:
		if config.Endpoint == "" {
			config.Endpoint = DefaultDeepLEndpoint
		}
	default:
		return nil, fmt.Errorf("unsupported translation provider %q", config.Provider)
	}

	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 8
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Translate translates text into the target language. Every failure,
// including a full semaphore outlasting ctx, is returned as *Error.
func (c *Client) Translate(ctx context.Context, text, target string) (string, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return "", c.fail(target, 0, ctx.Err())
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	startTime := time.Now()
	c.incrementTotalRequests()

	var (
		translated string
		status     int
		err        error
	)
	switch c.config.Provider {
	case ProviderDeepL:
		translated, status, err = c.doDeepL(ctx, text, target)
	default:
		translated, status, err = c.doGoogle(ctx, text, target)
	}
	if err != nil {
		c.incrementFailedRequests()
		return "", c.fail(target, status, err)
	}

	c.incrementSuccessRequests()
	c.updateAvgResponseTime(time.Since(startTime))
	return translated, nil
}

func (c *Client) fail(target string, status int, err error) *Error {
	return &Error{Provider: c.config.Provider, Target: target, StatusCode: status, Err: err}
}

type googleRequest struct {
	Q      string `json:"q"`
	Target string `json:"target"`
	Format string `json:"format"`
}

type googleResponse struct {
	Data struct {
		Translations []struct {
			TranslatedText string `json:"translatedText"`
		} `json:"translations"`
	} `json:"data"`
}

// doGoogle calls the Cloud Translation v2 REST API
func (c *Client) doGoogle(ctx context.Context, text, target string) (string, int, error) {
	endpoint, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return "", 0, fmt.Errorf("invalid endpoint: %w", err)
	}
	q := endpoint.Query()
	q.Set("key", c.config.APIKey)
	endpoint.RawQuery = q.Encode()

	body, err := json.Marshal(googleRequest{Q: text, Target: target, Format: "text"})
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode request: %w", err)
	}

	var resp googleResponse
	status, err := c.post(ctx, endpoint.String(), body, nil, &resp)
	if err != nil {
		return "", status, err
	}
	if len(resp.Data.Translations) == 0 {
		return "", status, fmt.Errorf("response contains no translations")
	}
	return resp.Data.Translations[0].TranslatedText, status, nil
}

type deeplRequest struct {
	Text       []string `json:"text"`
	TargetLang string   `json:"target_lang"`
}

type deeplResponse struct {
	Translations []struct {
		DetectedSourceLanguage string `json:"detected_source_language"`
		Text                   string `json:"text"`
	} `json:"translations"`
}

// doDeepL calls the DeepL v2 translate API
func (c *Client) doDeepL(ctx context.Context, text, target string) (string, int, error) {
	body, err := json.Marshal(deeplRequest{Text: []string{text}, TargetLang: strings.ToUpper(target)})
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode request: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "DeepL-Auth-Key "+c.config.APIKey)

	var resp deeplResponse
	status, err := c.post(ctx, c.config.Endpoint, body, headers, &resp)
	if err != nil {
		return "", status, err
	}
	if len(resp.Translations) == 0 {
		return "", status, fmt.Errorf("response contains no translations")
	}
	return resp.Translations[0].Text, status, nil
}

// post sends a JSON body and decodes a JSON response into out
func (c *Client) post(ctx context.Context, endpoint string, body []byte, headers http.Header, out any) (int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "transcription-relay/1.0")
	for key, values := range headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(respBody)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody] + "..."
		}
		return resp.StatusCode, fmt.Errorf("unexpected response: %s", strings.TrimSpace(msg))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return resp.StatusCode, nil
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := 0.0
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		Provider:        c.config.Provider,
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for in-flight translations to finish
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}
