package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
)

const (
	// DefaultTimeout is the default request timeout
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum response body size (10MB)
	MaxResponseSize = 10 * 1024 * 1024

	// MaxRequestSize is the maximum request body size (5MB)
	MaxRequestSize = 5 * 1024 * 1024
)

// Config holds backend client configuration
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the per-table REST backend. Every call returns either the
// decoded rows or an error; a missing row is (nil, nil), never an error.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  ectologger.Logger
}

// NewClient creates a new backend client
func NewClient(cfg Config, logger ectologger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    100,
				IdleConnTimeout: 90 * time.Second,
			},
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Ping issues a cheap HEAD request against the backend root. It is the
// reachability check the connectivity observer and readiness probe share.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseSize)) //nolint:errcheck

	if resp.StatusCode >= http.StatusInternalServerError {
		return &BackendError{StatusCode: resp.StatusCode, Message: "backend unhealthy"}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// do executes a request and returns the raw body for 2xx responses, or a
// classified error otherwise.
func (c *Client) do(ctx context.Context, method, rawURL string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		if len(encoded) > MaxRequestSize {
			return nil, fmt.Errorf("request body too large: %d bytes (max %d)", len(encoded), MaxRequestSize)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Mutations want the stored row echoed back so callers can learn the
	// backend-assigned id without a second round trip.
	if method != http.MethodGet && method != http.MethodHead {
		req.Header.Set("Prefer", "return=representation")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Errorf("backend request failed: %s %s", method, rawURL)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(raw) > MaxResponseSize {
		return nil, fmt.Errorf("response body too large: %d bytes (max %d)", len(raw), MaxResponseSize)
	}

	c.logger.WithContext(ctx).Debugf("backend %s %s -> %d (%s)", method, rawURL, resp.StatusCode, duration)

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return raw, nil
	}
	return nil, c.decodeError(resp.StatusCode, raw)
}

// decodeError lifts the backend's JSON error envelope into a BackendError,
// falling back to the raw body when the envelope is absent.
func (c *Client) decodeError(status int, raw []byte) error {
	be := &BackendError{StatusCode: status}
	if err := json.Unmarshal(raw, be); err != nil || be.Message == "" {
		be.Message = strings.TrimSpace(string(raw))
		if be.Message == "" {
			be.Message = http.StatusText(status)
		}
	}
	return be
}
