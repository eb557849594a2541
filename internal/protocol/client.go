package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/companion-console/console/internal/errors"
	"github.com/companion-console/console/internal/interfaces"
	"github.com/companion-console/console/internal/logging"
)

const (
	clientVersion = "1.0.0"
	maxBodySize   = 1 << 20
)

// Client is the one-shot HTTP path to the companion service. It keeps no
// conversation state; each call is an independent request.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	authHeader string
	userAgent  string
	sessionID  string
	logger     *logging.Logger
	mutex      sync.RWMutex
	statistics ConnectionStatistics
	lastError  error
}

// NewClient creates a fallback client for the profile's host. The
// authorization header is computed once through authManager.
func NewClient(profile *interfaces.Profile, authManager interfaces.AuthManager) (*Client, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	base, err := BaseURL(profile.Host, profile.TLS)
	if err != nil {
		return nil, err
	}

	var authHeader string
	if authManager != nil {
		authHeader, err = authManager.CreateAuthHeader(&profile.Auth)
		if err != nil {
			return nil, fmt.Errorf("failed to build authorization header: %w", err)
		}
	}

	httpClient := &http.Client{
		Timeout: DefaultRequestTimeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			MaxIdleConnsPerHost: 2,
		},
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    base,
		authHeader: authHeader,
		userAgent:  fmt.Sprintf("companion-console/%s", clientVersion),
		sessionID:  uuid.NewString(),
		logger:     logging.GetProtocolLogger(),
	}, nil
}

// BaseURL builds the HTTP base URL for a host, which may be given as
// host:port or as a full http(s) URL.
func BaseURL(host string, useTLS bool) (*url.URL, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, fmt.Errorf("host cannot be empty")
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		scheme := "http://"
		if useTLS {
			scheme = "https://"
		}
		host = scheme + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid host %q: %w", host, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid host %q", host)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u, nil
}

// Address returns the base URL the client talks to
func (c *Client) Address() string {
	return c.baseURL.String()
}

// CloseIdleConnections releases pooled keep-alive connections
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// Statistics returns a copy of the request statistics
func (c *Client) Statistics() ConnectionStatistics {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.statistics
}

// GetLastError returns the last communication error
func (c *Client) GetLastError() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.lastError
}

// buildURL constructs the full URL for an endpoint
func (c *Client) buildURL(endpoint string) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + endpoint
	return u.String()
}

// setStandardHeaders sets common headers for all requests
func (c *Client) setStandardHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Session-ID", c.sessionID)
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}
}

// executeJSONRequest performs one request and decodes a 2xx JSON body into out
func (c *Client) executeJSONRequest(ctx context.Context, method, endpoint string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return c.wrapProtocolError(endpoint, "failed to marshal request payload", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(endpoint), body)
	if err != nil {
		return c.wrapProtocolError(endpoint, "failed to create request", err)
	}
	c.setStandardHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	responseTime := time.Since(startTime)

	if err != nil {
		c.updateRequestStatistics(responseTime, false)
		return c.wrapNetworkError(endpoint, err)
	}
	defer resp.Body.Close()

	c.logger.LogHTTPRequest(method, endpoint, resp.StatusCode, responseTime)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		c.updateRequestStatistics(responseTime, false)
		return c.wrapNetworkError(endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.updateRequestStatistics(responseTime, false)
		return c.handleHTTPError(endpoint, resp, data)
	}

	c.updateRequestStatistics(responseTime, true)

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return c.wrapProtocolError(endpoint, "failed to parse response", err)
	}
	return nil
}

// wrapNetworkError wraps transport-level failures of a fallback request
func (c *Client) wrapNetworkError(endpoint string, err error) error {
	ctxErr := apperrors.NewConnectError("protocol").
		WithOperation(endpoint).
		WithMessage("fallback request failed").
		WithUserMessage("The companion service is unreachable.").
		WithCause(err).
		WithContext("url", c.buildURL(endpoint)).
		WithLogger(c.logger).
		Build()
	c.setLastError(ctxErr)
	return ctxErr
}

// wrapProtocolError wraps encoding and decoding failures
func (c *Client) wrapProtocolError(endpoint, message string, err error) error {
	ctxErr := apperrors.NewProtocolError("protocol").
		WithOperation(endpoint).
		WithMessage(message).
		WithCause(err).
		WithRecoverable(false).
		WithLogger(c.logger).
		Build()
	c.setLastError(ctxErr)
	return ctxErr
}

// handleHTTPError converts a non-2xx response into a remote rejection
// carrying the status code and the server's detail message.
func (c *Client) handleHTTPError(endpoint string, resp *http.Response, body []byte) error {
	detail := ""
	var errBody ErrorBody
	if err := json.Unmarshal(body, &errBody); err == nil {
		detail = errBody.Text()
	}
	if detail == "" {
		detail = strings.TrimSpace(string(body))
	}
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	ctxErr := apperrors.NewRemoteRejectedError("protocol").
		WithOperation(endpoint).
		WithMessagef("HTTP %d: %s", resp.StatusCode, detail).
		WithCode(strconv.Itoa(resp.StatusCode)).
		WithContext("detail", detail).
		WithContext("status_code", resp.StatusCode).
		WithRecoverable(resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests).
		WithLogger(c.logger).
		Build()
	c.setLastError(ctxErr)
	return ctxErr
}

// setLastError records the latest error
func (c *Client) setLastError(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastError = err
}

// updateRequestStatistics updates request statistics
func (c *Client) updateRequestStatistics(responseTime time.Duration, success bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	stats := &c.statistics
	stats.TotalRequests++
	stats.LastRequestTime = time.Now()

	if success {
		stats.SuccessfulRequests++
	} else {
		stats.FailedRequests++
	}

	if stats.TotalRequests == 1 {
		stats.AverageResponseTime = responseTime
	} else {
		total := stats.AverageResponseTime * time.Duration(stats.TotalRequests-1)
		stats.AverageResponseTime = (total + responseTime) / time.Duration(stats.TotalRequests)
	}
}
