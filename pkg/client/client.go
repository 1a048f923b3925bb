// Package client talks to the tracevisor control API.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8090/api"
	// DefaultTimeout covers a full startup or stop on the daemon side.
	DefaultTimeout = 60 * time.Second
)

// Client provides HTTP client functionality to communicate with the tracevisor daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	// TLS is used for https base URLs; nil means system roots.
	TLS *tls.Config
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: DefaultTimeout}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	hc := &http.Client{Timeout: config.Timeout}
	if config.TLS != nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = config.TLS
		hc.Transport = tr
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  hc,
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/args", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	reachable := resp.StatusCode == http.StatusOK
	c.logger.Debug("Daemon reachability check", "reachable", reachable, "status", resp.StatusCode)
	return reachable
}

// Start asks the daemon to start the server unless it already runs.
func (c *Client) Start(ctx context.Context) (Result, error) {
	var res Result
	err := c.do(ctx, http.MethodPost, "/start", &res)
	if err == nil && res.Warning != "" {
		c.logger.Warn(res.Warning)
	}
	return res, err
}

// Stop asks the daemon to stop the server.
func (c *Client) Stop(ctx context.Context) (Result, error) {
	var res Result
	err := c.do(ctx, http.MethodPost, "/stop", &res)
	if err == nil && res.Warning != "" {
		c.logger.Warn(res.Warning)
	}
	return res, err
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Args returns the argument vector the daemon would pass to the server.
func (c *Client) Args(ctx context.Context) ([]string, error) {
	var body struct {
		Args []string `json:"args"`
	}
	if err := c.do(ctx, http.MethodGet, "/args", &body); err != nil {
		return nil, err
	}
	return body.Args, nil
}

// do performs the request and decodes a 200 body into out.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.logger.Debug("API request", "method", method, "url", url)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Error("API request failed", "error", er.Error, "kind", er.Kind, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error, Kind: er.Kind}
}

// IsBusy reports whether err is the daemon rejecting a concurrent request.
func IsBusy(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}
