package health

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/loykin/tracevisor/internal/metrics"
)

// Status is the outcome of a single health query.
type Status int

const (
	Unreachable Status = iota
	Unhealthy
	Healthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// StatusUp is the value of the status field reported by a ready server.
const StatusUp = "UP"

// Prober issues one health query. It never retries or sleeps; polling
// policy belongs to the caller.
type Prober interface {
	Probe(ctx context.Context) Status
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) Status

func (f ProberFunc) Probe(ctx context.Context) Status { return f(ctx) }

// JoinURL joins base and apiPath with exactly one slash.
func JoinURL(base, apiPath string) string {
	b := strings.TrimRight(base, "/")
	p := strings.TrimLeft(apiPath, "/")
	if p == "" {
		return b
	}
	return b + "/" + p
}

// EndpointURL returns the health endpoint below the server API root.
func EndpointURL(base, apiPath string) string {
	return JoinURL(JoinURL(base, apiPath), "health")
}

// HTTPProber queries a health endpoint that answers with a JSON body
// holding a "status" field.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates a prober for url. timeout bounds a single request.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProber{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context) Status {
	start := time.Now()
	st := p.probe(ctx)
	metrics.ObserveProbe(st.String(), time.Since(start).Seconds())
	return st
}

func (p *HTTPProber) probe(ctx context.Context) Status {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Unreachable
	}
	req.Header.Set("Accept", "application/json")
	c := p.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return Unreachable
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Unhealthy
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || !gjson.ValidBytes(body) {
		return Unhealthy
	}
	if gjson.GetBytes(body, "status").String() == StatusUp {
		return Healthy
	}
	return Unhealthy
}
