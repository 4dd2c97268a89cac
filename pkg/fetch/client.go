// Package fetch provides the HTTP fetch resource leased from the pool, with
// caller-supplied headers and per-request metrics.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/fut-harvester/pkg/logging"
)

// Prometheus metrics for HTTP fetches.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_requests_total",
		Help: "Total HTTP fetches by host and status",
	}, []string{"host", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_request_duration_seconds",
		Help:    "HTTP fetch duration in seconds by host",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20},
	}, []string{"host"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_request_errors_total",
		Help: "Total HTTP fetch errors by class",
	}, []string{"class"})
)

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// MaxBodyBytes caps how much of a response body is read.
const MaxBodyBytes = 32 << 20

// Config holds HTTP resource configuration.
type Config struct {
	// UserAgent header sent with every request.
	UserAgent string

	// Headers are passed through unchanged on every request (e.g. cookies, API keys).
	Headers map[string]string

	// Timeout is the client-level timeout; the per-attempt deadline usually fires first.
	Timeout time.Duration
}

// DefaultConfig returns the default HTTP settings.
func DefaultConfig() Config {
	return Config{
		UserAgent: DefaultUserAgent,
		Timeout:   60 * time.Second,
	}
}

// Client is one pooled HTTP session with its own connection pool.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
	serial     uint64
	requests   atomic.Int64
}

// Serial identifies the client instance; a rebuilt client gets a new serial.
func (c *Client) Serial() uint64 {
	return c.serial
}

// Requests returns the number of requests issued through this client.
func (c *Client) Requests() int64 {
	return c.requests.Load()
}

// GetBody fetches rawURL and returns the response body.
// Non-2xx responses are returned as *RequestError.
func (c *Client) GetBody(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	host := u.Host

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json, text/html;q=0.9, */*;q=0.8")
	}

	c.requests.Add(1)
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(host).Observe(time.Since(start).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errorsTotal.WithLabelValues(string(ClassNetwork)).Inc()
		requestsTotal.WithLabelValues(host, "network_error").Inc()
		return nil, &RequestError{URL: rawURL, Class: ClassNetwork, Err: err}
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(host, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		errorsTotal.WithLabelValues(string(ClassNetwork)).Inc()
		return nil, &RequestError{URL: rawURL, Class: ClassNetwork, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		class := Classify(resp.StatusCode)
		errorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Debug().
			Str("url", rawURL).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Fetch returned error status")
		return nil, &RequestError{URL: rawURL, Class: class, StatusCode: resp.StatusCode}
	}

	return body, nil
}

// GetJSON fetches rawURL and decodes the body into v.
func (c *Client) GetJSON(ctx context.Context, rawURL string, v any) error {
	body, err := c.GetBody(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		errorsTotal.WithLabelValues(string(ClassMalformed)).Inc()
		return &RequestError{URL: rawURL, Class: ClassMalformed, Err: err}
	}
	return nil
}

// Factory builds a fresh Client per pool slot and tears it down on retirement.
type Factory struct {
	config Config
	logger zerolog.Logger
	serial atomic.Uint64
}

// NewFactory creates an HTTP client factory.
func NewFactory(config Config, logger zerolog.Logger) *Factory {
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	return &Factory{
		config: config,
		logger: logging.NewLogger(logger, "fetch"),
	}
}

// Create implements pool.Factory. Each client owns its transport, so retiring
// it drops every connection it opened.
func (f *Factory) Create(ctx context.Context) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   f.config.Timeout,
			Transport: transport,
		},
		config: f.config,
		logger: f.logger,
		serial: f.serial.Add(1),
	}, nil
}

// Close implements pool.Factory.
func (f *Factory) Close(ctx context.Context, c *Client) error {
	c.httpClient.CloseIdleConnections()
	f.logger.Debug().Uint64("client", c.serial).Int64("requests", c.Requests()).Msg("HTTP client closed")
	return nil
}

// NewTestClient wraps an existing http.Client, for tests against httptest servers.
func NewTestClient(httpClient *http.Client, config Config) *Client {
	return &Client{httpClient: httpClient, config: config, logger: zerolog.Nop()}
}
