package networking

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rafabd1/nightshade/internal/config"
	"github.com/rafabd1/nightshade/internal/utils"
)

const (
	// DefaultRetryDelayBaseMs is the base delay for exponential backoff.
	DefaultRetryDelayBaseMs = 200
	// DefaultRetryDelayMaxMs is the maximum delay for exponential backoff.
	DefaultRetryDelayMaxMs = 5000

	// maxResponseBodySize limits memory usage per response.
	maxResponseBodySize = 2 * 1024 * 1024
)

var (
	// ErrTimeout is returned when the target did not answer before the request deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrTransport wraps every other network failure (refused connection, reset, protocol error...).
	ErrTransport = errors.New("transport failure")
)

// Response holds the outcome of a successful HTTP exchange.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Client sends Requests with a per-request deadline, custom headers, retries and proxy support.
type Client struct {
	baseClient       *http.Client
	config           *config.Config
	logger           utils.Logger
	domains          *DomainManager
	userAgent        string
	parsedProxies    []config.ProxyEntry
	proxyLock        sync.Mutex
	domainProxyIndex map[string]int
	proxyClients     map[string]*http.Client
	defaultTransport *http.Transport
}

// NewClient creates a new HTTP Client with specified configurations.
// domains may be nil to disable rate limiting.
func NewClient(cfg *config.Config, domains *DomainManager, logger utils.Logger) (*Client, error) {
	baseTransport := &http.Transport{
		Proxy: nil,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: cfg.Concurrency,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	c := &Client{
		config:           cfg,
		logger:           logger,
		domains:          domains,
		userAgent:        cfg.UserAgent,
		parsedProxies:    cfg.ParsedProxies,
		domainProxyIndex: make(map[string]int),
		proxyClients:     make(map[string]*http.Client),
		defaultTransport: baseTransport,
	}
	c.baseClient = c.newHTTPClient(baseTransport)

	for _, p := range cfg.ParsedProxies {
		proxyURL, err := url.Parse(p.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy '%s': %w", p.URL, err)
		}
		proxiedTransport := baseTransport.Clone()
		proxiedTransport.Proxy = http.ProxyURL(proxyURL)
		c.proxyClients[p.URL] = c.newHTTPClient(proxiedTransport)
	}

	return c, nil
}

// newHTTPClient never sets http.Client.Timeout: deadlines come from the request context.
func (c *Client) newHTTPClient(transport *http.Transport) *http.Client {
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse // Always return the last response (e.g. the 302 itself)
		},
	}
}

// clientForDomain selects a proxied client for a given target domain using round-robin per domain.
func (c *Client) clientForDomain(targetDomain string) *http.Client {
	if len(c.parsedProxies) == 0 {
		return c.baseClient
	}

	c.proxyLock.Lock()
	currentIndex, exists := c.domainProxyIndex[targetDomain]
	if !exists {
		currentIndex = 0
	} else {
		currentIndex = (currentIndex + 1) % len(c.parsedProxies)
	}
	c.domainProxyIndex[targetDomain] = currentIndex
	selected := c.parsedProxies[currentIndex]
	c.proxyLock.Unlock()

	if c.config.VerbosityLevel >= 1 {
		c.logger.Debugf("Selected proxy '%s' for target domain '%s' (Index: %d)", selected.URL, targetDomain, currentIndex)
	}
	return c.proxyClients[selected.URL]
}

// Send executes req and waits at most timeout for the complete response.
// A deadline hit is reported as an error wrapping ErrTimeout and is never retried;
// other failures wrap ErrTransport and are retried up to MaxRetries times.
func (c *Client) Send(ctx context.Context, req *Request, timeout time.Duration) (*Response, error) {
	domain := DomainKey(req.URL)
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, c.backoff(attempt)); err != nil {
				return nil, err
			}
		}
		if c.domains != nil {
			if standby, until := c.domains.IsStandby(domain); standby {
				c.logger.Debugf("Domain %s is in standby until %s, waiting.", domain, until.Format(time.TimeOnly))
			}
			if err := c.domains.Wait(ctx, domain); err != nil {
				return nil, err
			}
		}

		resp, err := c.do(ctx, req, timeout)
		if c.domains != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			c.domains.RecordRequestResult(domain, status, err)
		}
		if err == nil {
			if c.config.VerbosityLevel >= 2 {
				c.logger.Debugf("Request to %s (attempt %d) successful. Status: %s. Body size: %d. Took %s",
					req.FullURL(), attempt+1, resp.Status, len(resp.Body), resp.Duration)
			}
			return resp, nil
		}
		if errors.Is(err, ErrTimeout) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		failures := 0
		if c.domains != nil {
			failures = c.domains.ConsecutiveFailures(domain)
		}
		c.logger.Debugf("Request to %s failed (attempt %d/%d, %d consecutive failures on %s): %v",
			req.FullURL(), attempt+1, c.config.MaxRetries+1, failures, domain, err)
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, req *Request, timeout time.Duration) (*Response, error) {
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := c.buildRequest(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build request for %s: %v", ErrTransport, req.FullURL(), err)
	}

	start := time.Now()
	resp, err := c.clientForDomain(httpReq.URL.Hostname()).Do(httpReq)
	if err != nil {
		return nil, classifyError(ctx, req, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, classifyError(ctx, req, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       body,
		Duration:   time.Since(start),
	}, nil
}

func (c *Client) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	body := req.EncodedBody()
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.FullURL(), bodyReader)
	if err != nil {
		return nil, err
	}

	for key, values := range c.defaultHeaders() {
		httpReq.Header[key] = values
	}
	if body != "" {
		httpReq.Header.Set("Content-Type", utils.ContentTypeForm)
	}
	for key, values := range req.Headers {
		httpReq.Header.Del(key)
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	return httpReq, nil
}

// defaultHeaders are sent with every request: the User-Agent, then the configured custom headers.
func (c *Client) defaultHeaders() http.Header {
	headers := make(http.Header)
	headers.Set("User-Agent", c.userAgent)
	for _, headerStr := range c.config.CustomHeaders {
		if name, value, ok := utils.ParseHeaderLine(headerStr); ok {
			headers.Set(name, value)
		}
	}
	return headers
}

// ApplyHeaders copies the default headers into req when it does not set them itself,
// so that req.HTTPRepr shows the request as it is actually sent.
func (c *Client) ApplyHeaders(req *Request) {
	if req.Headers == nil {
		req.Headers = make(http.Header)
	}
	for key, values := range c.defaultHeaders() {
		if _, set := req.Headers[key]; !set {
			req.Headers[key] = append([]string(nil), values...)
		}
	}
}

// classifyError maps a failed exchange to ErrTimeout or ErrTransport.
// Cancellation of the caller's context is returned untouched.
func classifyError(parent context.Context, req *Request, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("request to %s aborted: %w", req.FullURL(), parent.Err())
	}
	if utils.IsDialError(err) {
		return fmt.Errorf("%w: %s: %v", ErrTransport, req.FullURL(), err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, req.FullURL(), err)
	}
	return fmt.Errorf("%w: %s: %v", ErrTransport, req.FullURL(), err)
}

func (c *Client) backoff(attempt int) time.Duration {
	base := c.config.RetryDelayBaseMs
	if base <= 0 {
		base = DefaultRetryDelayBaseMs
	}
	maxDelay := c.config.RetryDelayMaxMs
	if maxDelay <= 0 {
		maxDelay = DefaultRetryDelayMaxMs
	}
	delay := base << (attempt - 1)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return time.Duration(delay) * time.Millisecond
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
