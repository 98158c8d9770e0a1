package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/rs/dnscache"
	circuit "github.com/rubyist/circuitbreaker"
	"golang.org/x/time/rate"
)

var (
	ErrPackageNotFound = errors.New("package not found")
	ErrRateLimited     = errors.New("rate limited by mirror")
	ErrUpstreamDown    = errors.New("mirror unavailable")
)

// FetchError annotates a mirror failure with the package and mirror involved.
type FetchError struct {
	Mirror  string
	Package string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s from mirror %s: %v", e.Package, e.Mirror, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Client talks to package index mirrors.
type Client struct {
	http         *http.Client
	userAgent    string
	timeout      time.Duration
	probeTimeout time.Duration
	maxRetries   int
	baseDelay    time.Duration
	limiter      *rate.Limiter

	mu       sync.RWMutex
	breakers map[string]*circuit.Breaker
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. The client is copied so the
// request timeout never leaks back into the caller's value.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cp := *c
		cl.http = &cp
	}
}

// WithTimeout bounds each metadata or artifact request.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithProbeTimeout bounds reachability probes.
func WithProbeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.probeTimeout = d
	}
}

// WithMaxRetries sets how many times a failed request is retried. Zero or
// negative means a single attempt.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithBaseDelay sets the initial retry delay.
func WithBaseDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.baseDelay = d
	}
}

// WithRateLimit caps the request rate. Zero or negative means unlimited.
func WithRateLimit(perSecond float64) ClientOption {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient creates a mirror client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		userAgent:    "sa/0.1",
		timeout:      30 * time.Second,
		probeTimeout: 5 * time.Second,
		maxRetries:   2,
		baseDelay:    500 * time.Millisecond,
		limiter:      rate.NewLimiter(rate.Inf, 0),
		breakers:     make(map[string]*circuit.Breaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Transport: newTransport()}
	}
	c.http.Timeout = c.timeout
	return c
}

// newTransport resolves hosts through a DNS cache. The process is short
// lived, so entries are never refreshed.
func newTransport() *http.Transport {
	resolver := &dnscache.Resolver{}
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
			}
			return nil, fmt.Errorf("failed to dial any resolved IP for %s", host)
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// breaker returns the circuit breaker for a host, creating it on first use.
func (c *Client) breaker(host string) *circuit.Breaker {
	c.mu.RLock()
	b, ok := c.breakers[host]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[host]; ok {
		return b
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	b = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})
	c.breakers[host] = b
	return b
}

// BreakerStates reports which hosts currently have an open circuit.
func (c *Client) BreakerStates() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	states := make(map[string]string, len(c.breakers))
	for host, b := range c.breakers {
		if b.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}

func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.MaxElapsedTime = maxRetryElapsed(c.timeout)
	if c.maxRetries <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)
}

// maxRetryElapsed caps the whole retry loop at a few request timeouts.
func maxRetryElapsed(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return time.Minute
	}
	return 4 * timeout
}

// get issues a GET with retry and circuit breaking. A 404 is returned as
// ErrPackageNotFound and does not count against the mirror's breaker.
func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	b := c.breaker(u.Host)
	if !b.Ready() {
		return nil, fmt.Errorf("circuit breaker open for %s: %w", u.Host, ErrUpstreamDown)
	}

	var (
		resp     *http.Response
		notFound bool
	)
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		r, err := c.attempt(ctx, rawURL)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		switch {
		case r.StatusCode == http.StatusOK:
			resp = r
			return nil
		case r.StatusCode == http.StatusNotFound:
			r.Body.Close()
			return backoff.Permanent(ErrPackageNotFound)
		case r.StatusCode == http.StatusTooManyRequests:
			r.Body.Close()
			return ErrRateLimited
		case r.StatusCode >= 500:
			r.Body.Close()
			return fmt.Errorf("%w: status %d", ErrUpstreamDown, r.StatusCode)
		default:
			body, _ := io.ReadAll(io.LimitReader(r.Body, 1024))
			r.Body.Close()
			return backoff.Permanent(fmt.Errorf("unexpected status %d: %s", r.StatusCode, body))
		}
	}

	err = b.Call(func() error {
		err := backoff.Retry(op, c.retryPolicy(ctx))
		if errors.Is(err, ErrPackageNotFound) {
			notFound = true
			return nil
		}
		return err
	}, 0)
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, ErrPackageNotFound
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json, */*")
	return c.http.Do(req)
}

// Probe reports whether rawURL answers with a success status within the
// probe timeout. It never returns an error.
func (c *Client) Probe(ctx context.Context, rawURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	status, err := c.probe(ctx, http.MethodHead, rawURL)
	if err == nil && status == http.StatusMethodNotAllowed {
		status, err = c.probe(ctx, http.MethodGet, rawURL)
	}
	return err == nil && status >= 200 && status < 300
}

func (c *Client) probe(ctx context.Context, method, rawURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	return resp.StatusCode, nil
}

// Download opens an artifact stream from a mirror. The caller closes it.
func (c *Client) Download(ctx context.Context, m Mirror, pkg, fileURL string) (io.ReadCloser, error) {
	resp, err := c.get(ctx, fileURL)
	if err != nil {
		return nil, &FetchError{Mirror: m.Name, Package: pkg, Err: err}
	}
	return resp.Body, nil
}
