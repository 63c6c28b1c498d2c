// Package client is a retrying HTTP/JSON client for the deployment API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alecthomas/atomic"
	"github.com/alecthomas/errors"
	"github.com/alecthomas/types/optional"
	"github.com/jpillora/backoff"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/block/shipit"
	"github.com/block/shipit/internal/log"
)

// RetryPolicy governs how many times a single logical call is attempted.
type RetryPolicy struct {
	MaxAttempts int           `help:"Maximum attempts per API call, including the first." default:"4"`
	MinBackoff  time.Duration `help:"Initial delay between attempts." default:"100ms"`
	MaxBackoff  time.Duration `help:"Maximum delay between attempts." default:"10s"`
}

// DefaultRetryPolicy is one attempt plus three retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, MinBackoff: 100 * time.Millisecond, MaxBackoff: 10 * time.Second}
}

func (r RetryPolicy) backoff() *backoff.Backoff {
	return &backoff.Backoff{Min: r.MinBackoff, Max: r.MaxBackoff, Factor: 2}
}

type Config struct {
	APIURL    string
	Token     string
	TeamID    optional.Option[string]
	// UserAgent defaults to shipit.UserAgent().
	UserAgent string
	Retry     RetryPolicy
	// Timeout applies to dialing, the TLS handshake and waiting for response headers.
	Timeout time.Duration
	// MaxConnsPerHost bounds the idle keep-alive pool. It should be at least
	// the upload concurrency.
	MaxConnsPerHost int
}

// Opener is a request body that can be re-opened for every attempt.
type Opener interface {
	Open() (io.ReadCloser, error)
}

// Client is safe for concurrent use. Connections are pooled for the lifetime of
// the client and released by Close.
type Client struct {
	baseURL   *url.URL
	token     string
	teamID    optional.Option[string]
	userAgent string
	retry     RetryPolicy
	transport *http.Transport
	client    *http.Client
	closed    atomic.Value[bool]
}

// New creates a client for the API at config.APIURL.
func New(config Config) (*Client, error) {
	base, err := url.Parse(config.APIURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid API URL %q", config.APIURL)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("invalid API URL %q: scheme must be http or https", config.APIURL)
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = DefaultRetryPolicy()
	}
	if config.UserAgent == "" {
		config.UserAgent = shipit.UserAgent()
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Minute
	}
	if config.MaxConnsPerHost <= 0 {
		config.MaxConnsPerHost = 16
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: config.Timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          config.MaxConnsPerHost * 2,
		MaxIdleConnsPerHost:   config.MaxConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
	return &Client{
		baseURL:   base,
		token:     config.Token,
		teamID:    config.TeamID,
		userAgent: config.UserAgent,
		retry:     config.Retry,
		transport: transport,
		client:    &http.Client{Transport: otelhttp.NewTransport(transport)},
	}, nil
}

// Close releases pooled connections. Requests issued after Close fail with ErrClosed.
func (c *Client) Close() {
	c.closed.Store(true)
	c.transport.CloseIdleConnections()
}

// TeamID returns the current team, if any.
func (c *Client) TeamID() optional.Option[string] { return c.teamID }

type requestOptions struct {
	headers        http.Header
	useCurrentTeam bool
	rawBody        bool
	contentLength  int64
	retry          optional.Option[RetryPolicy]
}

type Option func(*requestOptions)

// WithHeader sets a request header.
func WithHeader(key, value string) Option {
	return func(o *requestOptions) { o.headers.Set(key, value) }
}

// WithCurrentTeam adds the client's team to the query string, if one is set.
func WithCurrentTeam() Option {
	return func(o *requestOptions) { o.useCurrentTeam = true }
}

// WithRawBody disables JSON encoding of the request body. The body must be a
// []byte or an Opener.
func WithRawBody() Option {
	return func(o *requestOptions) { o.rawBody = true }
}

// WithContentLength declares the length of an Opener body.
func WithContentLength(n int64) Option {
	return func(o *requestOptions) { o.contentLength = n }
}

// WithRetry overrides the client's retry policy for a single call.
func WithRetry(policy RetryPolicy) Option {
	return func(o *requestOptions) { o.retry = optional.Some(policy) }
}

// Request issues an API call, retrying transport failures and non-4xx error
// responses with exponential backoff.
//
// body may be nil, a []byte, an Opener, or any JSON-serialisable value. On
// success the caller must close the response body.
func (c *Client) Request(ctx context.Context, method, path string, body any, options ...Option) (*http.Response, error) {
	logger := log.FromContext(ctx)
	opts := requestOptions{headers: http.Header{}, contentLength: -1}
	for _, option := range options {
		option(&opts)
	}
	if c.closed.Load() {
		return nil, errors.WithStack(ErrClosed)
	}
	u, err := c.resolve(path, opts.useCurrentTeam)
	if err != nil {
		return nil, err
	}
	open, err := c.bodyOpener(body, &opts)
	if err != nil {
		return nil, err
	}
	opts.headers.Set("Authorization", "Bearer "+c.token)
	if c.token == "" {
		opts.headers.Del("Authorization")
	}
	opts.headers.Set("User-Agent", c.userAgent)

	policy := opts.retry.Default(c.retry)
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	retry := policy.backoff()
	for attempt := 1; ; attempt++ {
		resp, err := c.attempt(ctx, method, u, open, opts)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, errors.WithStack(ctx.Err())
		}
		if !isRetryable(err) || attempt >= policy.MaxAttempts {
			return nil, err
		}
		delay := retry.Duration()
		logger.Debugf("Retrying %s %s in %s (attempt %d of %d): %s", method, u.Path, delay, attempt+1, policy.MaxAttempts, err)
		select {
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (c *Client) attempt(ctx context.Context, method string, u *url.URL, open func() (io.ReadCloser, error), opts requestOptions) (*http.Response, error) {
	logger := log.FromContext(ctx)
	var body io.ReadCloser
	if open != nil {
		var err error
		body, err = open()
		if err != nil {
			return nil, errors.Wrap(err, "failed to open request body")
		}
		if opts.contentLength == 0 {
			_ = body.Close()
			body = http.NoBody
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		if body != nil {
			_ = body.Close()
		}
		return nil, errors.WithStack(err)
	}
	req.Header = opts.headers.Clone()
	if opts.contentLength >= 0 {
		req.ContentLength = opts.contentLength
	}
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, URL: u.Redacted(), Err: err}
	}
	logger.Tracef("%s %s %d (%s)", method, u.Redacted(), resp.StatusCode, time.Since(start))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransportError{Method: method, URL: u.Redacted(), Err: err}
	}
	return nil, parseServiceError(method, u.Path, resp.StatusCode, data)
}

func (c *Client) resolve(path string, useCurrentTeam bool) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid request path %q", path)
	}
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(ref.Path, "/")
	u.RawPath = ""
	query := ref.Query()
	if team, ok := c.teamID.Get(); ok && useCurrentTeam {
		query.Set("teamId", team)
	}
	u.RawQuery = query.Encode()
	return &u, nil
}

func (c *Client) bodyOpener(body any, opts *requestOptions) (func() (io.ReadCloser, error), error) {
	switch body := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		opts.contentLength = int64(len(body))
		return func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }, nil
	case Opener:
		return body.Open, nil
	case io.Reader:
		return nil, errors.Errorf("%T bodies can not be retried, use []byte or an Opener", body)
	}
	if opts.rawBody {
		return nil, errors.Errorf("raw request body must be []byte or an Opener, not %T", body)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode request body")
	}
	opts.headers.Set("Content-Type", "application/json")
	opts.contentLength = int64(len(data))
	return func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil }, nil
}

// Fetch issues a request and decodes a JSON response into T.
//
// A successful response with no content type yields the zero value of T.
func Fetch[T any](ctx context.Context, c *Client, method, path string, body any, options ...Option) (T, error) {
	var out T
	resp, err := c.Request(ctx, method, path, body, options...)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return out, nil
	}
	if !strings.Contains(contentType, "application/json") {
		return out, errors.Errorf("%s %s: expected a JSON response but got %q", method, path, contentType)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, errors.Wrapf(err, "%s %s: invalid JSON response", method, path)
	}
	return out, nil
}
