package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultDialTimeout           = 2 * time.Second
	DefaultResponseHeaderTimeout = 10 * time.Second
	DefaultRequestTimeout        = 30 * time.Second
)

var (
	ErrBackendUnreachable = errors.New("backend unreachable")
	ErrBackendTimeout     = errors.New("backend timeout")
)

type Config struct {
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	RequestTimeout        time.Duration
}

// Client is the single process-wide backend client. RoundTrip is used
// directly so redirects are forwarded verbatim instead of being followed.
type Client struct {
	transport *http.Transport
	timeout   time.Duration
	log       zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	headerTimeout := cfg.ResponseHeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = DefaultResponseHeaderTimeout
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: headerTimeout,
		IdleConnTimeout:       30 * time.Second,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   64,
		ForceAttemptHTTP2:     true,
	}

	return &Client{
		transport: transport,
		timeout:   requestTimeout,
		log:       logger.With().Str("component", "upstream").Logger(),
	}
}

// Forward sends the (already filtered) request to origin and returns the raw
// response. Non-2xx statuses are responses, not errors; errors are classified
// as ErrBackendUnreachable or ErrBackendTimeout.
func (c *Client) Forward(ctx context.Context, r *http.Request, origin *url.URL) (*http.Response, context.CancelFunc, error) {
	if c == nil || origin == nil {
		return nil, nil, ErrBackendUnreachable
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	target := &url.URL{
		Scheme:   origin.Scheme,
		Host:     origin.Host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}

	outbound, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	outbound.Header = r.Header.Clone()
	outbound.Host = origin.Host
	outbound.ContentLength = r.ContentLength
	setForwardedHeaders(outbound, r)

	start := time.Now()
	resp, err := c.transport.RoundTrip(outbound)
	if err != nil {
		classified := classify(ctx, err)
		cancel()
		c.log.Debug().Err(err).Str("origin", origin.String()).Msg("backend round trip failed")
		return nil, nil, classified
	}
	c.log.Trace().
		Str("origin", origin.String()).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("backend round trip")
	return resp, cancel, nil
}

// CloseIdle drops pooled connections; called on shutdown.
func (c *Client) CloseIdle() {
	if c == nil {
		return
	}
	c.transport.CloseIdleConnections()
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
}

func setForwardedHeaders(outbound *http.Request, inbound *http.Request) {
	clientIP := inbound.RemoteAddr
	if host, _, err := net.SplitHostPort(inbound.RemoteAddr); err == nil {
		clientIP = host
	}
	if clientIP != "" {
		prior := outbound.Header.Get("X-Forwarded-For")
		if prior != "" {
			clientIP = prior + ", " + clientIP
		}
		outbound.Header.Set("X-Forwarded-For", clientIP)
	}

	proto := "http"
	if inbound.TLS != nil {
		proto = "https"
	}
	outbound.Header.Set("X-Forwarded-Proto", proto)
	if inbound.Host != "" {
		outbound.Header.Set("X-Forwarded-Host", inbound.Host)
	}
}
