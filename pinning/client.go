// Package pinning provides an HTTP client that pins TLS connections to
// known public keys.
//
// Pins are base64-encoded SHA-256 digests of a certificate's
// SubjectPublicKeyInfo. A connection to a host with pins succeeds only if
// some certificate presented by the server matches one of them. Hosts
// without pins get ordinary certificate verification.
//
// The pin check runs inside the TLS handshake against a snapshot taken
// when the client was built; it never performs I/O. ResetPins drops the
// client so the next request takes a fresh snapshot.
//
// HTTPS requests through a proxy are tunnelled with CONNECT by the client
// itself, so the pin check and TLSConfig apply to the origin server behind
// the proxy as well.
package pinning

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrPinMismatch is returned when no certificate presented by the server
// matches the host's pins.
var ErrPinMismatch = errors.New("public key pin mismatch")

// RejectedError describes a connection rejected by the pin check.
type RejectedError struct {
	Host string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s for %s", ErrPinMismatch, e.Host)
}

func (e *RejectedError) Unwrap() error {
	return ErrPinMismatch
}

// PinSource supplies pins per host. Implementations must not block on I/O.
type PinSource interface {
	Pins() map[string][]string
}

// Config holds configuration for the pinned client.
type Config struct {
	// Pins supplies the pins (required).
	Pins PinSource

	// TLSConfig is cloned for every connection. RootCAs here apply to
	// hosts with and without pins.
	TLSConfig *tls.Config

	// DialTimeout bounds TCP connection setup (default: 10 seconds).
	DialTimeout time.Duration

	// Proxy selects a proxy per request (default: http.ProxyFromEnvironment).
	Proxy func(*http.Request) (*url.URL, error)

	// Logger is used for pin rejections (default: slog.Default()).
	Logger *slog.Logger
}

// Client performs requests over pinned TLS connections.
type Client struct {
	pins        PinSource
	tlsConfig   *tls.Config
	dialTimeout time.Duration
	proxy       func(*http.Request) (*url.URL, error)
	logger      *slog.Logger

	mu     sync.Mutex
	client *http.Client
}

// New creates a pinned client.
func New(cfg Config) (*Client, error) {
	if cfg.Pins == nil {
		return nil, errors.New("pin source is required")
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	proxy := cfg.Proxy
	if proxy == nil {
		proxy = http.ProxyFromEnvironment
	}

	return &Client{
		pins:        cfg.Pins,
		tlsConfig:   tlsConfig,
		dialTimeout: dialTimeout,
		proxy:       proxy,
		logger:      logger,
	}, nil
}

// Do sends req. A pin failure is reported as an error that unwraps to a
// *RejectedError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient().Do(req)
}

// ResetPins drops the cached client. Idle connections established under
// the old pins are closed.
func (c *Client) ResetPins() {
	c.mu.Lock()
	old := c.client
	c.client = nil
	c.mu.Unlock()

	if old != nil {
		old.CloseIdleConnections()
	}
}

func (c *Client) httpClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		c.client = c.build(snapshot(c.pins.Pins()))
	}
	return c.client
}

func snapshot(pins map[string][]string) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(pins))
	for host, hashes := range pins {
		if len(hashes) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(hashes))
		for _, h := range hashes {
			set[h] = struct{}{}
		}
		out[strings.ToLower(host)] = set
	}
	return out
}

func (c *Client) build(pins map[string]map[string]struct{}) *http.Client {
	dialer := &net.Dialer{Timeout: c.dialTimeout}

	transport := &http.Transport{
		Proxy:                 c.plainProxy,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   c.dialTimeout,
		ExpectContinueTimeout: time.Second,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}

			cfg := c.tlsConfig.Clone()
			if cfg.ServerName == "" {
				cfg.ServerName = host
			}
			if hostPins, ok := lookup(pins, host); ok {
				cfg.VerifyConnection = c.verify(host, hostPins)
			}

			raw, err := c.dialTunnel(ctx, dialer, network, addr)
			if err != nil {
				return nil, err
			}
			conn := tls.Client(raw, cfg)
			if err := conn.HandshakeContext(ctx); err != nil {
				raw.Close()
				return nil, err
			}
			return conn, nil
		},
	}

	return &http.Client{Transport: transport}
}

// plainProxy leaves HTTPS requests to DialTLSContext; a proxy returned
// here would make the transport run its own handshake without pins.
func (c *Client) plainProxy(req *http.Request) (*url.URL, error) {
	if req.URL.Scheme == "https" {
		return nil, nil
	}
	return c.proxy(req)
}

// dialTunnel connects to addr, through a CONNECT tunnel when the proxy
// function selects one for it.
func (c *Client) dialTunnel(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
	proxyURL, err := c.proxy(&http.Request{URL: &url.URL{Scheme: "https", Host: addr}})
	if err != nil {
		return nil, fmt.Errorf("resolving proxy: %w", err)
	}
	if proxyURL == nil {
		return dialer.DialContext(ctx, network, addr)
	}

	conn, err := dialer.DialContext(ctx, network, proxyAddr(proxyURL))
	if err != nil {
		return nil, fmt.Errorf("dialing proxy: %w", err)
	}
	if proxyURL.Scheme == "https" {
		cfg := c.tlsConfig.Clone()
		cfg.ServerName = proxyURL.Hostname()
		cfg.VerifyConnection = nil
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("proxy handshake: %w", err)
		}
		conn = tlsConn
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	connect := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if u := proxyURL.User; u != nil {
		password, _ := u.Password()
		creds := base64.StdEncoding.EncodeToString([]byte(u.Username() + ":" + password))
		connect.Header.Set("Proxy-Authorization", "Basic "+creds)
	}
	if err := connect.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy connect: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), connect)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy connect: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy connect to %s: %s", addr, resp.Status)
	}
	return conn, nil
}

func proxyAddr(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

func lookup(pins map[string]map[string]struct{}, host string) (map[string]struct{}, bool) {
	p, ok := pins[strings.ToLower(host)]
	return p, ok
}

func (c *Client) verify(host string, pins map[string]struct{}) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		for _, cert := range cs.PeerCertificates {
			if _, ok := pins[SPKIHash(cert.RawSubjectPublicKeyInfo)]; ok {
				return nil
			}
		}
		c.logger.Warn("pinning failed, cancelling request", "host", host)
		return &RejectedError{Host: host}
	}
}

// SPKIHash returns the pin for a DER-encoded SubjectPublicKeyInfo.
func SPKIHash(spki []byte) string {
	sum := sha256.Sum256(spki)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// IsRejected reports whether err was caused by a pin mismatch.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}
