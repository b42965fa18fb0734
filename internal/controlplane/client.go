// Package controlplane is a thin client for the fault-injection control
// plane REST API.
package controlplane

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultPrefix      = "/mangle-services/rest/api/v1"
	DefaultGroupPrefix = "/mangle-services/rest/api/v2"
	DefaultScheme      = "https"
	DefaultTimeout     = 60 * time.Second
)

// Config holds the connection settings. It is copied into the Client and
// never changed afterwards.
type Config struct {
	Address           string        `yaml:"address" validate:"required,hostname_port|hostname_rfc1123|ip"`
	Username          string        `yaml:"username" validate:"required"`
	Password          string        `yaml:"password" validate:"required"`
	Scheme            string        `yaml:"scheme" validate:"omitempty,oneof=http https"`
	VerifyTLS         bool          `yaml:"verify_tls"`
	Prefix            string        `yaml:"prefix"`
	GroupPrefix       string        `yaml:"group_prefix"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`

	// HTTPClient overrides the transport, mostly for tests.
	HTTPClient *http.Client `yaml:"-" validate:"-"`
}

func (c Config) withDefaults() Config {
	if c.Scheme == "" {
		c.Scheme = DefaultScheme
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.GroupPrefix == "" {
		c.GroupPrefix = DefaultGroupPrefix
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// StatusError is returned for any response other than 200, 201 or 204.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, strings.TrimSpace(e.Body))
}

// ErrMalformed marks a response that decoded but lacked an expected field.
var ErrMalformed = errors.New("malformed control plane response")

// Retryable reports whether err is worth another attempt: network failures,
// throttling and server-side errors.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests || se.StatusCode == http.StatusRequestTimeout
	}
	return true
}

// Client talks to one control plane.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New validates cfg and builds a client.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid control plane config: %w", err)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS} //nolint:gosec
		hc = &http.Client{Transport: transport, Timeout: cfg.Timeout}
	}

	c := &Client{cfg: cfg, http: hc, logger: zap.NewNop()}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Address returns the configured control plane address.
func (c *Client) Address() string { return c.cfg.Address }

func (c *Client) url(prefix, path string, query url.Values) string {
	u := url.URL{
		Scheme:   c.cfg.Scheme,
		Host:     c.cfg.Address,
		Path:     prefix + path,
		RawQuery: query.Encode(),
	}
	return u.String()
}

// send issues one request. in is JSON-encoded when non-nil; out is decoded
// when non-nil and the response has a body.
func (c *Client) send(ctx context.Context, method, prefix, path string, query url.Values, in, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(prefix, path, query), body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	// query strings can carry credentials, so only the path is logged
	c.logger.Debug("control plane request", zap.String("method", method), zap.String("path", prefix+path))

	resp, err := c.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%s %s: timed out: %w", method, path, err)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s %s: %w", method, path, err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusNoContent:
		return nil
	default:
		return &StatusError{Method: method, Path: prefix + path, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	c.logger.Debug("control plane response",
		zap.String("method", method),
		zap.String("path", prefix+path),
		zap.Int("status", resp.StatusCode),
		zap.ByteString("body", raw))

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrMalformed, method, path, err)
	}
	return nil
}
