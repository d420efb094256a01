// Package client provides the transport boundary to the remote store and an
// HTTP implementation with bearer auth, gzip handling and optional retry.
package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fruitsalade/hubb/internal/logging"
	"github.com/fruitsalade/hubb/internal/metrics"
)

// Transport submits an encoded request body for the node at address and
// returns the raw response body.
type Transport interface {
	Submit(ctx context.Context, address string, body []byte) ([]byte, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, address string, body []byte) ([]byte, error)

func (f TransportFunc) Submit(ctx context.Context, address string, body []byte) ([]byte, error) {
	return f(ctx, address, body)
}

// ErrTokenExpired is returned before any request is sent when the bearer
// token is a JWT whose exp claim has passed.
var ErrTokenExpired = errors.New("auth token expired")

// StatusError is returned when the server answers with a non-200 status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

// SubmitPath is the endpoint prefix under which node addresses are mounted.
const SubmitPath = "/hubb"

// Config holds HTTP transport configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   RetryPolicy
	Token   string
	Logger  *zap.Logger
}

// HTTP is a Transport that POSTs request bodies to BaseURL + /hubb + address.
type HTTP struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryPolicy
	log        *zap.Logger

	mu       sync.RWMutex
	token    string
	online   bool
	lastPing time.Time
}

// NewHTTP creates an HTTP transport.
func NewHTTP(cfg Config) *HTTP {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &HTTP{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retry:  cfg.Retry,
		log:    cfg.Logger,
		token:  cfg.Token,
		online: true,
	}
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *HTTP) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// authorize sets the bearer header. Tokens that parse as JWTs are checked
// for expiry locally; opaque tokens are sent as is.
func (c *HTTP) authorize(req *http.Request) error {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token == "" {
		return nil
	}
	if err := checkExpiry(token, time.Now()); err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func checkExpiry(token string, now time.Time) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if now.After(exp.Time) {
		return ErrTokenExpired
	}
	return nil
}

// IsOnline reports whether the last request reached the server.
func (c *HTTP) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *HTTP) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			c.log.Info("server is back online", zap.String("server", c.baseURL))
		} else {
			c.log.Warn("server is offline", zap.String("server", c.baseURL))
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

// Ping checks that the server is reachable.
func (c *HTTP) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.setOnline(false)
		return &StatusError{Code: resp.StatusCode}
	}

	c.setOnline(true)
	return nil
}

// Submit POSTs body and returns the (decompressed) response body.
func (c *HTTP) Submit(ctx context.Context, address string, body []byte) ([]byte, error) {
	if !strings.HasPrefix(address, "/") {
		address = "/" + address
	}
	url := c.baseURL + SubmitPath + address

	return withRetry(ctx, c.retry, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept-Encoding", "gzip")
		if err := c.authorize(req); err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			metrics.RecordTransportRequest("network_error")
			c.log.Debug("submit failed", logging.Address(address), logging.Err(err))
			return nil, transient(err)
		}
		defer resp.Body.Close()

		data, err := readBody(resp)
		if err != nil {
			metrics.RecordTransportRequest("read_error")
			return nil, transient(err)
		}

		if resp.StatusCode != http.StatusOK {
			metrics.RecordTransportRequest(http.StatusText(resp.StatusCode))
			serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
			if resp.StatusCode >= 500 {
				c.setOnline(false)
				return nil, transient(serr)
			}
			c.setOnline(true)
			return nil, serr
		}

		c.setOnline(true)
		metrics.RecordTransportRequest("ok")
		return data, nil
	})
}

func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		reader = gr
	}
	return io.ReadAll(reader)
}
