// Package backend is the HTTP gateway to the dispenser backend service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"medication-dispenser/config"
	"medication-dispenser/internal/retry"
)

// ErrUnavailable covers transport failures and non-success responses.
var ErrUnavailable = errors.New("backend unavailable")

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnavailable }

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

var retryStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Client talks JSON to the backend. It is safe for concurrent use.
type Client struct {
	baseURL     string
	http        *http.Client
	getTimeout  time.Duration
	postTimeout time.Duration
	tzOffset    int
	policy      retry.Policy
	sleep       retry.Sleeper
	limiter     *rate.Limiter
	now         func() time.Time
}

// New builds a client from the backend configuration.
func New(cfg config.BackendConfig) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			log.Warn().Err(err).Str("proxy", cfg.HTTPProxy).Msg("invalid proxy URL; backend client will not use a proxy")
		} else {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	limit := rate.Inf
	if cfg.RateLimitPerSec > 0 {
		limit = rate.Limit(cfg.RateLimitPerSec)
	}

	return &Client{
		baseURL:     cfg.BaseURL,
		http:        &http.Client{Transport: transport},
		getTimeout:  cfg.GetTimeout,
		postTimeout: cfg.PostTimeout,
		tzOffset:    cfg.TZOffsetMinutes,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxRetries + 1,
			Delay:       cfg.Backoff,
			Multiplier:  2,
		},
		sleep:   retry.Sleep,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}
}

// WithSleeper replaces the wait between retries.
func (c *Client) WithSleeper(s retry.Sleeper) *Client {
	c.sleep = s
	return c
}

// WithClock replaces the clock used for client timestamps.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

type retryableStatus struct {
	code int
}

func (e *retryableStatus) Error() string { return fmt.Sprintf("status %d", e.code) }

// do sends one request, retrying transport errors and transient statuses under
// the client policy. The last response is returned once retries are exhausted;
// callers decide whether its status is acceptable.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (int, []byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request payload: %w", err)
		}
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	timeout := c.getTimeout
	if method != http.MethodGet {
		timeout = c.postTimeout
	}

	var (
		status  int
		content []byte
	)
	err := retry.Do(ctx, c.policy, c.sleep,
		func(err error) bool {
			var rs *retryableStatus
			return errors.As(err, &rs) || isTransient(err)
		},
		func(attempt int, err error) {
			log.Debug().Str("method", method).Str("path", path).Int("attempt", attempt).Err(err).Msg("retrying backend request")
		},
		func(int) error {
			var err error
			status, content, err = c.roundTrip(ctx, method, u, payload, timeout)
			if err != nil {
				return err
			}
			if retryStatus[status] {
				return &retryableStatus{code: status}
			}
			return nil
		})

	var rs *retryableStatus
	if err != nil && !errors.As(err, &rs) {
		return 0, nil, fmt.Errorf("%s %s: %w: %w", method, path, ErrUnavailable, err)
	}
	return status, content, nil
}

func (c *Client) roundTrip(ctx context.Context, method, u string, payload []byte, timeout time.Duration) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, content, nil
}

// isTransient reports connection-level failures worth another attempt. A
// cancelled caller context is never retried.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	var urlErr *url.Error
	return errors.As(err, &netErr) || errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded)
}

// call performs a request and decodes a 2xx JSON answer into out (when non-nil).
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	status, content, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return &StatusError{Method: method, Path: path, Code: status, Body: truncate(content, 200)}
	}
	if out == nil || len(bytes.TrimSpace(content)) == 0 {
		return nil
	}
	if err := json.Unmarshal(content, out); err != nil {
		return fmt.Errorf("%s %s: failed to unmarshal response: %w", method, path, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
