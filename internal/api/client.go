package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"eodms-api-client/internal/metrics"
	"eodms-api-client/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrRateLimited       = errors.New("API rate limit exceeded")
	ErrUnauthorized      = errors.New("API request unauthorized (check credentials)")
	ErrNotFound          = errors.New("API resource not found")
	ErrServerError       = errors.New("API server error")
	ErrHttpStatus        = errors.New("unexpected API response status")
	ErrMaintenance       = errors.New("EODMS is undergoing maintenance")
	ErrMalformedResponse = errors.New("malformed API response")
	ErrInvalidPriority   = errors.New("invalid order priority")
	ErrPageLimit         = errors.New("search page limit reached")
	ErrOrderUnconfirmed  = errors.New("order accepted but its order ids could not be read, check the EODMS web UI")
)

// MaintenanceSentinel appears in the HTML page EODMS serves with HTTP 200
// while the catalog is down.
const MaintenanceSentinel = "Thanks for your patience"

const (
	DefaultBaseURL           = "https://www.eodms-sgdot.nrcan-rncan.gc.ca/wes/rapi"
	DefaultPageSize          = 1000
	DefaultMaxPages          = 50
	DefaultMaxRetries        = 5
	DefaultRetryDelay        = 3 * time.Second
	DefaultInitialRetryDelay = 2 * time.Second
	DefaultBatchSize         = 50
	DefaultConcurrency       = 4
	DefaultRequestTimeout    = 20 * time.Second
	DefaultMaxOrders         = 1000
)

// DetailCache stores raw detail responses keyed by URL.
type DetailCache interface {
	Get(url string) ([]byte, bool)
	Put(url string, body []byte) error
}

// StatusError is returned for a non-2xx response. It unwraps to the sentinel
// matching the status class.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	kind       error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %s %s: HTTP-%d %s", e.kind, e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *StatusError) Unwrap() error { return e.kind }

// Client talks to the EODMS REST API.
type Client struct {
	BaseURL string
	// Username is also the order notification address.
	Username   string
	HttpClient *http.Client
	Cache      DetailCache
	Metrics    *metrics.Metrics
	Logger     log.FieldLogger

	MaxRetries        int
	RetryDelay        time.Duration // fixed backoff after transport errors
	InitialRetryDelay time.Duration // first backoff after 429/5xx, doubled per retry
	MaxPages          int
	PageSize          int
	BatchSize         int
	Concurrency       int
	RequestTimeout    time.Duration
	TargetCRS         string
	// ShowProgress enables the live enrichment counter.
	ShowProgress bool
}

// NewClient creates a new API client from cfg. A nil httpClient gets a
// default one.
func NewClient(username string, httpClient *http.Client, cfg models.Config) *Client {
	if httpClient == nil {
		timeout := 30 * time.Second
		if cfg.APIClientTimeoutSec > 0 {
			timeout = time.Duration(cfg.APIClientTimeoutSec) * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	c := &Client{
		BaseURL:           DefaultBaseURL,
		Username:          username,
		HttpClient:        httpClient,
		MaxRetries:        DefaultMaxRetries,
		RetryDelay:        DefaultRetryDelay,
		InitialRetryDelay: DefaultInitialRetryDelay,
		MaxPages:          DefaultMaxPages,
		PageSize:          cfg.Search.PageSize,
		BatchSize:         cfg.Order.BatchSize,
		Concurrency:       cfg.Search.Concurrency,
		TargetCRS:         cfg.Search.TargetCRS,
	}
	if cfg.APIBaseURL != "" {
		c.BaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	}
	if cfg.MaxRetries > 0 {
		c.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryDelayMs > 0 {
		c.RetryDelay = time.Duration(cfg.RetryDelayMs) * time.Millisecond
	}
	if cfg.InitialRetryDelayMs > 0 {
		c.InitialRetryDelay = time.Duration(cfg.InitialRetryDelayMs) * time.Millisecond
	}
	if cfg.Search.MaxPages > 0 {
		c.MaxPages = cfg.Search.MaxPages
	}
	if cfg.Search.TimeoutSec > 0 {
		c.RequestTimeout = time.Duration(cfg.Search.TimeoutSec) * time.Second
	}
	return c
}

func (c *Client) logger() log.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.StandardLogger()
}

func (c *Client) httpClient() *http.Client {
	if c.HttpClient != nil {
		return c.HttpClient
	}
	return http.DefaultClient
}

// do sends one logical request, retrying transport errors after the fixed
// RetryDelay and 429/5xx responses with exponential backoff, up to
// MaxRetries retries. POST requests are not retried on a status code.
// It returns the body of the first 2xx response.
func (c *Client) do(ctx context.Context, endpoint, method, url string, payload []byte) ([]byte, error) {
	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	var lastErr error
	serverRetries := 0

	for attempt := 0; attempt <= maxRetries; attempt++ {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, fmt.Errorf("error creating request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		resp, err := c.httpClient().Do(req)
		if err != nil {
			c.Metrics.ObserveRequest(endpoint, 0, time.Since(start).Seconds())
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request failed (attempt %d/%d): %w", attempt+1, maxRetries+1, err)
			if attempt < maxRetries {
				c.logger().WithError(err).Warnf("Connection problem on %s. Retrying (%d/%d) after %s...", endpoint, attempt+1, maxRetries, c.RetryDelay)
				c.Metrics.ObserveRetry("connection")
				if err := sleepCtx(ctx, c.RetryDelay); err != nil {
					return nil, err
				}
			}
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.Metrics.ObserveRequest(endpoint, resp.StatusCode, time.Since(start).Seconds())

		statusErr := &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: string(data)}
		var delay time.Duration
		switch code := resp.StatusCode; {
		case code >= 200 && code <= 299:
			if readErr != nil {
				lastErr = fmt.Errorf("error reading response body: %w", readErr)
				delay = c.RetryDelay
				break
			}
			return data, nil
		case code == http.StatusUnauthorized, code == http.StatusForbidden:
			statusErr.kind = ErrUnauthorized
			return nil, statusErr
		case code == http.StatusNotFound:
			statusErr.kind = ErrNotFound
			return nil, statusErr
		case code == http.StatusTooManyRequests:
			statusErr.kind = ErrRateLimited
			lastErr = statusErr
		case code == http.StatusInternalServerError, code == http.StatusBadGateway,
			code == http.StatusServiceUnavailable, code == http.StatusGatewayTimeout:
			statusErr.kind = ErrServerError
			lastErr = statusErr
		default:
			statusErr.kind = ErrHttpStatus
			return nil, statusErr
		}

		if attempt >= maxRetries {
			break
		}
		if method == http.MethodPost && delay == 0 {
			// a rejected POST may still have been applied
			return nil, lastErr
		}
		if delay == 0 {
			delay = c.InitialRetryDelay << serverRetries
			serverRetries++
		}
		c.logger().WithError(lastErr).Warnf("Retrying %s (%d/%d) after %s...", endpoint, attempt+1, maxRetries, delay)
		c.Metrics.ObserveRetry(retryReason(lastErr))
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}
	c.logger().WithError(lastErr).Errorf("Request to %s failed after %d attempts", endpoint, maxRetries+1)
	return nil, lastErr
}

func retryReason(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrServerError):
		return "server_error"
	default:
		return "read_error"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isMaintenance(body []byte) bool {
	return bytes.Contains(body, []byte(MaintenanceSentinel))
}

// malformed builds the error for a body that failed to decode.
func malformed(url string, body []byte, err error) error {
	snippet := string(body)
	if len(snippet) > 512 {
		snippet = snippet[:512] + "..."
	}
	return fmt.Errorf("%w from %s: %v: %s", ErrMalformedResponse, url, err, snippet)
}

// CheckAccess verifies the session may read collectionID.
func (c *Client) CheckAccess(ctx context.Context, collectionID string) error {
	url := fmt.Sprintf("%s/collections/%s?format=json", c.BaseURL, collectionID)
	body, err := c.do(ctx, "collections", http.MethodGet, url, nil)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return fmt.Errorf("insufficient access privileges for %s: %w", collectionID, err)
		}
		return err
	}
	if isMaintenance(body) {
		return ErrMaintenance
	}
	return nil
}
