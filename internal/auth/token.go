package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	LoginPath   = "/aaa/v1/login"
	RefreshPath = "/aaa/v1/refresh"

	// TokenTimeLayout is the expiry format of the token cache file.
	TokenTimeLayout = "2006-01-02T15:04:05.000000"
)

var (
	ErrTokenRequest  = errors.New("DDS token request failed")
	ErrTokenResponse = errors.New("malformed DDS token response")
	ErrCorruptCache  = errors.New("DDS token cache file is malformed")
)

// DefaultTokenCachePath returns ~/.eodms/aaa_creds.json.
func DefaultTokenCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".eodms", "aaa_creds.json")
	}
	return filepath.Join(home, ".eodms", "aaa_creds.json")
}

// cacheTime is a naive local timestamp. Fractional seconds are optional on
// read and always written with microseconds.
type cacheTime struct{ time.Time }

func (c cacheTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.In(time.Local).Format(TokenTimeLayout))
}

func (c *cacheTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	// the layout without a fraction also accepts one
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.Local)
	if err != nil {
		return err
	}
	c.Time = t
	return nil
}

// TokenSet is the persisted content of the token cache.
type TokenSet struct {
	AccessToken       string    `json:"access_token"`
	RefreshToken      string    `json:"refresh_token"`
	AccessExpiration  cacheTime `json:"access_expiration"`
	RefreshExpiration cacheTime `json:"refresh_expiration"`
}

type tokenResponse struct {
	AccessToken           string  `json:"access_token"`
	RefreshToken          string  `json:"refresh_token"`
	ExpiresIn             float64 `json:"expires_in"`
	RefreshTokenExpiresIn float64 `json:"refresh_token_expires_in"`
}

// TokenManager acquires and caches DDS bearer tokens. It is safe for
// concurrent use: acquisitions and refreshes are single-flight.
type TokenManager struct {
	BaseURL    string
	Username   string
	Password   string
	CachePath  string
	HttpClient *http.Client
	Logger     log.FieldLogger

	now   func() time.Time
	mu    sync.Mutex
	cur   *TokenSet
	group singleflight.Group
}

// NewTokenManager returns a manager for the DDS host at baseURL.
func NewTokenManager(baseURL string, creds Credentials, cachePath string, httpClient *http.Client) *TokenManager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cachePath == "" {
		cachePath = DefaultTokenCachePath()
	}
	return &TokenManager{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Username:   creds.Username,
		Password:   creds.Password,
		CachePath:  cachePath,
		HttpClient: httpClient,
		now:        time.Now,
	}
}

func (m *TokenManager) logger() log.FieldLogger {
	if m.Logger != nil {
		return m.Logger
	}
	return log.StandardLogger()
}

func (m *TokenManager) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

func (m *TokenManager) current() *TokenSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Token returns a valid access token. Without a cache file it logs in; an
// expired access token is refreshed while the refresh token is valid,
// otherwise it logs in again. A still-valid token is reused.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	v, err, _ := m.group.Do("token", func() (any, error) {
		set := m.current()
		if set == nil {
			cached, err := m.readCache()
			switch {
			case err == nil:
				set = cached
			case errors.Is(err, os.ErrNotExist):
				m.logger().Debugf("No DDS token cache at %s", m.CachePath)
			default:
				return "", err
			}
		}

		now := m.clock()
		var err error
		switch {
		case set == nil:
			set, err = m.login(ctx)
		case set.AccessExpiration.After(now):
			m.setCurrent(set)
			return set.AccessToken, nil
		case set.RefreshExpiration.After(now):
			set, err = m.refresh(ctx, set)
		default:
			m.logger().Debug("DDS access and refresh tokens expired, logging in again")
			set, err = m.login(ctx)
		}
		if err != nil {
			return "", err
		}
		m.store(set)
		return set.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Refresh replaces the rejected token stale. Callers holding the same stale
// token share one network round trip; a caller whose token was already
// replaced gets the current one without any request.
func (m *TokenManager) Refresh(ctx context.Context, stale string) (string, error) {
	if set := m.current(); set != nil && set.AccessToken != stale {
		return set.AccessToken, nil
	}
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		set := m.current()
		if set != nil && set.AccessToken != stale {
			return set.AccessToken, nil
		}
		var (
			next *TokenSet
			err  error
		)
		if set != nil && set.RefreshExpiration.After(m.clock()) {
			next, err = m.refresh(ctx, set)
			if err != nil {
				m.logger().WithError(err).Warn("DDS token refresh failed, logging in again")
				next, err = m.login(ctx)
			}
		} else {
			next, err = m.login(ctx)
		}
		if err != nil {
			return "", err
		}
		m.store(next)
		return next.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *TokenManager) setCurrent(set *TokenSet) {
	m.mu.Lock()
	m.cur = set
	m.mu.Unlock()
}

// store makes set current and rewrites the cache file.
func (m *TokenManager) store(set *TokenSet) {
	m.setCurrent(set)
	if err := m.writeCache(set); err != nil {
		m.logger().WithError(err).Warnf("Failed to write DDS token cache %s", m.CachePath)
	}
}

func (m *TokenManager) login(ctx context.Context) (*TokenSet, error) {
	if m.Username == "" || m.Password == "" {
		return nil, fmt.Errorf("%w: DDS login", ErrNoCredentials)
	}
	body, err := json.Marshal(map[string]string{
		"grant_type": "password",
		"username":   m.Username,
		"password":   m.Password,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.BaseURL+LoginPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	m.logger().Debug("Requesting new DDS tokens")
	resp, err := m.doToken(req)
	if err != nil {
		return nil, err
	}
	return m.toTokenSet(resp, nil), nil
}

func (m *TokenManager) refresh(ctx context.Context, prev *TokenSet) (*TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.BaseURL+RefreshPath, nil)
	if err != nil {
		return nil, fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+prev.RefreshToken)
	m.logger().Debug("Refreshing DDS access token")
	resp, err := m.doToken(req)
	if err != nil {
		return nil, err
	}
	return m.toTokenSet(resp, prev), nil
}

func (m *TokenManager) doToken(req *http.Request) (tokenResponse, error) {
	var tr tokenResponse
	resp, err := m.HttpClient.Do(req)
	if err != nil {
		return tr, fmt.Errorf("%w: %s %s: %v", ErrTokenRequest, req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return tr, fmt.Errorf("%w: reading %s: %v", ErrTokenRequest, req.URL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return tr, fmt.Errorf("%w: %s %s: HTTP-%d %s", ErrTokenRequest, req.Method, req.URL, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return tr, fmt.Errorf("%w from %s %s: %s", ErrTokenResponse, req.Method, req.URL, string(body))
	}
	return tr, nil
}

// toTokenSet converts lifetimes in seconds into absolute expiries. A refresh
// response without a new refresh token keeps the previous one.
func (m *TokenManager) toTokenSet(tr tokenResponse, prev *TokenSet) *TokenSet {
	now := m.clock()
	set := &TokenSet{
		AccessToken:       tr.AccessToken,
		RefreshToken:      tr.RefreshToken,
		AccessExpiration:  cacheTime{now.Add(time.Duration(tr.ExpiresIn * float64(time.Second)))},
		RefreshExpiration: cacheTime{now.Add(time.Duration(tr.RefreshTokenExpiresIn * float64(time.Second)))},
	}
	if prev != nil {
		if set.RefreshToken == "" {
			set.RefreshToken = prev.RefreshToken
		}
		if tr.RefreshTokenExpiresIn <= 0 {
			set.RefreshExpiration = prev.RefreshExpiration
		}
	}
	return set
}

func (m *TokenManager) readCache() (*TokenSet, error) {
	data, err := os.ReadFile(m.CachePath)
	if err != nil {
		return nil, err
	}
	var set TokenSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptCache, m.CachePath, err)
	}
	if set.AccessToken == "" || set.RefreshToken == "" {
		return nil, fmt.Errorf("%w: %s is missing tokens", ErrCorruptCache, m.CachePath)
	}
	return &set, nil
}

func (m *TokenManager) writeCache(set *TokenSet) error {
	if err := os.MkdirAll(filepath.Dir(m.CachePath), 0700); err != nil {
		return err
	}
	data, err := json.Marshal(set)
	if err != nil {
		return err
	}
	tmp := m.CachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, m.CachePath)
}
