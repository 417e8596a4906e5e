// Package licenseclient talks to the licensing service on behalf of the
// desktop app. It keeps the last known tokens so the app keeps working
// through short outages.
package licenseclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/eagleeyes/internal/licensing"
	"github.com/dukerupert/eagleeyes/internal/model"
	"github.com/dukerupert/eagleeyes/internal/signer"
	"golang.org/x/sync/singleflight"
)

// Config holds client configuration.
type Config struct {
	BaseURL       string
	MachineID     string
	IDToken       string
	LicenseID     string
	CheckInterval time.Duration
	GracePeriod   time.Duration
}

// Status is the cached view of the caller's entitlements.
type Status struct {
	Tokens      []model.TokenAndCode    `json:"tokens"`
	Licenses    []model.LicenseAndSlots `json:"licenses"`
	LastChecked time.Time               `json:"last_checked"`
	Offline     bool                    `json:"offline"`
	Warning     string                  `json:"warning"`
}

// APIError is a non-2xx response from the service. It matches the licensing
// sentinel errors for the statuses that have one.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("licensing api: %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return licensing.ErrLicenseNotFound
	case http.StatusConflict:
		return licensing.ErrNoMoreTokens
	case http.StatusUnauthorized:
		return licensing.ErrNotAuthenticated
	case http.StatusForbidden:
		return licensing.ErrPermissionDenied
	}
	return nil
}

type Client struct {
	mu         sync.RWMutex
	cfg        Config
	status     Status
	httpClient *http.Client
	verifier   *signer.Verifier
	checks     singleflight.Group
	now        func() time.Time
	stopCh     chan struct{}
	stopped    chan struct{}
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithVerifier makes HasActiveToken accept only codes signed by the service.
func WithVerifier(v *signer.Verifier) Option {
	return func(c *Client) {
		c.verifier = v
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 6 * time.Hour
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 7 * 24 * time.Hour
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now:     time.Now,
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetIDToken replaces the bearer token, e.g. after the identity provider
// refreshed it.
func (c *Client) SetIDToken(token string) {
	c.mu.Lock()
	c.cfg.IDToken = token
	c.mu.Unlock()
}

// Check looks up this machine's tokens and the licenses the user can draw
// from, and refreshes the cached status. Concurrent checks for the same
// license share one request.
func (c *Client) Check(ctx context.Context, licenseID string) (*model.LookupResult, error) {
	v, err, _ := c.checks.Do(licenseID, func() (any, error) {
		return c.check(ctx, licenseID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.LookupResult), nil
}

func (c *Client) check(ctx context.Context, licenseID string) (*model.LookupResult, error) {
	c.mu.RLock()
	q := url.Values{"machine_id": {c.cfg.MachineID}}
	c.mu.RUnlock()
	if licenseID != "" {
		q.Set("license_id", licenseID)
	}

	var result model.LookupResult
	if err := c.do(ctx, http.MethodGet, "/api/licenses/check", q, &result); err != nil {
		c.markOffline(err)
		return nil, err
	}

	status := Status{LastChecked: c.now()}
	for _, tc := range result.TokensAndCodes {
		status.Tokens = append(status.Tokens, tc)
	}
	for _, ls := range result.LicensesAndDispensed {
		status.Licenses = append(status.Licenses, ls)
	}
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	return &result, nil
}

// RequestToken asks for a new token from licenseID for this machine.
func (c *Client) RequestToken(ctx context.Context, licenseID string) (*model.TokenAndCode, error) {
	if licenseID == "" {
		return nil, errors.New("license id is required")
	}
	c.mu.RLock()
	q := url.Values{"license_id": {licenseID}, "machine_id": {c.cfg.MachineID}}
	c.mu.RUnlock()

	var tc model.TokenAndCode
	if err := c.do(ctx, http.MethodPost, "/api/tokens", q, &tc); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.status.Tokens = append(c.status.Tokens, tc)
	c.status.LastChecked = c.now()
	c.status.Offline = false
	c.status.Warning = ""
	c.mu.Unlock()
	return &tc, nil
}

// HasActiveToken reports whether a cached token of the given tier is still
// valid. Once the cache is older than the grace period nothing counts.
func (c *Client) HasActiveToken(tier model.Tier) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	if c.status.LastChecked.IsZero() || now.Sub(c.status.LastChecked) > c.cfg.GracePeriod {
		return false
	}
	for _, tc := range c.status.Tokens {
		if tc.Token.Tier != tier || !tc.Token.ActiveAt(now) {
			continue
		}
		if c.verifier != nil {
			claims, err := c.verifier.Verify(tc.Code)
			if err != nil || claims.ID != tc.Token.ID {
				continue
			}
		}
		return true
	}
	return false
}

// Status returns the current cached status.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Start checks once and then refreshes in the background.
func (c *Client) Start(ctx context.Context) {
	c.mu.RLock()
	licenseID := c.cfg.LicenseID
	interval := c.cfg.CheckInterval
	c.mu.RUnlock()

	c.Check(ctx, licenseID)

	go func() {
		defer close(c.stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.Check(ctx, licenseID)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background refresh goroutine.
func (c *Client) Stop() {
	close(c.stopCh)
	<-c.stopped
}

func (c *Client) markOffline(err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
		return
	}
	c.mu.Lock()
	c.status.Offline = true
	c.status.Warning = "Unable to reach license server"
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, dst any) error {
	c.mu.RLock()
	base := c.cfg.BaseURL
	token := c.cfg.IDToken
	c.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, method, base+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
