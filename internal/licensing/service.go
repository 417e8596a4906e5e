package licensing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/eagleeyes/internal/metrics"
	"github.com/dukerupert/eagleeyes/internal/model"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/sethvargo/go-retry"
	"golang.org/x/crypto/bcrypt"
)

const (
	// Each lost race means another dispense succeeded, so a caller can lose at
	// most n_tokens races before it sees a full license.
	extraConflictRetries = 3
	conflictBackoff      = 5 * time.Millisecond

	defaultNotifyTimeout = 30 * time.Second

	EventLicenseCreated = "license_created"
	EventTokenDispensed = "token_dispensed"
	EventUsersApproved  = "users_approved"
)

type Config struct {
	Admins Admins
	// AdminPasswordHash is a bcrypt hash. When set, AddLicense requires the
	// matching extra security password.
	AdminPasswordHash string
	// CountCacheTTL caches active-token counts shown by Lookup. Zero disables it.
	CountCacheTTL time.Duration
	NotifyTimeout time.Duration
	Now           func() time.Time
}

type Service struct {
	licenses LicenseStore
	tokens   TokenStore
	signer   Signer
	notifier Notifier
	events   Publisher

	admins        Admins
	passwordHash  []byte
	counts        *cache.Cache
	notifyTimeout time.Duration
	now           func() time.Time
	logger        *slog.Logger

	wg sync.WaitGroup
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.events = p
	}
}

func NewService(ls LicenseStore, ts TokenStore, signer Signer, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		licenses:      ls,
		tokens:        ts,
		signer:        signer,
		admins:        cfg.Admins,
		notifyTimeout: cfg.NotifyTimeout,
		now:           cfg.Now,
		logger:        logger,
	}
	if cfg.AdminPasswordHash != "" {
		s.passwordHash = []byte(cfg.AdminPasswordHash)
	}
	if cfg.CountCacheTTL > 0 {
		s.counts = cache.New(cfg.CountCacheTTL, 2*cfg.CountCacheTTL)
	}
	if s.notifyTimeout == 0 {
		s.notifyTimeout = defaultNotifyTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsAdmin reports whether email is on the configured admin allow-list.
func (s *Service) IsAdmin(email string) bool {
	return s.admins.Contains(email)
}

func (s *Service) VerifyAdmin(email string) error {
	if !s.IsAdmin(email) {
		return fmt.Errorf("%w: %s does not have admin privileges", ErrPermissionDenied, email)
	}
	return nil
}

// CheckAdminPassword validates the extra security password if one is configured.
func (s *Service) CheckAdminPassword(password string) error {
	if s.passwordHash == nil {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return fmt.Errorf("%w: extra security password is incorrect", ErrPermissionDenied)
	}
	return nil
}

type LookupQuery struct {
	Email     string
	LicenseID string
	MachineID string
	AsOf      time.Time
}

// Lookup returns the caller's active tokens for the machine and every license
// the caller can draw from. It never writes.
func (s *Service) Lookup(ctx context.Context, q LookupQuery) (*model.LookupResult, error) {
	email := model.NormalizeEmail(q.Email)
	if email == "" {
		return nil, ErrNotAuthenticated
	}
	if s.signer == nil {
		return nil, errors.New("lookup: signer not configured")
	}
	asOf := q.AsOf
	if asOf.IsZero() {
		asOf = s.now()
	}

	tokens, err := s.tokens.ListActive(ctx, email, q.MachineID, asOf)
	if err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}
	licenses, err := s.licenses.ListMatching(ctx, email, q.LicenseID)
	if err != nil {
		return nil, fmt.Errorf("list matching licenses: %w", err)
	}

	result := model.NewLookupResult()
	for _, tok := range tokens {
		code, err := s.signer.Sign(tok)
		if err != nil {
			return nil, fmt.Errorf("sign token %s: %w", tok.ID, err)
		}
		tok.Code = code
		result.TokensAndCodes[tok.ID] = model.TokenAndCode{Token: tok, Code: code}
	}
	for _, lic := range licenses {
		n, err := s.displayCount(ctx, lic.ID, asOf)
		if err != nil {
			return nil, fmt.Errorf("count tokens for %s: %w", lic.ID, err)
		}
		result.LicensesAndDispensed[lic.ID] = model.LicenseAndSlots{License: lic, NTokensDispensed: n}
	}

	metrics.Lookups.Inc()
	return result, nil
}

// displayCount may serve a slightly stale count. Capacity checks never use it.
func (s *Service) displayCount(ctx context.Context, licenseID string, asOf time.Time) (int, error) {
	cacheable := s.counts != nil && absDuration(s.now().Sub(asOf)) < time.Second
	if cacheable {
		if n, ok := s.counts.Get(licenseID); ok {
			return n.(int), nil
		}
	}
	n, err := s.tokens.ActiveCount(ctx, licenseID, asOf)
	if err != nil {
		return 0, err
	}
	if cacheable {
		s.counts.SetDefault(licenseID, n)
	}
	return n, nil
}

type DispenseRequest struct {
	Email     string
	UserName  string
	MachineID string
	LicenseID string
}

// Dispense issues a new token from the license, enforcing its capacity with a
// conditional insert at the storage layer.
func (s *Service) Dispense(ctx context.Context, req DispenseRequest) (*model.TokenAndCode, error) {
	tc, err := s.dispense(ctx, req)
	metrics.Dispenses.WithLabelValues(dispenseOutcome(err)).Inc()
	return tc, err
}

func (s *Service) dispense(ctx context.Context, req DispenseRequest) (*model.TokenAndCode, error) {
	email := model.NormalizeEmail(req.Email)
	if email == "" {
		return nil, ErrNotAuthenticated
	}
	if s.signer == nil {
		return nil, errors.New("dispense: signer not configured")
	}

	lic, err := s.licenses.GetByID(ctx, req.LicenseID)
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	if lic == nil {
		return nil, fmt.Errorf("%w: %s", ErrLicenseNotFound, req.LicenseID)
	}

	if lic.IsPublic {
		s.logger.Debug("public license, requester not recorded", "license_id", lic.ID, "email", email)
	} else {
		added, err := s.licenses.AddEmail(ctx, lic.ID, email)
		if err != nil {
			return nil, fmt.Errorf("add email to license: %w", err)
		}
		if added {
			lic.Emails = append(lic.Emails, email)
			s.logger.Info("email added to license", "license_id", lic.ID, "email", email)
		}
	}

	var tc *model.TokenAndCode
	backoff := retry.WithMaxRetries(uint64(lic.NTokens)+extraConflictRetries, retry.NewConstant(conflictBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		now := s.now()
		if !lic.Expiry.ActiveAt(now) {
			return fmt.Errorf("%w: %s expired %s", ErrLicenseExpired, lic.ID, lic.Expiry)
		}
		active, err := s.tokens.ActiveCount(ctx, lic.ID, now)
		if err != nil {
			return fmt.Errorf("count active tokens: %w", err)
		}
		if active >= lic.NTokens {
			return &NoMoreTokensError{LicenseID: lic.ID, NTokens: lic.NTokens}
		}

		tok := model.Token{
			ID:          uuid.NewString(),
			Tier:        lic.Tier,
			Expiry:      lic.Expiry,
			Email:       email,
			LicenseID:   lic.ID,
			MachineID:   req.MachineID,
			LicenseName: lic.Name,
			IssuedAt:    now.UTC().Truncate(time.Millisecond),
		}
		code, err := s.signer.Sign(tok)
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}
		tok.Code = code

		err = s.tokens.InsertIfCount(ctx, ConditionalInsert{
			LicenseID:     lic.ID,
			ExpectedCount: active,
			AsOf:          now,
			Token:         tok,
		})
		if errors.Is(err, ErrWriteConflict) {
			metrics.DispenseConflicts.Inc()
			return retry.RetryableError(err)
		}
		if err != nil {
			return fmt.Errorf("insert token: %w", err)
		}
		tc = &model.TokenAndCode{Token: tok, Code: code}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrWriteConflict) {
			return nil, fmt.Errorf("dispense from %s did not happen: %w", lic.ID, err)
		}
		return nil, err
	}

	if s.counts != nil {
		s.counts.Delete(lic.ID)
	}
	s.logger.Info("token dispensed",
		"license_id", lic.ID,
		"token_id", tc.Token.ID,
		"email", email,
		"machine_id", req.MachineID,
	)
	s.publish(EventTokenDispensed, lic.ID, map[string]any{
		"token_id":   tc.Token.ID,
		"email":      email,
		"machine_id": req.MachineID,
	})

	licCopy := *lic
	userName := req.UserName
	if userName == "" {
		userName = localPart(email)
	}
	s.notify("token_created", func(ctx context.Context, n Notifier) error {
		return n.TokenCreated(ctx, licCopy, *tc, userName)
	})
	return tc, nil
}

type AddLicenseRequest struct {
	Name      string
	Emails    []string
	Domains   []string
	Tier      string
	NTokens   int
	Expiry    model.Expiry
	LicenseID string
	IsPublic  bool
	// SeparateLicenses issues one license per email, each with a new id.
	SeparateLicenses bool
}

type AddLicenseResult struct {
	LicenseID  string        `json:"license_id"`
	NewLicense model.License `json:"new_license"`
	UsersAdded []string      `json:"users_added"`
}

// AddLicense validates and upserts one license, or one per email when
// SeparateLicenses is set. Callers must have checked admin rights.
func (s *Service) AddLicense(ctx context.Context, req AddLicenseRequest) (map[string]AddLicenseResult, error) {
	tier, ok := model.ParseTier(req.Tier)
	if !ok {
		return nil, fmt.Errorf("%w: %q not in %v (case sensitive)", ErrInvalidTier, req.Tier, model.Tiers())
	}
	if req.NTokens < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTokenCount, req.NTokens)
	}
	emails, err := normalizeEmails(req.Emails)
	if err != nil {
		return nil, err
	}
	domains, err := normalizeDomains(req.Domains)
	if err != nil {
		return nil, err
	}

	var groups [][]string
	if req.SeparateLicenses && len(emails) > 0 {
		for _, e := range emails {
			groups = append(groups, []string{e})
		}
	} else {
		groups = [][]string{emails}
	}

	results := make(map[string]AddLicenseResult, len(groups))
	for _, group := range groups {
		id := req.LicenseID
		if id == "" || len(groups) > 1 {
			id = uuid.NewString()
		}
		lic := model.License{
			ID:       id,
			Name:     req.Name,
			Emails:   group,
			Domains:  domains,
			Tier:     tier,
			NTokens:  req.NTokens,
			Expiry:   req.Expiry,
			IsPublic: req.IsPublic,
		}
		if err := s.licenses.Upsert(ctx, lic); err != nil {
			return nil, fmt.Errorf("upsert license %s: %w", id, err)
		}
		metrics.LicensesUpserted.Inc()
		if s.counts != nil {
			s.counts.Delete(id)
		}
		s.logger.Info("license saved",
			"license_id", id,
			"tier", tier,
			"n_tokens", req.NTokens,
			"expiry", lic.Expiry.String(),
			"emails", len(group),
			"domains", len(domains),
		)
		s.publish(EventLicenseCreated, id, map[string]any{"tier": tier, "n_tokens": req.NTokens})
		s.notify("license_created", func(ctx context.Context, n Notifier) error {
			return n.LicenseCreated(ctx, lic)
		})
		results[id] = AddLicenseResult{LicenseID: id, NewLicense: lic, UsersAdded: group}
	}
	return results, nil
}

// ApproveUsers approves registrations without issuing a license. Each user
// gets an approval email. The normalized emails are returned.
func (s *Service) ApproveUsers(licenseID string, emails []string) ([]string, error) {
	emails, err := normalizeEmails(emails)
	if err != nil {
		return nil, err
	}
	for _, email := range emails {
		s.notify("registration_approved", func(ctx context.Context, n Notifier) error {
			return n.RegistrationApproved(ctx, email)
		})
	}
	s.logger.Info("registrations approved", "license_id", licenseID, "users", len(emails))
	s.publish(EventUsersApproved, licenseID, map[string]any{"users": emails})
	return emails, nil
}

// Confirm checks that a purchased license has landed in the store. A missing
// license alerts operations and the purchaser.
func (s *Service) Confirm(ctx context.Context, licenseID, userEmail string) (*model.License, error) {
	lic, err := s.licenses.GetByID(ctx, licenseID)
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	if lic == nil {
		s.logger.Warn("purchased license missing", "license_id", licenseID, "email", userEmail)
		s.notify("license_missing", func(ctx context.Context, n Notifier) error {
			return n.LicenseMissing(ctx, licenseID, userEmail)
		})
		return nil, fmt.Errorf("%w: %s", ErrLicenseNotFound, licenseID)
	}
	return lic, nil
}

// Wait blocks until in-flight notifications have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) notify(kind string, fn func(context.Context, Notifier) error) {
	if s.notifier == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()
		if err := fn(ctx, s.notifier); err != nil {
			metrics.NotificationFailures.WithLabelValues(kind).Inc()
			s.logger.Error("notification failed", "kind", kind, "error", err)
		}
	}()
}

func (s *Service) publish(kind, licenseID string, extra map[string]any) {
	if s.events != nil {
		s.events.Publish(kind, licenseID, extra)
	}
}

func dispenseOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrNoMoreTokens):
		return metrics.OutcomeNoTokens
	case errors.Is(err, ErrLicenseNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, ErrLicenseExpired):
		return metrics.OutcomeExpired
	case errors.Is(err, ErrWriteConflict):
		return metrics.OutcomeConflict
	default:
		return metrics.OutcomeError
	}
}

func localPart(email string) string {
	if at := strings.LastIndexByte(email, '@'); at >= 0 {
		return email[:at]
	}
	return email
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
