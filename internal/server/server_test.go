package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/dukerupert/eagleeyes/internal/database"
	"github.com/dukerupert/eagleeyes/internal/events"
	"github.com/dukerupert/eagleeyes/internal/identity"
	"github.com/dukerupert/eagleeyes/internal/licensing"
	"github.com/dukerupert/eagleeyes/internal/model"
	"github.com/dukerupert/eagleeyes/internal/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVerifier map[string]identity.User

func (f fakeVerifier) Verify(_ context.Context, raw string) (identity.User, error) {
	u, ok := f[raw]
	if !ok {
		return identity.User{}, identity.ErrInvalidCredential
	}
	return u, nil
}

var users = fakeVerifier{
	"pilot-token":  {Email: "pilot@rescue.org", Name: "Pilot", UID: "u1"},
	"second-token": {Email: "second@rescue.org", Name: "Second", UID: "u2"},
	"admin-token":  {Email: "ops@eagleeyessearch.com", Name: "Ops", UID: "u3"},
}

// approvalNotifier records approval emails and drops the rest.
type approvalNotifier struct {
	mu       sync.Mutex
	approved []string
}

func (n *approvalNotifier) LicenseCreated(context.Context, model.License) error { return nil }

func (n *approvalNotifier) TokenCreated(context.Context, model.License, model.TokenAndCode, string) error {
	return nil
}

func (n *approvalNotifier) LicenseMissing(context.Context, string, string) error { return nil }

func (n *approvalNotifier) RegistrationApproved(_ context.Context, email string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.approved = append(n.approved, email)
	return nil
}

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	signer   *signer.Signer
	notifier *approvalNotifier
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "licensing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, priv, err := signer.Generate()
	require.NoError(t, err)
	sgn := signer.New(priv, "")

	notifier := &approvalNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(db, Config{
		Licensing: licensing.Config{
			Admins: licensing.NewAdmins("ops@eagleeyessearch.com"),
		},
		Signer:         sgn,
		Notifier:       notifier,
		Identity:       users,
		RequestTimeout: 5 * time.Second,
	}, logger)

	hs := httptest.NewServer(srv.Router())
	t.Cleanup(hs.Close)
	t.Cleanup(srv.Service().Wait)
	return &testEnv{srv: srv, http: hs, signer: sgn, notifier: notifier}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.http.URL+path, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func addLicense(t *testing.T, e *testEnv, body map[string]any) map[string]licensing.AddLicenseResult {
	t.Helper()
	resp := e.do(t, "POST", "/api/admin/licenses", "admin-token", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[map[string]licensing.AddLicenseResult](t, resp)
}

func TestHealth(t *testing.T) {
	e := setupServer(t)
	for _, path := range []string{"/health", "/__/health"} {
		resp := e.do(t, "GET", path, "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		body := decode[struct {
			Status   string          `json:"status"`
			Database database.Status `json:"database"`
		}](t, resp)
		assert.Equal(t, "ok", body.Status)
		assert.True(t, body.Database.OK)
		assert.EqualValues(t, 2, body.Database.SchemaVersion)
	}
}

func TestPreflight(t *testing.T) {
	e := setupServer(t)
	resp := e.do(t, "OPTIONS", "/api/tokens", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCheckRequiresBearer(t *testing.T) {
	e := setupServer(t)

	resp := e.do(t, "GET", "/api/licenses/check", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, "GET", "/api/licenses/check", "forged", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminMe(t *testing.T) {
	e := setupServer(t)

	resp := e.do(t, "GET", "/api/admin/me", "admin-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[map[string]bool](t, resp)["is_admin"])

	resp = e.do(t, "GET", "/api/admin/me", "pilot-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[map[string]bool](t, resp)["is_admin"])
}

func TestAddLicenseRequiresAdmin(t *testing.T) {
	e := setupServer(t)
	resp := e.do(t, "POST", "/api/admin/licenses", "pilot-token", map[string]any{
		"license_name": "Sneaky",
		"tier":         "pro",
		"n_tokens":     100,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAddLicenseValidation(t *testing.T) {
	e := setupServer(t)

	resp := e.do(t, "POST", "/api/admin/licenses", "admin-token", map[string]any{
		"license_name": "Bad tier",
		"tier":         "Gold",
		"n_tokens":     1,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, "POST", "/api/admin/licenses", "admin-token", map[string]any{
		"tier":     "pro",
		"n_tokens": -1,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, "POST", "/api/admin/licenses", "admin-token", map[string]any{
		"license_name": "Bad email",
		"tier":         "pro",
		"n_tokens":     1,
		"emails":       []string{"not-an-email"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAddLicenseWithoutName(t *testing.T) {
	e := setupServer(t)
	results := addLicense(t, e, map[string]any{
		"license_name": "",
		"tier":         "pro",
		"n_tokens":     1,
		"license_id":   "unnamed",
	})
	require.Contains(t, results, "unnamed")
	assert.Empty(t, results["unnamed"].NewLicense.Name)
}

func TestApproveUsersWithoutTier(t *testing.T) {
	e := setupServer(t)

	resp := e.do(t, "POST", "/api/forms/register", "pilot-token", map[string]any{"organization": "County SAR"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.do(t, "POST", "/api/admin/licenses", "admin-token", map[string]any{
		"license_name": "",
		"emails":       []string{"Pilot@Rescue.org"},
		"domains":      []string{},
		"tier":         nil,
		"n_tokens":     0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	require.Contains(t, body, "new_license")
	assert.Nil(t, body["new_license"])
	assert.Equal(t, []any{"pilot@rescue.org"}, body["users_added"])

	resp = e.do(t, "GET", "/api/forms/me", "pilot-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[struct {
		Form model.SignupForm `json:"form"`
	}](t, resp)
	assert.Equal(t, model.FormStatusApproved, me.Form.Status)

	e.srv.Service().Wait()
	e.notifier.mu.Lock()
	assert.Equal(t, []string{"pilot@rescue.org"}, e.notifier.approved)
	e.notifier.mu.Unlock()

	resp = e.do(t, "GET", "/api/licenses/check?machine_id=m1", "pilot-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[model.LookupResult](t, resp).LicensesAndDispensed)
}

func TestApproveUsersRejectsBadEmail(t *testing.T) {
	e := setupServer(t)
	resp := e.do(t, "POST", "/api/admin/licenses", "admin-token", map[string]any{
		"emails": []string{"not-an-email"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	e.srv.Service().Wait()
	assert.Empty(t, e.notifier.approved)
}

func TestDispenseFlow(t *testing.T) {
	e := setupServer(t)

	results := addLicense(t, e, map[string]any{
		"license_name": "County SAR",
		"domains":      []string{"rescue.org"},
		"tier":         "sar",
		"n_tokens":     2,
		"license_id":   "county-sar",
	})
	require.Contains(t, results, "county-sar")

	resp := e.do(t, "GET", "/api/licenses/check?machine_id=m1", "pilot-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	before := decode[model.LookupResult](t, resp)
	assert.Empty(t, before.TokensAndCodes)
	require.Contains(t, before.LicensesAndDispensed, "county-sar")
	assert.Equal(t, 0, before.LicensesAndDispensed["county-sar"].NTokensDispensed)

	resp = e.do(t, "POST", "/api/tokens?license_id=county-sar&machine_id=m1", "pilot-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tc := decode[model.TokenAndCode](t, resp)
	assert.Equal(t, model.TierSAR, tc.Token.Tier)
	assert.Equal(t, "pilot@rescue.org", tc.Token.Email)

	claims, err := e.signer.Verify(tc.Code)
	require.NoError(t, err)
	assert.Equal(t, tc.Token.ID, claims.ID)
	assert.Equal(t, "county-sar", claims.LicenseID)

	resp = e.do(t, "POST", "/api/tokens?license_id=county-sar&machine_id=m2", "second-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, "POST", "/api/tokens?license_id=county-sar&machine_id=m3", "pilot-token", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = e.do(t, "GET", "/api/licenses/check?machine_id=m1", "pilot-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	after := decode[model.LookupResult](t, resp)
	require.Len(t, after.TokensAndCodes, 1)
	assert.Contains(t, after.TokensAndCodes, tc.Token.ID)
	assert.Equal(t, 2, after.LicensesAndDispensed["county-sar"].NTokensDispensed)
}

func TestDispenseErrors(t *testing.T) {
	e := setupServer(t)

	resp := e.do(t, "POST", "/api/tokens?machine_id=m1", "pilot-token", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, "POST", "/api/tokens?license_id=nope&machine_id=m1", "pilot-token", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	addLicense(t, e, map[string]any{
		"license_name":     "Old",
		"tier":             "basic",
		"n_tokens":         5,
		"license_id":       "old",
		"emails":           []string{"pilot@rescue.org"},
		"expiry_timestamp": 1000,
	})
	resp = e.do(t, "POST", "/api/tokens?license_id=old&machine_id=m1", "pilot-token", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestConfirm(t *testing.T) {
	e := setupServer(t)

	resp := e.do(t, "GET", "/api/licenses/confirm?license_id=bought&email=buyer@x.com", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	addLicense(t, e, map[string]any{
		"license_name": "Bought",
		"tier":         "pro",
		"n_tokens":     1,
		"license_id":   "bought",
	})
	resp = e.do(t, "GET", "/api/licenses/confirm?license_id=bought&email=buyer@x.com", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, true, body["confirmed"])
}

func TestConfirmRateLimited(t *testing.T) {
	e := setupServer(t)
	var last int
	for range publicRateLimit + 1 {
		resp := e.do(t, "GET", "/api/licenses/confirm?license_id=x", "", nil)
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestDownloadsNotConfigured(t *testing.T) {
	e := setupServer(t)
	resp := e.do(t, "POST", "/api/downloads/link?filePath=releases/app.zip", "pilot-token", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFormsRoundTrip(t *testing.T) {
	e := setupServer(t)

	resp := e.do(t, "POST", "/api/forms/register", "pilot-token", map[string]any{"organization": "County SAR"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.do(t, "GET", "/api/forms/me", "pilot-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]json.RawMessage](t, resp)
	assert.Contains(t, string(body["form"]), "County SAR")
}

func TestMetricsExposed(t *testing.T) {
	e := setupServer(t)
	e.do(t, "GET", "/health", "", nil)

	resp := e.do(t, "GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "licensing_http_request_duration_seconds")
}

func TestAdminEventFeed(t *testing.T) {
	e := setupServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/api/admin/events?access_token=admin-token"
	conn, _, err := ws.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return e.srv.Hub().ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	addLicense(t, e, map[string]any{
		"license_name": "Live",
		"tier":         "pro",
		"n_tokens":     1,
		"license_id":   "live",
	})

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg events.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, licensing.EventLicenseCreated, msg.Type)
	assert.Equal(t, "live", msg.LicenseID)
}

func TestAdminEventFeedRejectsNonAdmin(t *testing.T) {
	e := setupServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/api/admin/events?access_token=pilot-token"
	_, resp, err := ws.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
