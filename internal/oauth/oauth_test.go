package oauth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"cellarsync/internal/common"
	"cellarsync/internal/config"
	"cellarsync/internal/models"
	"cellarsync/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

var fixedNow = time.Date(2025, 10, 15, 12, 0, 0, 0, time.UTC)

type tokenServer struct {
	*httptest.Server
	calls  atomic.Int32
	status int
	body   string
	form   url.Values
}

func newTokenServer(t *testing.T, status int, body string) *tokenServer {
	t.Helper()
	ts := &tokenServer{status: status, body: body}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		require.NoError(t, r.ParseForm())
		ts.form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ts.status)
		_, _ = io.WriteString(w, ts.body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestManager(ts *tokenServer, mem *storetest.Memory) *Manager {
	cfg := &oauth2.Config{
		ClientID:     "id",
		ClientSecret: "secret",
		Endpoint: oauth2.Endpoint{
			AuthURL:   ts.URL + "/auth",
			TokenURL:  ts.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	m := NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), mem, map[models.Provider]*oauth2.Config{
		models.ProviderGoogle:    cfg,
		models.ProviderMicrosoft: cfg,
	}, ts.Client())
	m.now = func() time.Time { return fixedNow }
	return m
}

func googleConnector(expiresIn time.Duration) *models.Connector {
	return &models.Connector{
		UserID: "u1",
		Credentials: &models.GoogleCredentials{OAuthToken: models.OAuthToken{
			AccessToken:  "old-access",
			RefreshToken: "old-refresh",
			ExpiresAt:    fixedNow.Add(expiresIn),
			IsValid:      true,
			IsActive:     true,
		}},
	}
}

const okBody = `{"access_token":"new-access","token_type":"Bearer","expires_in":3600,"refresh_token":"new-refresh","scope":"calendar"}`

func TestUsableAccessToken_NotNearExpiry(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, okBody)
	mem := storetest.NewMemory()
	m := newTestManager(ts, mem)

	tok, err := m.UsableAccessToken(context.Background(), googleConnector(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "old-access", tok)
	assert.Equal(t, int32(0), ts.calls.Load())
}

func TestUsableAccessToken_RefreshesInsideMargin(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, okBody)
	mem := storetest.NewMemory()
	m := newTestManager(ts, mem)
	conn := googleConnector(4 * time.Minute)

	tok, err := m.UsableAccessToken(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok)
	assert.Equal(t, int32(1), ts.calls.Load())
	assert.Equal(t, "refresh_token", ts.form.Get("grant_type"))
	assert.Equal(t, "old-refresh", ts.form.Get("refresh_token"))

	saved, err := mem.GetConnector(context.Background(), "u1")
	require.NoError(t, err)
	rec, ok := saved.Token()
	require.True(t, ok)
	assert.Equal(t, "new-access", rec.AccessToken)
	assert.Equal(t, "new-refresh", rec.RefreshToken)
	assert.Equal(t, "calendar", rec.Scope)
	assert.True(t, rec.IsValid)
}

func TestRefresh_RejectedMarksInvalid(t *testing.T) {
	ts := newTokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant"}`)
	mem := storetest.NewMemory()
	m := newTestManager(ts, mem)
	conn := googleConnector(-time.Minute)

	tok, err := m.UsableAccessToken(context.Background(), conn)
	assert.ErrorIs(t, err, common.ErrTokenRejected)
	assert.Empty(t, tok)

	saved, err := mem.GetConnector(context.Background(), "u1")
	require.NoError(t, err)
	rec, _ := saved.Token()
	assert.False(t, rec.IsValid)
	assert.False(t, saved.Active())
}

func TestRefresh_ServerErrorKeepsValid(t *testing.T) {
	ts := newTokenServer(t, http.StatusInternalServerError, `{"error":"server_error"}`)
	mem := storetest.NewMemory()
	m := newTestManager(ts, mem)
	conn := googleConnector(-time.Minute)

	_, err := m.Refresh(context.Background(), conn)
	require.Error(t, err)
	assert.NotErrorIs(t, err, common.ErrTokenRejected)

	rec, _ := conn.Token()
	assert.True(t, rec.IsValid)
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, okBody)
	m := newTestManager(ts, storetest.NewMemory())
	conn := googleConnector(-time.Minute)
	rec, _ := conn.Token()
	rec.RefreshToken = ""

	_, err := m.Refresh(context.Background(), conn)
	assert.ErrorIs(t, err, common.ErrNoRefreshToken)
	assert.Equal(t, int32(0), ts.calls.Load())
}

func TestUsableAccessToken_InvalidOrNonOAuth(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, okBody)
	m := newTestManager(ts, storetest.NewMemory())

	conn := googleConnector(time.Hour)
	rec, _ := conn.Token()
	rec.IsValid = false
	_, err := m.UsableAccessToken(context.Background(), conn)
	assert.ErrorIs(t, err, common.ErrNoCredentials)

	caldav := &models.Connector{UserID: "u2", Credentials: &models.CalDAVCredentials{Username: "a", IsValid: true, IsActive: true}}
	_, err = m.UsableAccessToken(context.Background(), caldav)
	assert.ErrorIs(t, err, common.ErrNoCredentials)
}

func TestExchange_SetsProviderVariant(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, okBody)
	mem := storetest.NewMemory()
	m := newTestManager(ts, mem)

	conn := &models.Connector{UserID: "u1", Credentials: &models.CalDAVCredentials{Username: "old"}}
	require.NoError(t, m.Exchange(context.Background(), models.ProviderMicrosoft, conn, "the-code"))
	assert.Equal(t, "authorization_code", ts.form.Get("grant_type"))
	assert.Equal(t, "the-code", ts.form.Get("code"))

	saved, err := mem.GetConnector(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderMicrosoft, saved.Provider())
	ms, ok := saved.Credentials.(*models.MicrosoftCredentials)
	require.True(t, ok)
	assert.Equal(t, "new-access", ms.AccessToken)
	assert.Equal(t, "new-refresh", ms.RefreshToken)
	assert.True(t, saved.Active())
}

func TestProviderNotConfigured(t *testing.T) {
	m := NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), storetest.NewMemory(), nil, nil)

	_, err := m.AuthCodeURL(models.ProviderGoogle, "state")
	assert.ErrorIs(t, err, common.ErrProviderNotConfigured)

	_, err = m.Refresh(context.Background(), googleConnector(-time.Minute))
	assert.ErrorIs(t, err, common.ErrProviderNotConfigured)
}

func TestConfigs(t *testing.T) {
	g := GoogleConfig(config.OAuthConfig{ClientID: "g", RedirectURL: "http://localhost/cb"})
	assert.Equal(t, "g", g.ClientID)
	assert.Len(t, g.Scopes, 2)

	ms := MicrosoftConfig(config.OAuthConfig{ClientID: "m"})
	assert.Contains(t, ms.Endpoint.TokenURL, "/common/")
	assert.Contains(t, ms.Scopes, "offline_access")

	m := NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), storetest.NewMemory(), map[models.Provider]*oauth2.Config{models.ProviderGoogle: g}, nil)
	u, err := m.AuthCodeURL(models.ProviderGoogle, "xyz")
	require.NoError(t, err)
	assert.Contains(t, u, "state=xyz")
	assert.Contains(t, u, "access_type=offline")
}
