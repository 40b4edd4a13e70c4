// Package oauth manages OAuth2 tokens for the Google and Microsoft connectors:
// authorization-code exchange, refresh with an early-refresh margin, and
// invalidation when a provider rejects the refresh token.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cellarsync/internal/common"
	"cellarsync/internal/config"
	"cellarsync/internal/models"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"google.golang.org/api/calendar/v3"
)

// defaultTokenLifetime is assumed when a token response omits expires_in.
const defaultTokenLifetime = time.Hour

// ConnectorSaver persists connector mutations made during refresh.
type ConnectorSaver interface {
	SaveConnector(ctx context.Context, c *models.Connector) error
}

// Manager hands out usable access tokens for OAuth connectors.
type Manager struct {
	logger     *slog.Logger
	store      ConnectorSaver
	configs    map[models.Provider]*oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

// NewManager creates a Manager. Providers missing from configs are treated as
// not configured.
func NewManager(logger *slog.Logger, store ConnectorSaver, configs map[models.Provider]*oauth2.Config, httpClient *http.Client) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Manager{
		logger:     logger,
		store:      store,
		configs:    configs,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// GoogleConfig builds the OAuth2 config for Google Calendar.
func GoogleConfig(c config.OAuthConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       []string{calendar.CalendarEventsScope, calendar.CalendarReadonlyScope},
		Endpoint:     google.Endpoint,
	}
}

// MicrosoftConfig builds the OAuth2 config for Microsoft Graph.
func MicrosoftConfig(c config.OAuthConfig) *oauth2.Config {
	tenant := c.Tenant
	if tenant == "" {
		tenant = "common"
	}
	endpoint := microsoft.AzureADEndpoint(tenant)
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       []string{"offline_access", "Calendars.ReadWrite"},
		Endpoint:     endpoint,
	}
}

func (m *Manager) config(p models.Provider) (*oauth2.Config, error) {
	cfg, ok := m.configs[p]
	if !ok || cfg == nil {
		return nil, fmt.Errorf("%s: %w", p, common.ErrProviderNotConfigured)
	}
	return cfg, nil
}

func (m *Manager) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// AuthCodeURL returns the consent URL for provider.
func (m *Manager) AuthCodeURL(p models.Provider, state string) (string, error) {
	cfg, err := m.config(p)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange trades an authorization code for tokens and points conn at the
// provider. Any previous provider's credentials are replaced.
func (m *Manager) Exchange(ctx context.Context, p models.Provider, conn *models.Connector, code string) error {
	cfg, err := m.config(p)
	if err != nil {
		return err
	}

	tok, err := cfg.Exchange(m.ctx(ctx), code)
	if err != nil {
		return fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	record := models.OAuthToken{IsValid: true, IsActive: true}
	m.apply(&record, tok)

	switch p {
	case models.ProviderMicrosoft:
		conn.Credentials = &models.MicrosoftCredentials{OAuthToken: record}
	case models.ProviderGoogle:
		conn.Credentials = &models.GoogleCredentials{OAuthToken: record}
	default:
		return fmt.Errorf("%s is not an oauth provider", p)
	}

	if err := m.store.SaveConnector(ctx, conn); err != nil {
		return fmt.Errorf("failed to save connector: %w", err)
	}
	return nil
}

// UsableAccessToken returns the connector's access token, refreshing it first
// when it is within TokenRefreshMargin of expiry.
func (m *Manager) UsableAccessToken(ctx context.Context, conn *models.Connector) (string, error) {
	tok, ok := conn.Token()
	if !ok {
		return "", fmt.Errorf("%s: %w", conn.Provider(), common.ErrNoCredentials)
	}
	if !tok.IsValid || !tok.IsActive {
		return "", common.ErrNoCredentials
	}
	if tok.Usable(m.now()) {
		return tok.AccessToken, nil
	}
	return m.Refresh(ctx, conn)
}

// Refresh obtains a new access token with the stored refresh token. When the
// provider answers 400 or 401 the token is marked invalid, the connector is
// saved and common.ErrTokenRejected is returned.
func (m *Manager) Refresh(ctx context.Context, conn *models.Connector) (string, error) {
	tok, ok := conn.Token()
	if !ok {
		return "", fmt.Errorf("%s: %w", conn.Provider(), common.ErrNoCredentials)
	}
	if tok.RefreshToken == "" {
		return "", common.ErrNoRefreshToken
	}
	cfg, err := m.config(conn.Provider())
	if err != nil {
		return "", err
	}

	m.logger.Debug("Refreshing access token.", "userID", conn.UserID, "provider", conn.Provider())

	fresh, err := cfg.TokenSource(m.ctx(ctx), &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil &&
			(re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
			tok.IsValid = false
			if serr := m.store.SaveConnector(ctx, conn); serr != nil {
				m.logger.Error("Failed to mark token invalid", "userID", conn.UserID, "error", serr)
			}
			m.logger.Warn("Refresh token rejected, connector marked invalid.", "userID", conn.UserID, "provider", conn.Provider(), "status", re.Response.StatusCode)
			return "", common.ErrTokenRejected
		}
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}

	m.apply(tok, fresh)
	if err := m.store.SaveConnector(ctx, conn); err != nil {
		return "", fmt.Errorf("failed to save refreshed token: %w", err)
	}
	return tok.AccessToken, nil
}

func (m *Manager) apply(dst *models.OAuthToken, src *oauth2.Token) {
	dst.AccessToken = src.AccessToken
	if src.RefreshToken != "" {
		dst.RefreshToken = src.RefreshToken
	}
	dst.ExpiresAt = src.Expiry
	if dst.ExpiresAt.IsZero() {
		dst.ExpiresAt = m.now().Add(defaultTokenLifetime)
	}
	if scope, ok := src.Extra("scope").(string); ok && scope != "" {
		dst.Scope = scope
	}
}
