package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cellarsync/internal/common"
	"cellarsync/internal/models"
)

type connectorRow struct {
	id, userID, provider             string
	username, password               sql.NullString
	accessToken, refreshToken, scope sql.NullString
	expiresAt                        sql.NullTime
	isValid, isActive                bool
}

func (r connectorRow) toModel() *models.Connector {
	c := &models.Connector{ID: r.id, UserID: r.userID}
	token := models.OAuthToken{
		AccessToken:  r.accessToken.String,
		RefreshToken: r.refreshToken.String,
		ExpiresAt:    r.expiresAt.Time,
		Scope:        r.scope.String,
		IsValid:      r.isValid,
		IsActive:     r.isActive,
	}
	switch models.Provider(r.provider) {
	case models.ProviderNone, "":
	case models.ProviderICloud:
		c.Credentials = &models.CalDAVCredentials{
			Username:          r.username.String,
			EncryptedPassword: r.password.String,
			IsValid:           r.isValid,
			IsActive:          r.isActive,
		}
	case models.ProviderMicrosoft:
		c.Credentials = &models.MicrosoftCredentials{OAuthToken: token}
	case models.ProviderGoogle:
		c.Credentials = &models.GoogleCredentials{OAuthToken: token}
	default:
		c.Credentials = &models.UnrecognizedCredentials{Name: r.provider}
	}
	return c
}

func rowFromModel(c *models.Connector) connectorRow {
	r := connectorRow{userID: c.UserID, provider: string(c.Provider())}
	var tok *models.OAuthToken
	switch cred := c.Credentials.(type) {
	case *models.CalDAVCredentials:
		r.username = sql.NullString{String: cred.Username, Valid: true}
		r.password = sql.NullString{String: cred.EncryptedPassword, Valid: true}
		r.isValid, r.isActive = cred.IsValid, cred.IsActive
	case *models.MicrosoftCredentials:
		tok = &cred.OAuthToken
	case *models.GoogleCredentials:
		tok = &cred.OAuthToken
	}
	if tok != nil {
		r.accessToken = sql.NullString{String: tok.AccessToken, Valid: true}
		r.refreshToken = sql.NullString{String: tok.RefreshToken, Valid: tok.RefreshToken != ""}
		r.scope = sql.NullString{String: tok.Scope, Valid: tok.Scope != ""}
		r.expiresAt = sql.NullTime{Time: tok.ExpiresAt, Valid: !tok.ExpiresAt.IsZero()}
		r.isValid, r.isActive = tok.IsValid, tok.IsActive
	}
	return r
}

const connectorColumns = `id, user_id, provider, caldav_username, caldav_password,
		access_token, refresh_token, token_expires_at, token_scope, is_valid, is_active`

type scanner interface {
	Scan(dest ...any) error
}

func scanConnector(s scanner) (*models.Connector, error) {
	var r connectorRow
	if err := s.Scan(&r.id, &r.userID, &r.provider, &r.username, &r.password,
		&r.accessToken, &r.refreshToken, &r.expiresAt, &r.scope, &r.isValid, &r.isActive); err != nil {
		return nil, err
	}
	return r.toModel(), nil
}

// ListConnectors returns every connector regardless of owner.
func (p *Postgres) ListConnectors(ctx context.Context) ([]*models.Connector, error) {
	query := `SELECT ` + connectorColumns + ` FROM connectors ORDER BY user_id`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

// GetConnector returns the user's connector or common.ErrNotFound.
func (p *Postgres) GetConnector(ctx context.Context, userID string) (*models.Connector, error) {
	query := `SELECT ` + connectorColumns + ` FROM connectors WHERE user_id = $1`

	c, err := scanConnector(p.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}

// SaveConnector upserts the user's single connector row. Every credential
// column is rewritten, so switching providers clears the previous branch.
func (p *Postgres) SaveConnector(ctx context.Context, c *models.Connector) error {
	r := rowFromModel(c)

	query :=
		`INSERT INTO connectors (user_id, provider, caldav_username, caldav_password,
		     access_token, refresh_token, token_expires_at, token_scope, is_valid, is_active, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		 ON CONFLICT (user_id) DO UPDATE SET
		     provider = EXCLUDED.provider,
		     caldav_username = EXCLUDED.caldav_username,
		     caldav_password = EXCLUDED.caldav_password,
		     access_token = EXCLUDED.access_token,
		     refresh_token = EXCLUDED.refresh_token,
		     token_expires_at = EXCLUDED.token_expires_at,
		     token_scope = EXCLUDED.token_scope,
		     is_valid = EXCLUDED.is_valid,
		     is_active = EXCLUDED.is_active,
		     updated_at = now()
		 RETURNING id`

	err := p.db.QueryRowContext(ctx, query, r.userID, r.provider, r.username, r.password,
		r.accessToken, r.refreshToken, r.expiresAt, r.scope, r.isValid, r.isActive).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
