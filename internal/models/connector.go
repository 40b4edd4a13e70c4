package models

import "time"

// Provider identifies an external calendar provider.
type Provider string

const (
	ProviderNone      Provider = "none"
	ProviderICloud    Provider = "icloud"
	ProviderMicrosoft Provider = "microsoft"
	ProviderGoogle    Provider = "google"
)

// TokenRefreshMargin is how long before expiry an OAuth token is already
// treated as unusable, so in-flight calls never race the real expiry.
const TokenRefreshMargin = 5 * time.Minute

// Credentials is a closed union: exactly one provider's credentials, or nil
// for a disconnected connector. Only types in this package implement it.
type Credentials interface {
	Provider() Provider
	credentials()
}

// CalDAVCredentials holds basic-auth credentials for the CalDAV provider.
// The password is stored encrypted by the vault.
type CalDAVCredentials struct {
	Username          string
	EncryptedPassword string
	IsValid           bool
	IsActive          bool
}

func (*CalDAVCredentials) Provider() Provider { return ProviderICloud }
func (*CalDAVCredentials) credentials()       {}

// OAuthToken is the token record shared by the OAuth providers.
type OAuthToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	IsValid      bool
	IsActive     bool
}

// Usable reports whether the access token can be used as-is at now.
func (t OAuthToken) Usable(now time.Time) bool {
	return t.IsValid && t.IsActive && t.AccessToken != "" && now.Before(t.ExpiresAt.Add(-TokenRefreshMargin))
}

// MicrosoftCredentials holds a Microsoft Graph OAuth token.
type MicrosoftCredentials struct {
	OAuthToken
}

func (*MicrosoftCredentials) Provider() Provider { return ProviderMicrosoft }
func (*MicrosoftCredentials) credentials()       {}

// GoogleCredentials holds a Google Calendar OAuth token.
type GoogleCredentials struct {
	OAuthToken
}

func (*GoogleCredentials) Provider() Provider { return ProviderGoogle }
func (*GoogleCredentials) credentials()       {}

// UnrecognizedCredentials stands for a stored provider name this build does
// not know how to sync.
type UnrecognizedCredentials struct {
	Name string
}

func (c *UnrecognizedCredentials) Provider() Provider { return Provider(c.Name) }
func (*UnrecognizedCredentials) credentials()         {}

// Connector links one user to at most one active external calendar.
type Connector struct {
	ID          string
	UserID      string
	Credentials Credentials
	UpdatedAt   time.Time
}

// Provider returns the connected provider, or ProviderNone.
func (c *Connector) Provider() Provider {
	if c == nil || c.Credentials == nil {
		return ProviderNone
	}
	return c.Credentials.Provider()
}

// Active reports whether the connector's credentials are flagged usable.
// It does not look at token expiry.
func (c *Connector) Active() bool {
	switch cred := c.Credentials.(type) {
	case *CalDAVCredentials:
		return cred.IsValid && cred.IsActive
	case *MicrosoftCredentials:
		return cred.IsValid && cred.IsActive
	case *GoogleCredentials:
		return cred.IsValid && cred.IsActive
	case *UnrecognizedCredentials:
		return true
	default:
		return false
	}
}

// Token returns the OAuth token for OAuth-backed connectors.
func (c *Connector) Token() (*OAuthToken, bool) {
	switch cred := c.Credentials.(type) {
	case *MicrosoftCredentials:
		return &cred.OAuthToken, true
	case *GoogleCredentials:
		return &cred.OAuthToken, true
	default:
		return nil, false
	}
}

// Disconnect soft-deletes the connector: credentials are cleared and the
// provider becomes ProviderNone. The record itself is kept.
func (c *Connector) Disconnect() {
	c.Credentials = nil
}
