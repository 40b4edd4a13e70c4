// Package common defines sentinel errors shared by the stores, adapters and
// services. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Store-level errors.
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// Credential errors.
	ErrNoCredentials  = errors.New("no usable credentials")
	ErrTokenRejected  = errors.New("oauth token rejected by provider")
	ErrNoRefreshToken = errors.New("no refresh token")

	// Provider errors.
	ErrProviderNotConfigured = errors.New("provider not configured")
	ErrCalendarNotFound      = errors.New("calendar not found")
)
