// Package credentials owns the OAuth2 token lifecycle for third-party
// providers, keyed by (provider, environment).
package credentials

import (
	"context"
	"time"

	"github.com/tournevent/shipquote/pkg/shipping"
)

// Status is the persisted validation status of a credential.
type Status string

const (
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
)

// State is the lifecycle state reported for a (provider, environment) key.
type State string

const (
	StateAbsent     State = "absent"
	StateValid      State = "valid"
	StateRefreshing State = "refreshing"
	StateInvalid    State = "invalid"
)

// AdditionalData keys understood by the manager.
const (
	KeyOriginPostalCode = "origin_postal_code"
)

// Credential is an OAuth credential for one (provider, environment).
type Credential struct {
	ID             int64
	Provider       string
	Environment    shipping.Environment
	AccessToken    string
	RefreshToken   string // empty for static tokens
	ExpiresAt      time.Time
	ClientID       string
	ClientSecret   string
	AdditionalData map[string]string
	Status         Status
	CreatedAt      time.Time
	SupersededAt   *time.Time
}

// Expiring reports whether the access token expires within margin of now.
// A zero ExpiresAt never expires.
func (c *Credential) Expiring(now time.Time, margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(c.ExpiresAt)
}

// ClientCredentials is an OAuth client id/secret pair.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// Store persists credentials. Active returns an error matching
// shipping.ErrNotFound when no credential exists for the key.
type Store interface {
	Active(ctx context.Context, provider string, env shipping.Environment) (*Credential, error)
	// Save inserts cred as the active credential, superseding the previous one.
	Save(ctx context.Context, cred *Credential) error
	SetStatus(ctx context.Context, provider string, env shipping.Environment, status Status) error
}
