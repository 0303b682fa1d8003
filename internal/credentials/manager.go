package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tournevent/shipquote/internal/telemetry"
	"github.com/tournevent/shipquote/pkg/shipping"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshMargin is how long before expiry a token is renewed.
const DefaultRefreshMargin = 5 * time.Minute

// Credential error codes.
const (
	CodeAbsent        = "CREDENTIAL_ABSENT"
	CodeInvalid       = "CREDENTIAL_INVALID"
	CodeMissingSecret = "MISSING_CLIENT_SECRET"
	CodeNoRenewal     = "NO_RENEWAL_PATH"
	CodeRefreshFailed = "REFRESH_FAILED"
	CodeUnknown       = "UNKNOWN_PROVIDER"
)

// Provider describes how tokens for one provider are renewed.
type Provider struct {
	Name      string
	TokenURLs map[shipping.Environment]string
	Scopes    []string
	// ClientCredentials allows renewal with client id/secret when no refresh
	// token is stored.
	ClientCredentials bool
	// Clients is the process-level configuration, used only when no stored
	// credential carries a client id/secret.
	Clients map[shipping.Environment]ClientCredentials
	// OriginPostalCode is the configured fallback for KeyOriginPostalCode.
	OriginPostalCode string
}

// Config holds Manager configuration.
type Config struct {
	RefreshMargin time.Duration
	Providers     []Provider
}

// Manager hands out valid access tokens, refreshing them when they are about
// to expire. Refreshes are serialized per (provider, environment).
type Manager struct {
	store     Store
	exchanger Exchanger
	providers map[string]Provider
	margin    time.Duration
	logger    *otelzap.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time

	sf         singleflight.Group
	mu         sync.Mutex
	refreshing map[string]bool
}

// NewManager creates a credential manager.
func NewManager(cfg Config, store Store, exchanger Exchanger, logger *otelzap.Logger, metrics *telemetry.Metrics) *Manager {
	margin := cfg.RefreshMargin
	if margin == 0 {
		margin = DefaultRefreshMargin
	}
	providers := make(map[string]Provider, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[p.Name] = p
	}
	return &Manager{
		store:      store,
		exchanger:  exchanger,
		providers:  providers,
		margin:     margin,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
		refreshing: make(map[string]bool),
	}
}

// SetClock overrides the time source. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func credentialKey(provider string, env shipping.Environment) string {
	return provider + "/" + string(env)
}

func credentialError(provider, code, message string) *shipping.Error {
	return shipping.NewError(shipping.KindCredential, code, message).WithProvider(provider)
}

// GetValidToken returns a usable access token for (provider, env).
func (m *Manager) GetValidToken(ctx context.Context, provider string, env shipping.Environment) (string, error) {
	cred, err := m.active(ctx, provider, env)
	if err != nil {
		return "", err
	}
	if !cred.Expiring(m.now(), m.margin) {
		return cred.AccessToken, nil
	}

	key := credentialKey(provider, env)
	// The refresh outlives the first caller; others waiting on it share the result.
	refreshCtx := context.WithoutCancel(ctx)
	v, err, shared := m.sf.Do(key, func() (interface{}, error) {
		return m.refresh(refreshCtx, provider, env)
	})
	if err != nil {
		return "", err
	}
	if shared {
		m.logger.Ctx(ctx).Debug("Reused in-flight token refresh",
			zap.String("provider", provider),
			zap.String("environment", string(env)),
		)
	}
	return v.(string), nil
}

// active loads the stored credential and rejects absent or invalid ones.
func (m *Manager) active(ctx context.Context, provider string, env shipping.Environment) (*Credential, error) {
	cred, err := m.store.Active(ctx, provider, env)
	if err != nil {
		if errors.Is(err, shipping.ErrNotFound) {
			return nil, credentialError(provider, CodeAbsent,
				fmt.Sprintf("no credential stored for %s", env))
		}
		return nil, fmt.Errorf("loading credential: %w", err)
	}
	if cred.Status == StatusInvalid {
		return nil, credentialError(provider, CodeInvalid,
			fmt.Sprintf("credential for %s is marked invalid; re-authorize the application", env))
	}
	return cred, nil
}

func (m *Manager) refresh(ctx context.Context, provider string, env shipping.Environment) (string, error) {
	key := credentialKey(provider, env)
	m.setRefreshing(key, true)
	defer m.setRefreshing(key, false)

	// Re-read: a refresh that finished just before this flight started
	// already stored a fresh token.
	cred, err := m.active(ctx, provider, env)
	if err != nil {
		return "", err
	}
	if !cred.Expiring(m.now(), m.margin) {
		return cred.AccessToken, nil
	}

	p, ok := m.providers[provider]
	if !ok {
		return "", credentialError(provider, CodeUnknown, "provider is not configured")
	}
	if cred.RefreshToken == "" && !p.ClientCredentials {
		m.markInvalid(ctx, provider, env)
		return "", credentialError(provider, CodeNoRenewal,
			"token expired and provider cannot renew without a refresh token")
	}

	client, err := m.resolve(cred, p, env)
	if err != nil {
		return "", err
	}

	log := m.logger.Ctx(ctx)
	log.Info("Refreshing OAuth credential",
		zap.String("provider", provider),
		zap.String("environment", string(env)),
		zap.Bool("refresh_token", cred.RefreshToken != ""),
	)

	token, err := m.exchanger.Exchange(ctx, ExchangeRequest{
		TokenURL:     p.TokenURLs[env],
		Client:       client,
		RefreshToken: cred.RefreshToken,
		Scopes:       p.Scopes,
	})
	if err != nil {
		m.metrics.RecordTokenRefresh(provider, "failed")
		log.Error("OAuth token exchange failed",
			zap.String("provider", provider),
			zap.String("environment", string(env)),
			zap.Error(err),
		)
		m.markInvalid(ctx, provider, env)
		return "", credentialError(provider, CodeRefreshFailed, "token exchange failed").WithCause(err)
	}

	next := &Credential{
		Provider:       provider,
		Environment:    env,
		AccessToken:    token.AccessToken,
		RefreshToken:   token.RefreshToken,
		ExpiresAt:      token.Expiry,
		ClientID:       client.ClientID,
		ClientSecret:   client.ClientSecret,
		AdditionalData: cred.AdditionalData,
		Status:         StatusValid,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if err := m.store.Save(ctx, next); err != nil {
		m.metrics.RecordTokenRefresh(provider, "failed")
		return "", fmt.Errorf("storing refreshed credential: %w", err)
	}

	m.metrics.RecordTokenRefresh(provider, "success")
	log.Info("OAuth credential refreshed",
		zap.String("provider", provider),
		zap.String("environment", string(env)),
		zap.Time("expires_at", next.ExpiresAt),
	)
	return next.AccessToken, nil
}

// ResolveClientCredentials returns the client id/secret for (provider, env).
// A stored credential's pair wins over process configuration.
func (m *Manager) ResolveClientCredentials(ctx context.Context, provider string, env shipping.Environment) (ClientCredentials, error) {
	p, ok := m.providers[provider]
	if !ok {
		return ClientCredentials{}, credentialError(provider, CodeUnknown, "provider is not configured")
	}
	cred, err := m.store.Active(ctx, provider, env)
	if err != nil && !errors.Is(err, shipping.ErrNotFound) {
		return ClientCredentials{}, fmt.Errorf("loading credential: %w", err)
	}
	return m.resolve(cred, p, env)
}

func (m *Manager) resolve(cred *Credential, p Provider, env shipping.Environment) (ClientCredentials, error) {
	if cred != nil && cred.ClientID != "" && cred.ClientSecret != "" {
		return ClientCredentials{ClientID: cred.ClientID, ClientSecret: cred.ClientSecret}, nil
	}
	if c, ok := p.Clients[env]; ok && c.ClientID != "" && c.ClientSecret != "" {
		return c, nil
	}
	return ClientCredentials{}, credentialError(p.Name, CodeMissingSecret,
		fmt.Sprintf("no client id/secret available for %s", env))
}

// MarkInvalid flags the active credential so later calls fail fast until an
// administrator re-authorizes.
func (m *Manager) MarkInvalid(ctx context.Context, provider string, env shipping.Environment) error {
	if err := m.store.SetStatus(ctx, provider, env, StatusInvalid); err != nil && !errors.Is(err, shipping.ErrNotFound) {
		return fmt.Errorf("marking credential invalid: %w", err)
	}
	m.logger.Ctx(ctx).Warn("OAuth credential marked invalid",
		zap.String("provider", provider),
		zap.String("environment", string(env)),
	)
	return nil
}

func (m *Manager) markInvalid(ctx context.Context, provider string, env shipping.Environment) {
	if err := m.MarkInvalid(ctx, provider, env); err != nil {
		m.logger.Ctx(ctx).Error("Failed to mark credential invalid", zap.Error(err))
	}
}

// State reports the lifecycle state of (provider, env).
func (m *Manager) State(ctx context.Context, provider string, env shipping.Environment) State {
	m.mu.Lock()
	refreshing := m.refreshing[credentialKey(provider, env)]
	m.mu.Unlock()
	if refreshing {
		return StateRefreshing
	}

	cred, err := m.store.Active(ctx, provider, env)
	switch {
	case err != nil:
		return StateAbsent
	case cred.Status == StatusInvalid:
		return StateInvalid
	default:
		return StateValid
	}
}

// OriginPostalCode returns the sender postal code stored with the credential,
// falling back to the provider configuration.
func (m *Manager) OriginPostalCode(ctx context.Context, provider string, env shipping.Environment) string {
	cred, err := m.store.Active(ctx, provider, env)
	if err == nil && cred.AdditionalData[KeyOriginPostalCode] != "" {
		return cred.AdditionalData[KeyOriginPostalCode]
	}
	return m.providers[provider].OriginPostalCode
}

func (m *Manager) setRefreshing(key string, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v {
		m.refreshing[key] = true
	} else {
		delete(m.refreshing, key)
	}
}

// TokenSource binds a Manager to one provider for carrier clients.
type TokenSource struct {
	manager  *Manager
	provider string
}

// TokenSource returns a token source for provider.
func (m *Manager) TokenSource(provider string) *TokenSource {
	return &TokenSource{manager: m, provider: provider}
}

// Token returns a valid access token for env.
func (s *TokenSource) Token(ctx context.Context, env shipping.Environment) (string, error) {
	return s.manager.GetValidToken(ctx, s.provider, env)
}
