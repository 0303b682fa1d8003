package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tournevent/shipquote/internal/credentials"
	"github.com/tournevent/shipquote/pkg/shipping"
)

func credentialNotFound(provider string, env shipping.Environment) error {
	return shipping.NewError(shipping.KindNotFound, "CREDENTIAL_NOT_FOUND",
		fmt.Sprintf("no active credential for %s", env)).WithProvider(provider)
}

// Active returns the non-superseded credential for (provider, env).
func (s *Store) Active(ctx context.Context, provider string, env shipping.Environment) (*credentials.Credential, error) {
	var (
		c          credentials.Credential
		envStr     string
		status     string
		expiresAt  sql.NullTime
		additional []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider, environment, access_token, refresh_token, expires_at, client_id, client_secret,
			additional_data, status, created_at
		FROM oauth_credentials
		WHERE provider = $1 AND environment = $2 AND superseded_at IS NULL`,
		provider, string(env),
	).Scan(&c.ID, &c.Provider, &envStr, &c.AccessToken, &c.RefreshToken, &expiresAt, &c.ClientID, &c.ClientSecret,
		&additional, &status, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credentialNotFound(provider, env)
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}

	c.Environment = shipping.Environment(envStr)
	c.Status = credentials.Status(status)
	if expiresAt.Valid {
		c.ExpiresAt = expiresAt.Time
	}
	if len(additional) > 0 {
		if err := json.Unmarshal(additional, &c.AdditionalData); err != nil {
			return nil, fmt.Errorf("decoding credential data: %w", err)
		}
	}
	return &c, nil
}

// Save supersedes the active credential of the same key and inserts cred in
// its place.
func (s *Store) Save(ctx context.Context, cred *credentials.Credential) error {
	if cred.Status == "" {
		cred.Status = credentials.StatusValid
	}
	now := time.Now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	var additional interface{}
	if len(cred.AdditionalData) > 0 {
		v, err := jsonParam(cred.AdditionalData)
		if err != nil {
			return fmt.Errorf("encoding credential data: %w", err)
		}
		additional = v
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning credential save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE oauth_credentials SET superseded_at = $1
		WHERE provider = $2 AND environment = $3 AND superseded_at IS NULL`,
		now, cred.Provider, string(cred.Environment)); err != nil {
		return fmt.Errorf("superseding credential: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO oauth_credentials (provider, environment, access_token, refresh_token, expires_at,
			client_id, client_secret, additional_data, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		cred.Provider, string(cred.Environment), cred.AccessToken, cred.RefreshToken, nullTime(cred.ExpiresAt.UTC()),
		cred.ClientID, cred.ClientSecret, additional, string(cred.Status), cred.CreatedAt.UTC(),
	).Scan(&cred.ID)
	if err != nil {
		return fmt.Errorf("inserting credential: %w", err)
	}
	return tx.Commit()
}

// SetStatus updates the status of the active credential.
func (s *Store) SetStatus(ctx context.Context, provider string, env shipping.Environment, status credentials.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_credentials SET status = $1
		WHERE provider = $2 AND environment = $3 AND superseded_at IS NULL`,
		string(status), provider, string(env))
	if err != nil {
		return fmt.Errorf("updating credential status: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return credentialNotFound(provider, env)
	}
	return nil
}

var _ credentials.Store = (*Store)(nil)
