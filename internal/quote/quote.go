// Package quote orchestrates validation, caching, carrier calls, rule
// application and snapshot persistence for shipping quotes.
package quote

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tournevent/shipquote/internal/events"
	"github.com/tournevent/shipquote/internal/rules"
	"github.com/tournevent/shipquote/pkg/shipping"
)

// Input is a quote request together with the order context rules need.
type Input struct {
	DestinationPostalCode string                 `json:"destination_postal_code"`
	DestinationState      string                 `json:"destination_state,omitempty"`
	OrderValue            decimal.Decimal        `json:"order_value"`
	Packages              []shipping.PackageSpec `json:"packages"`
	// Environment overrides the configured active environment when set.
	Environment shipping.Environment `json:"environment,omitempty"`
}

// Result is the outcome of a quote.
type Result struct {
	Options               []shipping.ShippingOption `json:"options"`
	AppliedRules          []rules.AppliedRule       `json:"applied_rules"`
	FreeShippingApplied   bool                      `json:"free_shipping_applied"`
	Cached                bool                      `json:"cached"`
	NoServiceAvailable    bool                      `json:"no_service_available"`
	RulesDegraded         bool                      `json:"rules_degraded,omitempty"`
	Environment           shipping.Environment      `json:"environment"`
	DestinationState      string                    `json:"destination_state,omitempty"`
	DefaultProductionDays int                       `json:"default_production_days"`
}

// Snapshot is a persisted quote. Products never change after creation;
// requoting only rewrites the result fields.
type Snapshot struct {
	ID                    uuid.UUID                 `json:"id"`
	DestinationPostalCode string                    `json:"destination_postal_code"`
	DestinationState      string                    `json:"destination_state,omitempty"`
	OrderValue            decimal.Decimal           `json:"order_value"`
	Environment           shipping.Environment      `json:"environment"`
	Products              []shipping.PackageSpec    `json:"products"`
	Options               []shipping.ShippingOption `json:"options"`
	AppliedRules          []rules.AppliedRule       `json:"applied_rules"`
	FreeShippingApplied   bool                      `json:"free_shipping_applied"`
	CreatedAt             time.Time                 `json:"created_at"`
	UpdatedAt             time.Time                 `json:"updated_at"`
	RequotedAt            *time.Time                `json:"requoted_at,omitempty"`
}

// SettingsStore exposes administrator settings. ok is false when a value was
// never configured.
type SettingsStore interface {
	ActiveEnvironment(ctx context.Context, provider string) (env shipping.Environment, ok bool, err error)
	ProductionDaysDefault(ctx context.Context) (days int, ok bool, err error)
}

// ModalityStore persists carrier services per environment.
type ModalityStore interface {
	ListModalities(ctx context.Context, env shipping.Environment) ([]shipping.ShippingModality, error)
	// UpsertModalities inserts or renames services. Active is only applied to
	// services not stored yet.
	UpsertModalities(ctx context.Context, modalities []shipping.ShippingModality) error
	// SetModalityActive returns an error matching shipping.ErrNotFound for
	// unknown services.
	SetModalityActive(ctx context.Context, env shipping.Environment, serviceID int, active bool) error
}

// SnapshotStore persists quote snapshots.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, s *Snapshot) error
	// GetSnapshot returns an error matching shipping.ErrNotFound for unknown ids.
	GetSnapshot(ctx context.Context, id uuid.UUID) (*Snapshot, error)
	// UpdateSnapshotResult overwrites the mutable fields of an existing snapshot.
	UpdateSnapshotResult(ctx context.Context, s *Snapshot) error
}

// StateResolver maps a postal code to its state code.
type StateResolver interface {
	ResolveState(ctx context.Context, postalCode string) (string, error)
}

// Credentials is the part of the credential manager the orchestrator uses.
type Credentials interface {
	MarkInvalid(ctx context.Context, provider string, env shipping.Environment) error
	OriginPostalCode(ctx context.Context, provider string, env shipping.Environment) string
}

// RuleApplier applies shipping rules to carrier options.
type RuleApplier interface {
	Apply(ctx context.Context, options []shipping.ShippingOption, rc rules.Context, defaultProductionDays int) (*rules.Result, error)
}

// Publisher emits quote events.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// ErrSnapshotNotFound is returned for unknown snapshot ids.
var ErrSnapshotNotFound = shipping.NewError(shipping.KindNotFound, "SNAPSHOT_NOT_FOUND", "quote snapshot not found")
