package quote

import (
	"context"
	"errors"
	"time"

	"github.com/tournevent/shipquote/internal/events"
	"github.com/tournevent/shipquote/pkg/shipping"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SyncModalities fetches the carrier's services for env and upserts them.
// Services seen before keep their active flag; new services start active.
// An empty env uses the configured active environment.
func (s *Service) SyncModalities(ctx context.Context, env shipping.Environment) (mods []shipping.ShippingModality, err error) {
	ctx, span := s.tracer.Start(ctx, "quote.SyncModalities")
	defer s.observe("sync_modalities", span, time.Now(), &err)

	p, err := s.loadParams(ctx, env)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("environment", string(p.env)))

	services, err := s.carrier.ListServices(ctx, p.env)
	if err != nil {
		s.carrierFailed(ctx, err, p.env)
		return nil, err
	}

	now := s.now().UTC()
	synced := make([]shipping.ShippingModality, 0, len(services))
	for _, svc := range services {
		svc.Environment = p.env
		svc.UpdatedAt = now
		svc.Active = true
		synced = append(synced, svc)
	}
	if err := s.modalities.UpsertModalities(ctx, synced); err != nil {
		return nil, err
	}

	stored, err := s.modalities.ListModalities(ctx, p.env)
	if err != nil {
		return nil, err
	}
	active := make(map[int]bool, len(stored))
	for _, m := range stored {
		active[m.ServiceID] = m.Active
	}
	mods = synced
	for i := range mods {
		if a, ok := active[mods[i].ServiceID]; ok {
			mods[i].Active = a
		}
	}

	s.logger.Ctx(ctx).Info("Modalities synchronized",
		zap.String("environment", string(p.env)),
		zap.Int("services", len(mods)),
	)
	s.publish(ctx, events.TypeModalitiesSynced, string(p.env), mods)
	return mods, nil
}

// SetModalityActive toggles a modality. Inactive modalities are removed from
// subsequent quotes.
func (s *Service) SetModalityActive(ctx context.Context, env shipping.Environment, serviceID int, active bool) error {
	if !env.Valid() {
		return shipping.NewError(shipping.KindValidation, "INVALID_ENVIRONMENT", "a valid environment is required")
	}
	err := s.modalities.SetModalityActive(ctx, env, serviceID, active)
	if err != nil && !errors.Is(err, shipping.ErrNotFound) {
		s.logger.Ctx(ctx).Error("Failed to toggle modality",
			zap.Int("service_id", serviceID),
			zap.Error(err),
		)
	}
	return err
}
