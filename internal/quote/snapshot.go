package quote

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tournevent/shipquote/internal/events"
	"github.com/tournevent/shipquote/internal/rules"
	"github.com/tournevent/shipquote/pkg/shipping"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// PersistQuote quotes like GetQuote and stores the result as a snapshot.
func (s *Service) PersistQuote(ctx context.Context, in Input) (snap *Snapshot, err error) {
	ctx, span := s.tracer.Start(ctx, "quote.PersistQuote")
	defer s.observe("persist_quote", span, time.Now(), &err)

	p, err := s.loadParams(ctx, in.Environment)
	if err != nil {
		return nil, err
	}
	res, err := s.run(ctx, in, p, true)
	if err != nil {
		return nil, err
	}

	// run already validated the postal code.
	dest, _ := shipping.NormalizePostalCode(in.DestinationPostalCode)
	now := s.now().UTC()
	snap = &Snapshot{
		ID:                    uuid.New(),
		DestinationPostalCode: dest,
		DestinationState:      res.DestinationState,
		OrderValue:            in.OrderValue,
		Environment:           p.env,
		Products:              append([]shipping.PackageSpec(nil), in.Packages...),
		Options:               res.Options,
		AppliedRules:          res.AppliedRules,
		FreeShippingApplied:   res.FreeShippingApplied,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.snapshots.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("snapshot_id", snap.ID.String()))

	s.publish(ctx, events.TypeSnapshotPersisted, snap.ID.String(), snap)
	return snap, nil
}

// GetSnapshot loads a stored snapshot.
func (s *Service) GetSnapshot(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	return s.snapshots.GetSnapshot(ctx, id)
}

// Requote reruns the pipeline for a stored snapshot, bypassing the cache, and
// overwrites its options and audit trail. The stored products are reused
// verbatim and never modified.
func (s *Service) Requote(ctx context.Context, id uuid.UUID) (snap *Snapshot, err error) {
	ctx, span := s.tracer.Start(ctx, "quote.Requote",
		trace.WithAttributes(attribute.String("snapshot_id", id.String())))
	defer s.observe("requote", span, time.Now(), &err)

	snap, err = s.snapshots.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}

	p, err := s.loadParams(ctx, "")
	if err != nil {
		return nil, err
	}

	// run resolves a missing state.
	res, err := s.run(ctx, Input{
		DestinationPostalCode: snap.DestinationPostalCode,
		DestinationState:      snap.DestinationState,
		OrderValue:            snap.OrderValue,
		Packages:              append([]shipping.PackageSpec(nil), snap.Products...),
	}, p, false)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	snap.DestinationState = res.DestinationState
	snap.Environment = p.env
	snap.Options = res.Options
	snap.AppliedRules = res.AppliedRules
	if snap.AppliedRules == nil {
		snap.AppliedRules = []rules.AppliedRule{}
	}
	snap.FreeShippingApplied = res.FreeShippingApplied
	snap.UpdatedAt = now
	snap.RequotedAt = &now

	if err := s.snapshots.UpdateSnapshotResult(ctx, snap); err != nil {
		return nil, err
	}

	s.logger.Ctx(ctx).Info("Snapshot requoted",
		zap.String("snapshot_id", snap.ID.String()),
		zap.Int("options", len(snap.Options)),
	)
	s.publish(ctx, events.TypeSnapshotRequoted, snap.ID.String(), snap)
	return snap, nil
}

// publish is fire-and-forget; a failed event never fails the operation.
func (s *Service) publish(ctx context.Context, eventType, key string, payload interface{}) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, events.Event{
		Type:       eventType,
		Key:        key,
		OccurredAt: s.now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		s.logger.Ctx(ctx).Warn("Failed to publish event",
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}
