package services

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/storefront/services/dispatch/internal/metrics"
	"example.com/storefront/services/dispatch/internal/models"
	"example.com/storefront/services/dispatch/internal/repositories"
	"example.com/storefront/services/dispatch/internal/tracing"
)

// DefaultDispatchNote is used when the trigger supplies no note.
const DefaultDispatchNote = "auto from order Confirmed"

// DispatchStore is the persistence surface the coordinator needs.
type DispatchStore interface {
	FindLiveByOrder(ctx context.Context, orderID uint) (*models.Dispatch, error)
	CreateWithGenesisHistory(ctx context.Context, dispatch *models.Dispatch, genesis *models.DispatchStatusHistory) error
	UpdateStatusWithHistory(ctx context.Context, dispatchID uint, newStatus models.DispatchStatus, changedBy uint, note string) error
	ListHistory(ctx context.Context, dispatchID uint) ([]models.DispatchStatusHistory, error)
}

// OrderStore is the read surface for the fallback reconciliation job.
type OrderStore interface {
	ListConfirmedWithoutLiveDispatch(ctx context.Context, limit int) ([]models.Order, error)
}

// EnsureResult reports the outcome of an ensure call.
type EnsureResult struct {
	Created    bool `json:"created"`
	DispatchID uint `json:"dispatchId"`
}

// DispatchService coordinates order confirmations into dispatches and owns
// the status-transition write discipline.
type DispatchService struct {
	dispatchRepo DispatchStore
	orderRepo    OrderStore
	metrics      *metrics.Metrics
	tracer       tracing.Tracer
}

// NewDispatchService creates a new dispatch service
func NewDispatchService(db *gorm.DB, collector *metrics.Metrics, tracer tracing.Tracer) *DispatchService {
	return &DispatchService{
		dispatchRepo: repositories.NewDispatchRepository(db),
		orderRepo:    repositories.NewOrderRepository(db),
		metrics:      collector,
		tracer:       tracer,
	}
}

// EnsureDispatchForConfirmedOrder guarantees that a confirmed order has
// exactly one live dispatch. Re-invocation is a no-op returning the existing
// dispatch id; the first invocation creates the dispatch together with its
// genesis history row in one transaction. Safe under concurrent triggers:
// the loser of a create race detects the store's uniqueness violation,
// re-reads, and returns the winner's dispatch.
func (s *DispatchService) EnsureDispatchForConfirmedOrder(ctx context.Context, orderID uint, changedBy uint, note string) (*EnsureResult, error) {
	txn := s.tracer.StartTransaction("ensure-dispatch")
	defer s.tracer.EndTransaction(txn)

	start := time.Now()
	defer func() {
		s.metrics.RecordTimer("dispatch.ensure", time.Since(start))
	}()

	if note == "" {
		note = DefaultDispatchNote
	}

	existing, err := s.dispatchRepo.FindLiveByOrder(ctx, orderID)
	if err == nil {
		log.Debug().
			Uint("order_id", orderID).
			Uint("dispatch_id", existing.ID).
			Msg("Order already has a live dispatch")
		return &EnsureResult{Created: false, DispatchID: existing.ID}, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	dispatch := &models.Dispatch{
		OrderID: orderID,
		Status:  models.DispatchStatusCreated,
		Notes:   note,
	}
	genesis := &models.DispatchStatusHistory{
		OldStatus: nil,
		NewStatus: models.DispatchStatusCreated,
		ChangedBy: changedBy,
		Note:      note,
	}

	err = s.dispatchRepo.CreateWithGenesisHistory(ctx, dispatch, genesis)
	if err != nil {
		if errors.Is(err, repositories.ErrDuplicateKey) {
			// Lost a create race; the winner's dispatch is live now.
			winner, lookupErr := s.dispatchRepo.FindLiveByOrder(ctx, orderID)
			if lookupErr != nil {
				s.tracer.RecordError(txn, lookupErr)
				return nil, errors.Wrapf(lookupErr, "dispatch create race lost for order %d but winner not found", orderID)
			}
			log.Info().
				Uint("order_id", orderID).
				Uint("dispatch_id", winner.ID).
				Msg("Concurrent dispatch create detected, returning existing dispatch")
			return &EnsureResult{Created: false, DispatchID: winner.ID}, nil
		}
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	s.metrics.IncrementCounter("dispatch.created")
	log.Info().
		Uint("order_id", orderID).
		Uint("dispatch_id", dispatch.ID).
		Uint("changed_by", changedBy).
		Msg("Dispatch created for confirmed order")

	return &EnsureResult{Created: true, DispatchID: dispatch.ID}, nil
}

// UpdateDispatchStatus applies a collaborator's status change. The history
// row recording the transition is written in the same transaction as the
// update; a transition without its trail row cannot happen.
func (s *DispatchService) UpdateDispatchStatus(ctx context.Context, dispatchID uint, newStatus models.DispatchStatus, changedBy uint, note string) error {
	txn := s.tracer.StartTransaction("update-dispatch-status")
	defer s.tracer.EndTransaction(txn)

	err := s.dispatchRepo.UpdateStatusWithHistory(ctx, dispatchID, newStatus, changedBy, note)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}

	s.metrics.IncrementCounter("dispatch.status_updated")
	log.Info().
		Uint("dispatch_id", dispatchID).
		Str("status", string(newStatus)).
		Uint("changed_by", changedBy).
		Msg("Dispatch status updated")
	return nil
}

// ReconcileConfirmedOrders sweeps confirmed orders that have no live
// dispatch and feeds each through the coordinator. This is a fallback for
// triggers missed by the message path; a failure on one order does not stop
// the sweep.
func (s *DispatchService) ReconcileConfirmedOrders(ctx context.Context, limit int) error {
	txn := s.tracer.StartTransaction("reconcile-confirmed-orders")
	defer s.tracer.EndTransaction(txn)

	orders, err := s.orderRepo.ListConfirmedWithoutLiveDispatch(ctx, limit)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return errors.Wrap(err, "failed to list orders for reconciliation")
	}

	if len(orders) == 0 {
		return nil
	}

	log.Info().Msgf("Found %d confirmed orders without a live dispatch", len(orders))

	for _, order := range orders {
		result, err := s.EnsureDispatchForConfirmedOrder(ctx, order.ID, models.SystemActor, "")
		if err != nil {
			log.Error().
				Err(err).
				Uint("order_id", order.ID).
				Msg("Failed to ensure dispatch during reconciliation")
			s.tracer.RecordError(txn, err)
			continue
		}
		if result.Created {
			s.metrics.IncrementCounter("dispatch.reconciled")
		}
	}

	return nil
}

// VerifyTrail checks the audit-trail invariant for one dispatch: the genesis
// row has no old status and every row's old status matches its predecessor's
// new status. Intended for diagnostics.
func (s *DispatchService) VerifyTrail(ctx context.Context, dispatchID uint) error {
	history, err := s.dispatchRepo.ListHistory(ctx, dispatchID)
	if err != nil {
		return err
	}
	return VerifyTrail(history)
}

// VerifyTrail validates that a status history sequence is gap-free and
// append-only consistent.
func VerifyTrail(history []models.DispatchStatusHistory) error {
	if len(history) == 0 {
		return errors.New("empty status trail")
	}
	if history[0].OldStatus != nil {
		return errors.Errorf("genesis row %d has old status %q", history[0].ID, *history[0].OldStatus)
	}
	for i := 1; i < len(history); i++ {
		if history[i].OldStatus == nil {
			return errors.Errorf("row %d is missing its old status", history[i].ID)
		}
		if *history[i].OldStatus != history[i-1].NewStatus {
			return errors.Errorf("trail gap at row %d: old status %q does not match previous new status %q",
				history[i].ID, *history[i].OldStatus, history[i-1].NewStatus)
		}
	}
	return nil
}
