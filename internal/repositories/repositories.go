package repositories

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/storefront/services/dispatch/internal/models"
)

// Common repository errors
var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate key violation")
)

// DispatchRepository provides access to dispatch and status history data
type DispatchRepository struct {
	db *gorm.DB
}

// NewDispatchRepository creates a new dispatch repository
func NewDispatchRepository(db *gorm.DB) *DispatchRepository {
	return &DispatchRepository{db: db}
}

// FindLiveByOrder returns the most recent non-cancelled dispatch for an
// order, or ErrNotFound when the order has no live dispatch.
func (r *DispatchRepository) FindLiveByOrder(ctx context.Context, orderID uint) (*models.Dispatch, error) {
	var dispatch models.Dispatch
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND status <> ?", orderID, models.DispatchStatusCancelled).
		Order("id DESC").
		First(&dispatch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "failed to find live dispatch for order %d", orderID)
	}
	return &dispatch, nil
}

// GetByID gets a dispatch by ID
func (r *DispatchRepository) GetByID(ctx context.Context, id uint) (*models.Dispatch, error) {
	var dispatch models.Dispatch
	err := r.db.WithContext(ctx).First(&dispatch, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "failed to get dispatch %d", id)
	}
	return &dispatch, nil
}

// CreateWithGenesisHistory inserts a dispatch and its genesis history row in
// one transaction. Either both rows become visible or neither does. A
// concurrent create for the same order trips the live-dispatch unique index
// and surfaces as ErrDuplicateKey.
func (r *DispatchRepository) CreateWithGenesisHistory(ctx context.Context, dispatch *models.Dispatch, genesis *models.DispatchStatusHistory) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(dispatch).Error; err != nil {
			return err
		}
		genesis.DispatchID = dispatch.ID
		return tx.Create(genesis).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateKey
		}
		return errors.Wrapf(err, "failed to create dispatch for order %d", dispatch.OrderID)
	}
	return nil
}

// UpdateStatusWithHistory applies a status transition and appends the
// history row recording it in the same transaction. A same-status call is a
// no-op: nothing is written, so the trail stays gap-free and re-applied
// transitions stay idempotent.
func (r *DispatchRepository) UpdateStatusWithHistory(ctx context.Context, dispatchID uint, newStatus models.DispatchStatus, changedBy uint, note string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dispatch models.Dispatch
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&dispatch, dispatchID).Error
		if err != nil {
			return err
		}

		oldStatus := dispatch.Status
		if oldStatus == newStatus {
			return nil
		}

		if err := tx.Model(&dispatch).Update("status", newStatus).Error; err != nil {
			return err
		}

		history := models.DispatchStatusHistory{
			DispatchID: dispatchID,
			OldStatus:  &oldStatus,
			NewStatus:  newStatus,
			ChangedBy:  changedBy,
			Note:       note,
		}
		return tx.Create(&history).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return errors.Wrapf(err, "failed to update status of dispatch %d", dispatchID)
	}
	return nil
}

// ListHistory returns the full status trail of a dispatch in insertion order.
func (r *DispatchRepository) ListHistory(ctx context.Context, dispatchID uint) ([]models.DispatchStatusHistory, error) {
	var history []models.DispatchStatusHistory
	err := r.db.WithContext(ctx).
		Where("dispatch_id = ?", dispatchID).
		Order("id ASC").
		Find(&history).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list history for dispatch %d", dispatchID)
	}
	return history, nil
}

// GetOrderMeta returns the overlay row for each requested order that has a
// dispatch: the latest dispatch per order joined to the driver directory.
// Callers must not pass an empty id set.
func (r *DispatchRepository) GetOrderMeta(ctx context.Context, orderIDs []uint) ([]models.OrderMeta, error) {
	var meta []models.OrderMeta
	err := r.db.WithContext(ctx).Raw(
		`SELECT DISTINCT ON (d.order_id)
		        d.order_id, d.status, d.driver_id, u.name AS driver_name, d.notes, d.updated_at
		   FROM dispatches d
		   LEFT JOIN users u ON u.id = d.driver_id
		  WHERE d.order_id IN ?
		  ORDER BY d.order_id, d.id DESC`,
		orderIDs,
	).Scan(&meta).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to query order meta overlay")
	}
	return meta, nil
}

// OrderRepository provides read access to storefront orders
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// ListConfirmedWithoutLiveDispatch returns confirmed orders that have no
// live dispatch yet. Used by the fallback reconciliation job.
func (r *OrderRepository) ListConfirmedWithoutLiveDispatch(ctx context.Context, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where(`status = ? AND NOT EXISTS (
			SELECT 1 FROM dispatches d
			 WHERE d.order_id = orders.id AND d.status <> ?)`,
			models.OrderStatusConfirmed, models.DispatchStatusCancelled).
		Order("id ASC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list confirmed orders without dispatch")
	}
	return orders, nil
}

// UserRepository provides access to the user directory
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetByID gets a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).First(&user, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "failed to get user %d", id)
	}
	return &user, nil
}

// AuditEventRepository provides read access to the users_audit table
type AuditEventRepository struct {
	db *gorm.DB
}

// NewAuditEventRepository creates a new audit event repository
func NewAuditEventRepository(db *gorm.DB) *AuditEventRepository {
	return &AuditEventRepository{db: db}
}

// ListAfter returns up to limit audit events with id greater than afterID,
// in ascending id order.
func (r *AuditEventRepository) ListAfter(ctx context.Context, afterID int64, limit int) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list audit events after %d", afterID)
	}
	return events, nil
}

// CheckpointRepository persists watcher cursors
type CheckpointRepository struct {
	db *gorm.DB
}

// NewCheckpointRepository creates a new checkpoint repository
func NewCheckpointRepository(db *gorm.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Get returns the persisted cursor for a watcher, or ErrNotFound.
func (r *CheckpointRepository) Get(ctx context.Context, name string) (int64, error) {
	var checkpoint models.WatcherCheckpoint
	err := r.db.WithContext(ctx).First(&checkpoint, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotFound
		}
		return 0, errors.Wrapf(err, "failed to get checkpoint %q", name)
	}
	return checkpoint.LastSeenID, nil
}

// Save upserts the cursor for a watcher.
func (r *CheckpointRepository) Save(ctx context.Context, name string, lastSeenID int64) error {
	checkpoint := models.WatcherCheckpoint{Name: name, LastSeenID: lastSeenID}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_seen_id", "updated_at"}),
		}).
		Create(&checkpoint).Error
	if err != nil {
		return errors.Wrapf(err, "failed to save checkpoint %q", name)
	}
	return nil
}
