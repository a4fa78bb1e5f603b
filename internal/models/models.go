package models

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Order statuses this service cares about. The order lifecycle itself is
// owned by the storefront; we only react to confirmations.
const OrderStatusConfirmed = "Confirmed"

// DispatchStatus is the fulfillment state of a dispatch.
type DispatchStatus string

const (
	DispatchStatusCreated   DispatchStatus = "Created"
	DispatchStatusAssigned  DispatchStatus = "Assigned"
	DispatchStatusInTransit DispatchStatus = "InTransit"
	DispatchStatusDelivered DispatchStatus = "Delivered"
	DispatchStatusCancelled DispatchStatus = "Cancelled"
)

// SystemActor is the changed_by sentinel for transitions applied by the
// service itself rather than a human operator.
const SystemActor uint = 0

// Order is the storefront order. This service reads its id and status and
// never writes it.
type Order struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	OrderNumber string    `gorm:"not null;uniqueIndex" json:"order_number"`
	Status      string    `gorm:"not null;index" json:"status"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// User is the shared directory: drivers referenced by dispatches and the
// subjects of audit events.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Email     string    `gorm:"not null;uniqueIndex" json:"email"`
	Type      string    `gorm:"not null;default:'Customer'" json:"type"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Dispatch is the fulfillment record for one order. At most one dispatch per
// order may be live (status other than Cancelled) at any time; the partial
// unique index created in SetupModels enforces that in the store.
type Dispatch struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	OrderID     uint           `gorm:"not null;index" json:"order_id"`
	DriverID    *uint          `gorm:"index" json:"driver_id"`
	Status      DispatchStatus `gorm:"type:varchar(32);not null;default:'Created'" json:"status"`
	PlannedDate *time.Time     `json:"planned_date"`
	Notes       string         `json:"notes"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`

	Order   Order                   `gorm:"foreignKey:OrderID" json:"-"`
	Driver  *User                   `gorm:"foreignKey:DriverID" json:"-"`
	History []DispatchStatusHistory `gorm:"foreignKey:DispatchID" json:"-"`
}

// DispatchStatusHistory is one row of the append-only audit trail. Rows are
// inserted in the same transaction as the transition they record and never
// updated or deleted. OldStatus is nil only on the genesis row.
type DispatchStatusHistory struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	DispatchID uint            `gorm:"not null;index" json:"dispatch_id"`
	OldStatus  *DispatchStatus `gorm:"type:varchar(32)" json:"old_status"`
	NewStatus  DispatchStatus  `gorm:"type:varchar(32);not null" json:"new_status"`
	ChangedBy  uint            `gorm:"not null;default:0" json:"changed_by"`
	Note       string          `json:"note"`
	ChangedAt  time.Time       `gorm:"autoCreateTime" json:"changed_at"`
}

// AuditEvent is a row of the users_audit table the alert watcher polls. The
// monotonically increasing id is the watcher's cursor key.
type AuditEvent struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	SubjectID uint      `gorm:"not null;index" json:"subject_id"`
	Action    string    `gorm:"not null" json:"action"`
	ChangedAt time.Time `gorm:"autoCreateTime" json:"changed_at"`
}

// TableName keeps the storefront's historical table name.
func (AuditEvent) TableName() string { return "users_audit" }

// WatcherCheckpoint persists a watcher's cursor so a restart does not
// re-scan from zero.
type WatcherCheckpoint struct {
	Name       string    `gorm:"primaryKey" json:"name"`
	LastSeenID int64     `gorm:"not null" json:"last_seen_id"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderMeta is the derived admin overlay for one order: the latest dispatch
// joined to the driver directory. It is computed per query and not stored.
type OrderMeta struct {
	OrderID    uint           `gorm:"column:order_id" json:"id"`
	Status     DispatchStatus `gorm:"column:status" json:"status"`
	DriverID   *uint          `gorm:"column:driver_id" json:"driverId"`
	DriverName *string        `gorm:"column:driver_name" json:"driverName"`
	Notes      string         `gorm:"column:notes" json:"notes"`
	UpdatedAt  time.Time      `gorm:"column:updated_at" json:"updatedAt"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Order{},
		&User{},
		&Dispatch{},
		&DispatchStatusHistory{},
		&AuditEvent{},
		&WatcherCheckpoint{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	// One live dispatch per order. AutoMigrate cannot express a partial
	// index, so it is created directly.
	err = db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_dispatches_one_live_per_order
		 ON dispatches (order_id) WHERE status <> 'Cancelled'`,
	).Error
	if err != nil {
		return errors.Wrap(err, "failed to create live-dispatch unique index")
	}

	return nil
}
