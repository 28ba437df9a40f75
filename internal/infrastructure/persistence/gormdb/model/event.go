package model

import (
	"time"

	"gorm.io/datatypes"
)

// Event is one persisted analytics occurrence. The property documents are
// opaque JSON maps; the host controls custom attributes per event type.
type Event struct {
	EventID         uint64            `gorm:"column:event_id;primaryKey;autoIncrement"`
	EventType       string            `gorm:"column:event_type;type:text;not null;index"`
	CreatedAt       time.Time         `gorm:"column:created_at;not null;index"`
	UserID          *uint64           `gorm:"column:user_id;index"`
	User            *User             `gorm:"foreignKey:UserID;references:UserID;constraint:OnDelete:SET NULL"`
	SessionData     datatypes.JSONMap `gorm:"column:session_data"`
	UserProperties  datatypes.JSONMap `gorm:"column:user_properties"`
	EventProperties datatypes.JSONMap `gorm:"column:event_properties"`

	Deliveries []EventDelivery `gorm:"foreignKey:EventID;references:EventID"`
}

func (Event) TableName() string {
	return "events"
}

// EventDelivery is one backend's delivery state for one event row. One row
// per (event, backend); adding a backend is a data change, not a schema
// change.
type EventDelivery struct {
	DeliveryID uint64     `gorm:"column:delivery_id;primaryKey;autoIncrement"`
	EventID    uint64     `gorm:"column:event_id;not null;uniqueIndex:ux_event_backend"`
	Backend    string     `gorm:"column:backend;type:text;not null;uniqueIndex:ux_event_backend;index:ix_backend_pending"`
	Requested  bool       `gorm:"column:requested;not null"`
	ResolvedAt *time.Time `gorm:"column:resolved_at;index:ix_backend_pending"`
	Status     *string    `gorm:"column:status;type:text"`
}

func (EventDelivery) TableName() string {
	return "event_deliveries"
}
