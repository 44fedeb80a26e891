package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AutomationRule is a persisted automation policy.
// Conditions and Actions are flexible JSON; shapes are validated by the
// engine when rules are written and again when they are loaded.
type AutomationRule struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Name            string         `gorm:"not null" json:"name"`
	EntityType      string         `gorm:"not null;index:idx_automation_rules_match,priority:1" json:"entity_type"`
	Trigger         string         `gorm:"not null;index:idx_automation_rules_match,priority:2" json:"trigger"`
	Conditions      datatypes.JSON `gorm:"type:jsonb" json:"conditions,omitempty"`
	Actions         datatypes.JSON `gorm:"type:jsonb;not null" json:"actions"`
	Priority        int            `gorm:"not null;default:0" json:"priority"`
	ThrottleMinutes int            `gorm:"not null;default:0" json:"throttle_minutes"`
	Enabled         bool           `gorm:"not null;default:false" json:"enabled"`
	CreatedBy       string         `json:"created_by,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ThrottleRecord remembers the last successful run of a rule against one
// entity. Keyed by (rule, entity type, entity id); upserted on success.
type ThrottleRecord struct {
	RuleID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"rule_id"`
	EntityType string    `gorm:"primaryKey" json:"entity_type"`
	EntityID   string    `gorm:"primaryKey" json:"entity_id"`
	LastRanAt  time.Time `gorm:"not null;index:idx_throttle_records_last_ran_at" json:"last_ran_at"`
}

// AssignmentPoolMember is one candidate assignee in a named pool.
// Selection order is weight descending, then user_id ascending.
type AssignmentPoolMember struct {
	PoolName string `gorm:"primaryKey" json:"pool_name"`
	UserID   string `gorm:"primaryKey" json:"user_id"`
	Weight   int    `gorm:"not null;default:1" json:"weight"`
	Active   bool   `gorm:"not null;default:true" json:"active"`
}

// AssignmentCursor is the round-robin position of a pool. One logical
// cursor per pool, advanced with a conditional update.
type AssignmentCursor struct {
	PoolName   string    `gorm:"primaryKey" json:"pool_name"`
	LastUserID string    `gorm:"not null" json:"last_user_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RunLogEntry is the append-only audit record of one rule evaluation.
// Never updated or deleted by the engine.
type RunLogEntry struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RuleID          uuid.UUID      `gorm:"type:uuid;index:idx_run_log_rule_id" json:"rule_id"`
	EntityType      string         `gorm:"not null;index:idx_run_log_entity,priority:1" json:"entity_type"`
	EntityID        string         `gorm:"not null;index:idx_run_log_entity,priority:2" json:"entity_id"`
	Trigger         string         `gorm:"not null" json:"trigger"`
	Status          string         `gorm:"not null" json:"status"` // success|skipped|failed
	Reason          string         `json:"reason,omitempty"`
	ActorID         string         `json:"actor_id,omitempty"`
	ActionsExecuted datatypes.JSON `gorm:"type:jsonb" json:"actions_executed,omitempty"`
	Snapshot        datatypes.JSON `gorm:"type:jsonb" json:"snapshot,omitempty"`
	TriggerContext  datatypes.JSON `gorm:"type:jsonb" json:"trigger_context,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;index:idx_run_log_created_at" json:"created_at"`
}

// Notification is a delivery-agnostic notification record. Transport is
// owned by the notification service, not this engine.
type Notification struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID     string    `gorm:"not null;index:idx_notifications_user_id" json:"user_id"`
	Title      string    `gorm:"not null" json:"title"`
	Body       string    `json:"body,omitempty"`
	EntityType string    `json:"entity_type,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Task rows created by the create_task action live in the same tasks
// table the application uses, so they show up in the normal task views.
type Task struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Title       string     `gorm:"not null" json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `gorm:"not null;default:open" json:"status"`
	OwnerID     string     `json:"owner_id,omitempty"`
	RelatedType string     `json:"related_type,omitempty"`
	RelatedID   string     `json:"related_id,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// User mirrors the columns of the application's users table that the
// notify_admin action needs. The table is owned by the application.
type User struct {
	ID     string `gorm:"primaryKey" json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `gorm:"index:idx_users_role" json:"role"`
	Active bool   `gorm:"not null;default:true" json:"active"`
}
