package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	// "record not found" is expected on throttle and cursor lookups;
	// suppress it to keep the logs to real problems.
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

func ensureSchema(db *gorm.DB) error {
	m := db.Migrator()

	// Create missing tables only. We intentionally avoid AutoMigrate:
	// the schema is stable and managed by explicit model definitions.
	models := []any{
		&AutomationRule{},
		&ThrottleRecord{},
		&AssignmentPoolMember{},
		&AssignmentCursor{},
		&RunLogEntry{},
		&Notification{},
		&Task{},
		&User{},
	}
	for _, model := range models {
		if m.HasTable(model) {
			continue
		}
		if err := m.CreateTable(model); err != nil {
			return fmt.Errorf("create table %T: %w", model, err)
		}
	}

	// Ensure indexes exist (names come from struct tags in models.go).
	indexes := []struct {
		model any
		field string
	}{
		{&AutomationRule{}, "EntityType"},
		{&ThrottleRecord{}, "LastRanAt"},
		{&RunLogEntry{}, "RuleID"},
		{&RunLogEntry{}, "EntityType"},
		{&RunLogEntry{}, "CreatedAt"},
		{&Notification{}, "UserID"},
		{&User{}, "Role"},
	}
	for _, ix := range indexes {
		if m.HasIndex(ix.model, ix.field) {
			continue
		}
		if err := m.CreateIndex(ix.model, ix.field); err != nil {
			return fmt.Errorf("create index %T.%s: %w", ix.model, ix.field, err)
		}
	}

	return nil
}

// --- Entity store ---

// TableForEntityType maps an entity type tag to its table name. Every
// supported type pluralizes with a trailing "s" except "company", whose
// plural is irregular.
func TableForEntityType(entityType string) (string, error) {
	switch entityType {
	case "lead", "deal", "project", "task":
		return entityType + "s", nil
	case "company":
		return "companies", nil
	default:
		return "", fmt.Errorf("unknown entity type: %s", entityType)
	}
}

// GetEntity returns the flat column snapshot of one entity, or nil when
// the entity does not exist.
func (r *Repo) GetEntity(ctx context.Context, entityType, entityID string) (map[string]any, error) {
	table, err := TableForEntityType(entityType)
	if err != nil {
		return nil, err
	}
	row := map[string]any{}
	err = r.db.WithContext(ctx).Table(table).Where("id = ?", entityID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return row, nil
}

// UpdateEntityFields applies a field-level partial update to one entity.
func (r *Repo) UpdateEntityFields(ctx context.Context, entityType, entityID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	table, err := TableForEntityType(entityType)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Table(table).Where("id = ?", entityID).Updates(fields).Error
}

// ListOverdueEntityIDs returns ids of entities whose next_action_date
// has passed. Entity tables without that column yield an error the
// caller is expected to skip.
func (r *Repo) ListOverdueEntityIDs(ctx context.Context, entityType string, now time.Time, limit int) ([]string, error) {
	table, err := TableForEntityType(entityType)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	var ids []string
	err = r.db.WithContext(ctx).Table(table).
		Where("next_action_date IS NOT NULL AND next_action_date < ?", now).
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// --- Rules ---

func (r *Repo) ListEnabledRules(ctx context.Context, entityType, trigger string) ([]AutomationRule, error) {
	var rows []AutomationRule
	err := r.db.WithContext(ctx).
		Where(`entity_type = ? AND "trigger" = ? AND enabled = ?`, entityType, trigger, true).
		Order("priority asc").
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) ListRules(ctx context.Context) ([]AutomationRule, error) {
	var rows []AutomationRule
	if err := r.db.WithContext(ctx).Order(`entity_type asc, "trigger" asc, priority asc`).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) GetRule(ctx context.Context, id uuid.UUID) (*AutomationRule, error) {
	var rule AutomationRule
	if err := r.db.WithContext(ctx).First(&rule, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *Repo) CreateRule(ctx context.Context, rule *AutomationRule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(rule).Error
}

func (r *Repo) UpdateRule(ctx context.Context, rule *AutomationRule) error {
	return r.db.WithContext(ctx).Save(rule).Error
}

func (r *Repo) DeleteRule(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&AutomationRule{}, "id = ?", id).Error
}

func (r *Repo) SetRuleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	return r.db.WithContext(ctx).Model(&AutomationRule{}).Where("id = ?", id).Update("enabled", enabled).Error
}

// --- Throttle ---

func (r *Repo) GetThrottle(ctx context.Context, ruleID uuid.UUID, entityType, entityID string) (*ThrottleRecord, error) {
	var rec ThrottleRecord
	err := r.db.WithContext(ctx).
		First(&rec, "rule_id = ? AND entity_type = ? AND entity_id = ?", ruleID, entityType, entityID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *Repo) UpsertThrottle(ctx context.Context, rec *ThrottleRecord) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
}

func (r *Repo) PruneThrottleBefore(ctx context.Context, cutoff time.Time) error {
	return r.db.WithContext(ctx).Where("last_ran_at < ?", cutoff).Delete(&ThrottleRecord{}).Error
}

// --- Assignment pools ---

// ListActivePoolMembers returns the pool in selection order: weight
// descending, user_id ascending as the stable tie break.
func (r *Repo) ListActivePoolMembers(ctx context.Context, poolName string) ([]AssignmentPoolMember, error) {
	var rows []AssignmentPoolMember
	err := r.db.WithContext(ctx).
		Where("pool_name = ? AND active = ?", poolName, true).
		Order("weight desc").
		Order("user_id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) ListPoolMembers(ctx context.Context, poolName string) ([]AssignmentPoolMember, error) {
	var rows []AssignmentPoolMember
	err := r.db.WithContext(ctx).
		Where("pool_name = ?", poolName).
		Order("weight desc").
		Order("user_id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) ListPoolNames(ctx context.Context) ([]string, error) {
	var names []string
	err := r.db.WithContext(ctx).Model(&AssignmentPoolMember{}).
		Distinct("pool_name").
		Order("pool_name asc").
		Pluck("pool_name", &names).Error
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (r *Repo) UpsertPoolMember(ctx context.Context, member *AssignmentPoolMember) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(member).Error
}

func (r *Repo) RemovePoolMember(ctx context.Context, poolName, userID string) error {
	return r.db.WithContext(ctx).Delete(&AssignmentPoolMember{}, "pool_name = ? AND user_id = ?", poolName, userID).Error
}

func (r *Repo) GetPoolCursor(ctx context.Context, poolName string) (*AssignmentCursor, error) {
	var cur AssignmentCursor
	err := r.db.WithContext(ctx).First(&cur, "pool_name = ?", poolName).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cur, nil
}

// AdvancePoolCursor moves the pool cursor from prev to next with a
// conditional write, so two concurrent allocations cannot both win.
// prev == "" means "no cursor yet"; the insert loses on conflict.
func (r *Repo) AdvancePoolCursor(ctx context.Context, poolName, prev, next string) (bool, error) {
	now := time.Now().UTC()
	if prev == "" {
		res := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&AssignmentCursor{PoolName: poolName, LastUserID: next, UpdatedAt: now})
		if res.Error != nil {
			return false, res.Error
		}
		return res.RowsAffected == 1, nil
	}
	res := r.db.WithContext(ctx).Model(&AssignmentCursor{}).
		Where("pool_name = ? AND last_user_id = ?", poolName, prev).
		Updates(map[string]any{"last_user_id": next, "updated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// --- Run log ---

func (r *Repo) AppendRunLog(ctx context.Context, entry *RunLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *Repo) ListRunLog(ctx context.Context, entityType, entityID string, limit int) ([]RunLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if entityType != "" {
		q = q.Where("entity_type = ?", entityType)
	}
	if entityID != "" {
		q = q.Where("entity_id = ?", entityID)
	}
	var rows []RunLogEntry
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// --- Notifications / tasks / users ---

func (r *Repo) CreateNotification(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(n).Error
}

func (r *Repo) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = "open"
	}
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repo) ListActiveAdmins(ctx context.Context) ([]User, error) {
	var rows []User
	err := r.db.WithContext(ctx).
		Where("role = ? AND active = ?", "admin", true).
		Order("id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
