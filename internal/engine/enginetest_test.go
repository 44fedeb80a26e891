package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"automation-engine/internal/store"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// openTestRepo opens a unique in-memory DB per test to avoid cross-test
// contamination, and creates the entity tables the engine reads and
// writes. leads carries the full column set; deals deliberately has no
// tags or stale columns to exercise the fallback paths.
func openTestRepo(t *testing.T) (*store.Repo, *gorm.DB) {
	t.Helper()
	dsn := "file:engine_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mustExec(t, db, `CREATE TABLE leads (
		id text PRIMARY KEY,
		status text,
		owner_id text,
		created_by text,
		industry text,
		value integer,
		tags text,
		notes text,
		is_stale boolean,
		stale_reason text,
		next_action_date datetime
	)`)
	mustExec(t, db, `CREATE TABLE deals (
		id text PRIMARY KEY,
		status text,
		owner_id text,
		created_by text,
		notes text,
		next_action_date datetime
	)`)
	return repo, db
}

func mustExec(t *testing.T, db *gorm.DB, sql string, args ...any) {
	t.Helper()
	if err := db.Exec(sql, args...).Error; err != nil {
		t.Fatalf("exec %s: %v", sql, err)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func entityRow(t *testing.T, db *gorm.DB, table, id string) map[string]any {
	t.Helper()
	row := map[string]any{}
	if err := db.Table(table).Where("id = ?", id).Take(&row).Error; err != nil {
		t.Fatalf("read %s/%s: %v", table, id, err)
	}
	return row
}

func seedPool(t *testing.T, repo *store.Repo, pool string, members ...store.AssignmentPoolMember) {
	t.Helper()
	for _, m := range members {
		m.PoolName = pool
		if err := repo.UpsertPoolMember(context.Background(), &m); err != nil {
			t.Fatalf("seed pool member %s: %v", m.UserID, err)
		}
	}
}

// fixedClock is a mutable test clock for throttle and preset tests.
type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func (c *fixedClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
