package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"automation-engine/internal/engine"
	"automation-engine/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func payload(name, entityType, trigger, conditions, actions string) rulePayload {
	p := rulePayload{Name: name, EntityType: entityType, Trigger: trigger}
	if conditions != "" {
		p.Conditions = json.RawMessage(conditions)
	}
	if actions != "" {
		p.Actions = json.RawMessage(actions)
	}
	return p
}

func TestValidateRulePayload(t *testing.T) {
	valid := payload("welcome", "lead", "created",
		`{"all":[{"field":"status","op":"eq","value":"new"}]}`,
		`[{"type":"set_status","value":"contacted"}]`)

	cases := []struct {
		name    string
		p       rulePayload
		wantErr bool
	}{
		{"valid", valid, false},
		{"no conditions is valid", payload("r", "lead", "created", "", `[{"type":"set_status","value":"x"}]`), false},
		{"missing name", payload("", "lead", "created", "", `[{"type":"set_status","value":"x"}]`), true},
		{"unknown entity type", payload("r", "invoice", "created", "", `[{"type":"set_status","value":"x"}]`), true},
		{"unknown trigger", payload("r", "lead", "deleted", "", `[{"type":"set_status","value":"x"}]`), true},
		{"missing actions", payload("r", "lead", "created", "", ""), true},
		{"empty action list", payload("r", "lead", "created", "", `[]`), true},
		{"malformed actions", payload("r", "lead", "created", "", `{"type":"set_status"}`), true},
		{"unknown action type", payload("r", "lead", "created", "", `[{"type":"launch_rocket"}]`), true},
		{"malformed conditions", payload("r", "lead", "created", `[1,2,3]`, `[{"type":"set_status","value":"x"}]`), true},
		{"unknown condition op", payload("r", "lead", "created",
			`{"all":[{"field":"status","op":"regex","value":".*"}]}`,
			`[{"type":"set_status","value":"x"}]`), true},
		{"create_task needs title", payload("r", "lead", "created", "",
			`[{"type":"create_task","value":{"due_in_days":3}}]`), true},
		{"create_task with title", payload("r", "lead", "created", "",
			`[{"type":"create_task","value":{"title":"Follow up","due_in_days":3}}]`), false},
		{"round robin pool required", payload("r", "lead", "created", "",
			`[{"type":"assign_owner","value":"round_robin:"}]`), true},
		{"round robin pool ok", payload("r", "lead", "created", "",
			`[{"type":"assign_owner","value":"round_robin:sales_pool"}]`), false},
	}
	for _, c := range cases {
		err := validateRulePayload(c.p)
		if c.wantErr && err == nil {
			t.Fatalf("%s: expected error", c.name)
		}
		if !c.wantErr && err != nil {
			t.Fatalf("%s: unexpected err: %v", c.name, err)
		}
	}
}

func TestValidateRulePayload_NegativeThrottle(t *testing.T) {
	p := payload("r", "lead", "created", "", `[{"type":"set_status","value":"x"}]`)
	neg := -5
	p.ThrottleMinutes = &neg
	if err := validateRulePayload(p); err == nil {
		t.Fatalf("expected error for negative throttle")
	}
}

func TestParsePositiveInt(t *testing.T) {
	if n, err := parsePositiveInt("42"); err != nil || n != 42 {
		t.Fatalf("expected 42, got %d err %v", n, err)
	}
	if n, err := parsePositiveInt(" 7 "); err != nil || n != 7 {
		t.Fatalf("expected trimmed 7, got %d err %v", n, err)
	}
	for _, bad := range []string{"", "0", "-3", "12a", "9999999999"} {
		if _, err := parsePositiveInt(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func newTestServer(t *testing.T) (http.Handler, *store.Repo, string) {
	t.Helper()
	dsn := "file:httpapi_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	claims := jwt.MapClaims{
		"role": "manager",
		"sub":  "mgr-1",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	srv := New(repo, engine.New(repo, engine.Options{}), &key.PublicKey)
	return srv.Handler(), repo, token
}

func TestHandleUpdateRule_RejectsNegativeThrottle(t *testing.T) {
	handler, repo, token := newTestServer(t)
	rule := &store.AutomationRule{
		ID:         uuid.New(),
		Name:       "welcome",
		EntityType: "lead",
		Trigger:    "created",
		Actions:    datatypes.JSON(`[{"type":"set_status","value":"contacted"}]`),
		Enabled:    true,
	}
	if err := repo.CreateRule(context.Background(), rule); err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	put := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/api/automation/rules/"+rule.ID.String(), strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := put(`{"throttle_minutes":-5}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative throttle, got %d: %s", rec.Code, rec.Body.String())
	}
	stored, err := repo.GetRule(context.Background(), rule.ID)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if stored.ThrottleMinutes != 0 {
		t.Fatalf("expected stored throttle unchanged, got %d", stored.ThrottleMinutes)
	}

	if rec := put(`{"throttle_minutes":15}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid throttle, got %d: %s", rec.Code, rec.Body.String())
	}
	stored, err = repo.GetRule(context.Background(), rule.ID)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if stored.ThrottleMinutes != 15 {
		t.Fatalf("expected throttle updated to 15, got %d", stored.ThrottleMinutes)
	}
}
