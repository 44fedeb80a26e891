package httpapi

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"automation-engine/internal/engine"
	"automation-engine/internal/middleware"
	"automation-engine/internal/store"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/datatypes"
)

type Server struct {
	repo   *store.Repo
	engine *engine.Engine
	pubKey *rsa.PublicKey
}

func New(repo *store.Repo, eng *engine.Engine, pubKey *rsa.PublicKey) *Server {
	return &Server{repo: repo, engine: eng, pubKey: pubKey}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	// NOTE: WebSocket routes are authenticated at the API gateway.
	// The gateway's WS reverse proxy does not forward Authorization/Cookies to upstream.
	// Therefore, the upstream WS handlers must NOT require JWT.
	r.Get("/api/automation/activity/ws", s.handleActivityWS)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Route("/api/automation", func(r chi.Router) {
		if s.pubKey == nil {
			r.Use(func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					writeError(w, http.StatusInternalServerError, "jwt public key not configured")
				})
			})
			return
		}
		r.Use(middleware.JWTAuthMiddlewareRS256(s.pubKey))
		r.Use(middleware.RoleAtLeastMiddleware("agent"))

		r.Post("/trigger", s.handleTrigger)

		r.Get("/rules", s.handleListRules)
		r.With(middleware.RoleAtLeastMiddleware("manager")).Post("/rules", s.handleCreateRule)
		r.Route("/rules/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.With(middleware.RoleAtLeastMiddleware("manager")).Put("/", s.handleUpdateRule)
			r.With(middleware.RoleAtLeastMiddleware("manager")).Post("/enable", s.handleEnableRule(true))
			r.With(middleware.RoleAtLeastMiddleware("manager")).Post("/disable", s.handleEnableRule(false))
			// delete restricted to admin
			r.With(middleware.RoleAtLeastMiddleware("admin")).Delete("/", s.handleDeleteRule)
		})

		r.Get("/pools", s.handleListPools)
		r.Get("/pools/{name}", s.handleGetPool)
		r.With(middleware.RoleAtLeastMiddleware("manager")).Put("/pools/{name}/members", s.handleUpsertPoolMember)
		r.With(middleware.RoleAtLeastMiddleware("manager")).Delete("/pools/{name}/members/{user_id}", s.handleRemovePoolMember)

		r.Get("/runs", s.handleListRuns)
	})

	return r
}

// --- Trigger ---

type triggerPayload struct {
	Trigger    string         `json:"trigger"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var p triggerPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !engine.ValidTrigger(strings.TrimSpace(p.Trigger)) {
		writeError(w, http.StatusBadRequest, "unsupported trigger")
		return
	}
	if !engine.ValidEntityType(strings.TrimSpace(p.EntityType)) {
		writeError(w, http.StatusBadRequest, "unsupported entity type")
		return
	}
	if strings.TrimSpace(p.EntityID) == "" {
		writeError(w, http.StatusBadRequest, "entity_id is required")
		return
	}
	actor := strings.TrimSpace(p.ActorID)
	if actor == "" {
		if claims := middleware.GetClaims(r); claims != nil {
			actor = claims.Sub
		}
	}
	res := s.engine.RunTrigger(r.Context(), p.Trigger, p.EntityType, p.EntityID, actor, p.Context)
	writeJSON(w, http.StatusOK, res)
}

// --- Rules ---

type rulePayload struct {
	Name            string          `json:"name"`
	EntityType      string          `json:"entity_type"`
	Trigger         string          `json:"trigger"`
	Conditions      json.RawMessage `json:"conditions,omitempty"`
	Actions         json.RawMessage `json:"actions"`
	Priority        *int            `json:"priority,omitempty"`
	ThrottleMinutes *int            `json:"throttle_minutes,omitempty"`
	Enabled         *bool           `json:"enabled,omitempty"`
}

func validateRulePayload(p rulePayload) error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	var conditions *engine.ConditionGroup
	if len(p.Conditions) > 0 {
		conditions = &engine.ConditionGroup{}
		if err := json.Unmarshal(p.Conditions, conditions); err != nil {
			return errors.New("conditions must be a valid condition group")
		}
	}
	var actions []engine.Action
	if len(p.Actions) == 0 {
		return errors.New("actions are required")
	}
	if err := json.Unmarshal(p.Actions, &actions); err != nil {
		return errors.New("actions must be a valid action list")
	}
	if p.ThrottleMinutes != nil && *p.ThrottleMinutes < 0 {
		return errors.New("throttle_minutes must be >= 0")
	}
	return engine.ValidateRule(p.EntityType, p.Trigger, conditions, actions)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rows})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	rule, err := s.repo.GetRule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var p rulePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validateRulePayload(p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	createdBy := ""
	if claims := middleware.GetClaims(r); claims != nil {
		createdBy = claims.Sub
	}
	rule := &store.AutomationRule{
		Name:       strings.TrimSpace(p.Name),
		EntityType: strings.TrimSpace(p.EntityType),
		Trigger:    strings.TrimSpace(p.Trigger),
		Actions:    datatypes.JSON(p.Actions),
		CreatedBy:  createdBy,
	}
	if len(p.Conditions) > 0 {
		rule.Conditions = datatypes.JSON(p.Conditions)
	}
	if p.Priority != nil {
		rule.Priority = *p.Priority
	}
	if p.ThrottleMinutes != nil {
		rule.ThrottleMinutes = *p.ThrottleMinutes
	}
	if p.Enabled != nil {
		rule.Enabled = *p.Enabled
	}
	if err := s.repo.CreateRule(r.Context(), rule); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	rule, err := s.repo.GetRule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	var p rulePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	// Apply the payload over the stored rule, then validate the result.
	if strings.TrimSpace(p.Name) != "" {
		rule.Name = strings.TrimSpace(p.Name)
	}
	if strings.TrimSpace(p.EntityType) != "" {
		rule.EntityType = strings.TrimSpace(p.EntityType)
	}
	if strings.TrimSpace(p.Trigger) != "" {
		rule.Trigger = strings.TrimSpace(p.Trigger)
	}
	if len(p.Conditions) > 0 {
		rule.Conditions = datatypes.JSON(p.Conditions)
	}
	if len(p.Actions) > 0 {
		rule.Actions = datatypes.JSON(p.Actions)
	}
	if p.Priority != nil {
		rule.Priority = *p.Priority
	}
	if p.ThrottleMinutes != nil {
		rule.ThrottleMinutes = *p.ThrottleMinutes
	}
	if p.Enabled != nil {
		rule.Enabled = *p.Enabled
	}
	if err := validateRulePayload(rulePayload{
		Name:            rule.Name,
		EntityType:      rule.EntityType,
		Trigger:         rule.Trigger,
		Conditions:      json.RawMessage(rule.Conditions),
		Actions:         json.RawMessage(rule.Actions),
		ThrottleMinutes: &rule.ThrottleMinutes,
	}); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.repo.UpdateRule(r.Context(), rule); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	if err := s.repo.DeleteRule(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleEnableRule(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid rule id")
			return
		}
		if err := s.repo.SetRuleEnabled(r.Context(), id, enabled); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update rule")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled})
	}
}

// --- Pools ---

type poolMemberPayload struct {
	UserID string `json:"user_id"`
	Weight *int   `json:"weight,omitempty"`
	Active *bool  `json:"active,omitempty"`
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	names, err := s.repo.ListPoolNames(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list pools")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": names})
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	members, err := s.repo.ListPoolMembers(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list pool members")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pool": name, "members": members})
}

func (s *Server) handleUpsertPoolMember(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "pool name is required")
		return
	}
	var p poolMemberPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(p.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	member := &store.AssignmentPoolMember{PoolName: name, UserID: strings.TrimSpace(p.UserID), Weight: 1, Active: true}
	if p.Weight != nil {
		member.Weight = *p.Weight
	}
	if p.Active != nil {
		member.Active = *p.Active
	}
	if err := s.repo.UpsertPoolMember(r.Context(), member); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to upsert pool member")
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (s *Server) handleRemovePoolMember(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	userID := chi.URLParam(r, "user_id")
	if err := s.repo.RemovePoolMember(r.Context(), name, userID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to remove pool member")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// --- Run log ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	entityType := strings.TrimSpace(r.URL.Query().Get("entity_type"))
	entityID := strings.TrimSpace(r.URL.Query().Get("entity_id"))
	limit := 50
	if ls := strings.TrimSpace(r.URL.Query().Get("limit")); ls != "" {
		if n, err := parsePositiveInt(ls); err == nil {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}
	rows, err := s.repo.ListRunLog(r.Context(), entityType, entityID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": rows})
}

// --- Activity feed ---

func (s *Server) handleActivityWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Subscribe to the activity feed (includes a small replay buffer).
	ch, cancel := s.engine.Hub().Subscribe()
	defer cancel()

	// Read pump just to detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Periodic ping to keep intermediaries alive.
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(2*time.Second)); err != nil {
				return
			}
		case evt := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				slog.Debug("ws write failed", "error", err)
				return
			}
		}
	}
}

// --- helpers ---

func parsePositiveInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty")
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.New("not a number")
		}
		n = n*10 + int(r-'0')
		if n > 1_000_000 {
			return 0, errors.New("too large")
		}
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
