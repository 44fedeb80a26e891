package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"automation-engine/internal/store"

	"gorm.io/datatypes"
)

// Engine drives rule evaluation for committed entity changes. The
// application's write path calls RunTrigger synchronously after a
// change lands; the engine never blocks or rolls back that change, and
// it never returns an error past RunTrigger. All failure modes surface
// through the Result and the run log.
// entityLockStripes bounds the per-entity lock set. A collision only
// over-serializes two unrelated entities, never under-locks one.
const entityLockStripes = 256

type Engine struct {
	repo *store.Repo
	exec *Executor
	hub  *ActivityHub
	now  func() time.Time

	// Striped by (entity_type, entity_id); serializes concurrent
	// invocations for the same entity so throttle read-then-write is
	// race-free in-process.
	locks [entityLockStripes]sync.Mutex
}

type Options struct {
	Hub *ActivityHub
	Now func() time.Time
}

func New(repo *store.Repo, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewActivityHub()
	}
	alloc := &Allocator{Repo: repo}
	return &Engine{
		repo: repo,
		exec: &Executor{Repo: repo, Alloc: alloc, Now: now},
		hub:  hub,
		now:  now,
	}
}

func (e *Engine) Hub() *ActivityHub { return e.hub }

type RuleError struct {
	RuleID string `json:"rule_id,omitempty"`
	Error  string `json:"error"`
}

type Result struct {
	Triggered       int         `json:"triggered"`
	ActionsExecuted int         `json:"actions_executed"`
	Errors          []RuleError `json:"errors"`
}

// RunTrigger evaluates all enabled rules for (entityType, trigger)
// against the current snapshot of the entity, in ascending priority
// order. Rules are re-read on every invocation so edits take effect on
// the next event; within one invocation the rule set is fixed.
func (e *Engine) RunTrigger(ctx context.Context, trigger, entityType, entityID, actorID string, trigCtx map[string]any) Result {
	res := Result{Errors: []RuleError{}}

	rules, err := e.repo.ListEnabledRules(ctx, entityType, trigger)
	if err != nil {
		res.Errors = append(res.Errors, RuleError{Error: fmt.Sprintf("load rules: %v", err)})
		return res
	}
	if len(rules) == 0 {
		return res
	}

	snapshot, err := e.repo.GetEntity(ctx, entityType, entityID)
	if err != nil {
		res.Errors = append(res.Errors, RuleError{Error: fmt.Sprintf("load entity: %v", err)})
		return res
	}
	if snapshot == nil {
		// Entity vanished between the event and this invocation; a
		// trigger for a missing entity is a no-op, not an error.
		return res
	}

	lock := e.entityLock(entityType + "/" + entityID)
	lock.Lock()
	defer lock.Unlock()

	snapJSON, _ := json.Marshal(snapshot)
	var ctxJSON []byte
	if len(trigCtx) > 0 {
		ctxJSON, _ = json.Marshal(trigCtx)
	}

	for _, rule := range rules {
		outcome := e.runRule(ctx, rule, trigger, entityType, entityID, snapshot)

		entry := &store.RunLogEntry{
			RuleID:     rule.ID,
			EntityType: entityType,
			EntityID:   entityID,
			Trigger:    trigger,
			Status:     outcome.status,
			Reason:     outcome.reason,
			ActorID:    actorID,
			Snapshot:   datatypes.JSON(snapJSON),
			CreatedAt:  e.now(),
		}
		if len(ctxJSON) > 0 {
			entry.TriggerContext = datatypes.JSON(ctxJSON)
		}
		if len(outcome.executed) > 0 {
			b, _ := json.Marshal(outcome.executed)
			entry.ActionsExecuted = datatypes.JSON(b)
		}

		switch outcome.status {
		case "success":
			res.Triggered++
			res.ActionsExecuted += len(outcome.executed)
		case "failed":
			res.Errors = append(res.Errors, RuleError{RuleID: rule.ID.String(), Error: outcome.reason})
		case "":
			// Conditions did not match; no log entry, keeps the run log
			// bounded to meaningful events.
			continue
		}

		if err := e.repo.AppendRunLog(ctx, entry); err != nil {
			slog.Warn("run log append failed", "rule_id", rule.ID, "error", err)
		}
		e.hub.Publish(ActivityEvent{
			RuleID:          rule.ID.String(),
			RuleName:        rule.Name,
			EntityType:      entityType,
			EntityID:        entityID,
			Trigger:         trigger,
			Status:          outcome.status,
			Reason:          outcome.reason,
			ActionsExecuted: outcome.executed,
			TSUnixMillis:    e.now().UnixMilli(),
		})
	}

	return res
}

type ruleOutcome struct {
	status   string // success|skipped|failed, "" = conditions not met
	reason   string
	executed []string
}

// runRule executes one rule with full isolation: any error or panic is
// converted into a failed outcome so one misbehaving rule never
// prevents the rules after it from being evaluated.
func (e *Engine) runRule(ctx context.Context, rule store.AutomationRule, trigger, entityType, entityID string, snapshot map[string]any) (out ruleOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out.status = "failed"
			out.reason = fmt.Sprintf("panic: %v", r)
			slog.Error("rule panicked", "rule_id", rule.ID, "panic", r)
		}
	}()

	var conditions *ConditionGroup
	if len(rule.Conditions) > 0 {
		conditions = &ConditionGroup{}
		if err := json.Unmarshal(rule.Conditions, conditions); err != nil {
			return ruleOutcome{status: "failed", reason: fmt.Sprintf("invalid conditions: %v", err)}
		}
	}
	var actions []Action
	if err := json.Unmarshal(rule.Actions, &actions); err != nil {
		return ruleOutcome{status: "failed", reason: fmt.Sprintf("invalid actions: %v", err)}
	}
	// Rules are validated on write, but the store is shared; a rule
	// edited behind the API still fails fast here instead of at an
	// arbitrary point mid-execution.
	if err := ValidateRule(rule.EntityType, rule.Trigger, conditions, actions); err != nil {
		return ruleOutcome{status: "failed", reason: fmt.Sprintf("invalid rule: %v", err)}
	}

	if rule.ThrottleMinutes > 0 {
		rec, err := e.repo.GetThrottle(ctx, rule.ID, entityType, entityID)
		if err != nil {
			return ruleOutcome{status: "failed", reason: fmt.Sprintf("throttle read: %v", err)}
		}
		if rec != nil && e.now().Sub(rec.LastRanAt) < time.Duration(rule.ThrottleMinutes)*time.Minute {
			return ruleOutcome{status: "skipped", reason: "Throttled"}
		}
	}

	if !Evaluate(snapshot, conditions) {
		return ruleOutcome{}
	}

	// Execute every action in order. A failed action does not stop the
	// ones after it; the rule is failed with the first error captured.
	// There is no automatic retry of a partially-failed list: the next
	// matching trigger re-evaluates from scratch.
	var firstErr error
	var executed []string
	for _, a := range actions {
		if err := e.exec.Execute(ctx, a, entityType, entityID, snapshot); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			slog.Warn("action failed", "rule_id", rule.ID, "action", a.Type, "error", err)
			continue
		}
		executed = append(executed, a.Type)
	}

	if firstErr != nil {
		return ruleOutcome{status: "failed", reason: firstErr.Error(), executed: executed}
	}

	if rule.ThrottleMinutes > 0 {
		rec := &store.ThrottleRecord{RuleID: rule.ID, EntityType: entityType, EntityID: entityID, LastRanAt: e.now()}
		if err := e.repo.UpsertThrottle(ctx, rec); err != nil {
			// The rule ran; a throttle write failure only risks an
			// early re-fire, so log and keep the success.
			slog.Warn("throttle upsert failed", "rule_id", rule.ID, "error", err)
		}
	}
	return ruleOutcome{status: "success", executed: executed}
}

func (e *Engine) entityLock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &e.locks[h.Sum32()%entityLockStripes]
}
