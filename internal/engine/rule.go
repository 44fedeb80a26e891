package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Rule condition/action shapes, as stored in store.AutomationRule.
//
// Conditions:
// {
//   "all": [{"field":"status","op":"eq","value":"new"}],
//   "any": [{"field":"industry","op":"in","value":["Dentist","Lawyer"]}]
// }
// "all" is AND-combined, "any" is OR-combined; when both are present,
// both clauses must hold. Fields are flat keys into the entity snapshot,
// no dot paths.
//
// Actions are an ordered list; order is execution order:
// [{"type":"assign_owner","value":"round_robin:sales_pool"},
//  {"type":"set_status","value":"contacted"}]
//
// Supported ops:
// - eq, neq (loose numeric equality, see conditions.go)
// - in, nin (value must be an array)
// - contains (string fields only)
// - gte, lte (numbers or lexically ordered strings such as ISO dates)
// - is_null, not_null (no value)
// - between (value must be [low, high])
//
// Action payloads are typed per action type and validated when the rule
// is written, so evaluation never has to guess at shapes.

type ConditionGroup struct {
	All []Condition `json:"all,omitempty"`
	Any []Condition `json:"any,omitempty"`
}

type Condition struct {
	Field string          `json:"field"`
	Op    string          `json:"op"`
	Value json.RawMessage `json:"value,omitempty"`
}

type Action struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// --- Action payloads (typed decoding) ---

// AssignOwnerValue is a JSON string: either a literal user id, or a
// pool reference of the form "round_robin:<pool_name>".
const roundRobinPrefix = "round_robin:"

type CreateTaskValue struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DueInDays   int    `json:"due_in_days,omitempty"`
	AssigneeID  string `json:"assignee_id,omitempty"`
}

type NotifyValue struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

var entityTypes = map[string]struct{}{
	"lead":    {},
	"deal":    {},
	"project": {},
	"task":    {},
	"company": {},
}

var triggers = map[string]struct{}{
	"created":        {},
	"updated":        {},
	"status_changed": {},
	"stage_changed":  {},
	"assigned":       {},
	"stale_check":    {},
}

// ValidEntityType reports whether t names a supported entity type.
func ValidEntityType(t string) bool {
	_, ok := entityTypes[t]
	return ok
}

// ValidTrigger reports whether t names a known trigger event.
func ValidTrigger(t string) bool {
	_, ok := triggers[t]
	return ok
}

// ValidateRule checks a rule's enums and payload shapes. Called when
// rules are written through the API and again when the dispatcher loads
// them, so a rule edited behind our back still fails fast.
func ValidateRule(entityType, trigger string, conditions *ConditionGroup, actions []Action) error {
	if !ValidEntityType(strings.TrimSpace(entityType)) {
		return fmt.Errorf("unsupported entity type: %s", entityType)
	}
	if !ValidTrigger(strings.TrimSpace(trigger)) {
		return fmt.Errorf("unsupported trigger: %s", trigger)
	}
	if conditions != nil {
		for i, c := range conditions.All {
			if err := validateCondition(c); err != nil {
				return fmt.Errorf("conditions.all[%d]: %w", i, err)
			}
		}
		for i, c := range conditions.Any {
			if err := validateCondition(c); err != nil {
				return fmt.Errorf("conditions.any[%d]: %w", i, err)
			}
		}
	}
	if len(actions) == 0 {
		return errors.New("at least one action is required")
	}
	for i, a := range actions {
		if err := validateAction(a); err != nil {
			return fmt.Errorf("actions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateCondition(c Condition) error {
	if strings.TrimSpace(c.Field) == "" {
		return errors.New("field is required")
	}
	op := strings.ToLower(strings.TrimSpace(c.Op))
	switch op {
	case "eq", "neq", "contains", "gte", "lte":
		if len(c.Value) == 0 {
			return fmt.Errorf("op %s requires a value", op)
		}
		return nil
	case "in", "nin":
		var arr []any
		if err := json.Unmarshal(c.Value, &arr); err != nil {
			return fmt.Errorf("op %s requires an array value", op)
		}
		return nil
	case "between":
		var arr []any
		if err := json.Unmarshal(c.Value, &arr); err != nil || len(arr) != 2 {
			return errors.New("op between requires a [low, high] value")
		}
		return nil
	case "is_null", "not_null":
		if len(c.Value) > 0 {
			return fmt.Errorf("op %s takes no value", op)
		}
		return nil
	default:
		return fmt.Errorf("unsupported op: %s", c.Op)
	}
}

func validateAction(a Action) error {
	typ := strings.ToLower(strings.TrimSpace(a.Type))
	switch typ {
	case "assign_owner":
		s, err := decodeStringValue(a.Value)
		if err != nil {
			return errors.New("assign_owner value must be a user id or round_robin:<pool>")
		}
		if strings.HasPrefix(s, roundRobinPrefix) && strings.TrimSpace(strings.TrimPrefix(s, roundRobinPrefix)) == "" {
			return errors.New("assign_owner pool name is required")
		}
		if s == "" {
			return errors.New("assign_owner value is required")
		}
		return nil
	case "set_status":
		s, err := decodeStringValue(a.Value)
		if err != nil || strings.TrimSpace(s) == "" {
			return errors.New("set_status value must be a non-empty string")
		}
		return nil
	case "set_next_action_date":
		s, err := decodeStringValue(a.Value)
		if err != nil {
			return errors.New("set_next_action_date value must be a preset string")
		}
		if _, err := parseDatePreset(s); err != nil {
			return fmt.Errorf("set_next_action_date: %w", err)
		}
		return nil
	case "add_tag", "remove_tag":
		s, err := decodeStringValue(a.Value)
		if err != nil || strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s value must be a non-empty tag string", typ)
		}
		return nil
	case "mark_stale":
		if len(a.Value) > 0 {
			if _, err := decodeStringValue(a.Value); err != nil {
				return errors.New("mark_stale value must be a reason string")
			}
		}
		return nil
	case "notify_owner", "notify_admin":
		var v NotifyValue
		if err := json.Unmarshal(a.Value, &v); err != nil {
			return fmt.Errorf("%s value must be a {title, message} object", typ)
		}
		if strings.TrimSpace(v.Message) == "" {
			return fmt.Errorf("%s.message is required", typ)
		}
		return nil
	case "create_task":
		var v CreateTaskValue
		if err := json.Unmarshal(a.Value, &v); err != nil {
			return errors.New("create_task value must be a task template object")
		}
		if strings.TrimSpace(v.Title) == "" {
			return errors.New("create_task.title is required")
		}
		if v.DueInDays < 0 {
			return errors.New("create_task.due_in_days must be >= 0")
		}
		return nil
	default:
		return fmt.Errorf("unsupported action type: %s", a.Type)
	}
}

func decodeStringValue(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}
