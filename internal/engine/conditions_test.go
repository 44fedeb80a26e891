package engine

import (
	"encoding/json"
	"testing"
)

func cond(field, op string, value any) Condition {
	c := Condition{Field: field, Op: op}
	if value != nil {
		b, _ := json.Marshal(value)
		c.Value = b
	}
	return c
}

func TestEvaluate_NilGroupMatches(t *testing.T) {
	if !Evaluate(map[string]any{"status": "new"}, nil) {
		t.Fatalf("expected nil group to match")
	}
}

func TestEvaluate_AllShortCircuits(t *testing.T) {
	g := &ConditionGroup{All: []Condition{
		cond("status", "eq", "new"),
		cond("industry", "eq", "Dentist"),
	}}
	if Evaluate(map[string]any{"status": "new", "industry": "Gym"}, g) {
		t.Fatalf("expected all to fail when one condition fails")
	}
	if !Evaluate(map[string]any{"status": "new", "industry": "Dentist"}, g) {
		t.Fatalf("expected all to pass")
	}
}

func TestEvaluate_AnyNeedsOneHit(t *testing.T) {
	g := &ConditionGroup{Any: []Condition{
		cond("industry", "eq", "Dentist"),
		cond("industry", "eq", "Lawyer"),
	}}
	if Evaluate(map[string]any{"industry": "Gym"}, g) {
		t.Fatalf("expected no match for Gym")
	}
	if !Evaluate(map[string]any{"industry": "Lawyer"}, g) {
		t.Fatalf("expected match for Lawyer")
	}
}

func TestEvaluate_AllAndAnyBothRequired(t *testing.T) {
	g := &ConditionGroup{
		All: []Condition{cond("status", "eq", "new")},
		Any: []Condition{cond("industry", "eq", "Dentist")},
	}
	if Evaluate(map[string]any{"status": "new", "industry": "Gym"}, g) {
		t.Fatalf("expected failure when any clause misses")
	}
	if Evaluate(map[string]any{"status": "old", "industry": "Dentist"}, g) {
		t.Fatalf("expected failure when all clause misses")
	}
	if !Evaluate(map[string]any{"status": "new", "industry": "Dentist"}, g) {
		t.Fatalf("expected both clauses to pass")
	}
}

func TestEvalCondition_EqLooseNumbers(t *testing.T) {
	snap := map[string]any{"score": int64(42), "count": "7"}
	if !evalCondition(snap, cond("score", "eq", 42)) {
		t.Fatalf("expected int64 42 to equal 42")
	}
	if !evalCondition(snap, cond("score", "eq", 42.0)) {
		t.Fatalf("expected int64 42 to equal 42.0")
	}
	if !evalCondition(snap, cond("count", "eq", 7)) {
		t.Fatalf("expected numeric string to equal number")
	}
	if evalCondition(snap, cond("score", "neq", 42)) {
		t.Fatalf("expected neq to fail on equal values")
	}
}

func TestEvalCondition_Membership(t *testing.T) {
	snap := map[string]any{"status": "qualified"}
	if !evalCondition(snap, cond("status", "in", []string{"new", "qualified"})) {
		t.Fatalf("expected in to match")
	}
	if evalCondition(snap, cond("status", "nin", []string{"new", "qualified"})) {
		t.Fatalf("expected nin to fail on member")
	}
	if !evalCondition(snap, cond("status", "nin", []string{"won", "lost"})) {
		t.Fatalf("expected nin to pass on non-member")
	}
	// Non-array value is a configuration error: fail the condition.
	if evalCondition(snap, cond("status", "in", "qualified")) {
		t.Fatalf("expected in with scalar value to fail")
	}
	if evalCondition(snap, cond("status", "nin", "qualified")) {
		t.Fatalf("expected nin with scalar value to fail")
	}
}

func TestEvalCondition_Contains(t *testing.T) {
	snap := map[string]any{"notes": "call back on monday", "score": int64(5)}
	if !evalCondition(snap, cond("notes", "contains", "monday")) {
		t.Fatalf("expected substring match")
	}
	if evalCondition(snap, cond("notes", "contains", "friday")) {
		t.Fatalf("expected no substring match")
	}
	if evalCondition(snap, cond("score", "contains", "5")) {
		t.Fatalf("expected contains on non-string field to be false")
	}
}

func TestEvalCondition_Ordering(t *testing.T) {
	snap := map[string]any{"value": int64(1000), "closes_at": "2025-03-01"}

	cases := []struct {
		c    Condition
		want bool
	}{
		{cond("value", "gte", 1000), true},
		{cond("value", "gte", 1001), false},
		{cond("value", "lte", 999), false},
		{cond("value", "lte", 1000), true},
		{cond("closes_at", "gte", "2025-01-01"), true},
		{cond("closes_at", "lte", "2025-01-01"), false},
		// type mismatch: not comparable, not an error
		{cond("closes_at", "gte", 5), false},
	}
	for i, c := range cases {
		if got := evalCondition(snap, c.c); got != c.want {
			t.Fatalf("case %d: expected %v, got %v", i, c.want, got)
		}
	}
}

func TestEvalCondition_Null(t *testing.T) {
	snap := map[string]any{"owner_id": nil, "status": "new"}
	if !evalCondition(snap, cond("owner_id", "is_null", nil)) {
		t.Fatalf("expected nil field to be null")
	}
	if !evalCondition(snap, cond("missing", "is_null", nil)) {
		t.Fatalf("expected unknown field to be null")
	}
	if evalCondition(snap, cond("status", "is_null", nil)) {
		t.Fatalf("expected present field to not be null")
	}
	if !evalCondition(snap, cond("status", "not_null", nil)) {
		t.Fatalf("expected not_null on present field")
	}
}

func TestEvalCondition_Between(t *testing.T) {
	snap := map[string]any{"value": int64(50)}
	if !evalCondition(snap, cond("value", "between", []int{10, 100})) {
		t.Fatalf("expected 50 between 10 and 100")
	}
	if !evalCondition(snap, cond("value", "between", []int{50, 50})) {
		t.Fatalf("expected between to be inclusive")
	}
	if evalCondition(snap, cond("value", "between", []int{60, 100})) {
		t.Fatalf("expected 50 outside 60..100")
	}
	if evalCondition(snap, cond("value", "between", []int{10})) {
		t.Fatalf("expected malformed between to fail")
	}
}

func TestEvalCondition_UnknownOpFails(t *testing.T) {
	if evalCondition(map[string]any{"x": 1}, cond("x", "regex", ".*")) {
		t.Fatalf("expected unknown op to fail the condition")
	}
}

// Evaluation must be pure: repeated calls with the same inputs agree.
func TestEvaluate_Deterministic(t *testing.T) {
	g := &ConditionGroup{
		All: []Condition{cond("status", "eq", "new"), cond("value", "gte", 10)},
		Any: []Condition{cond("industry", "eq", "Dentist"), cond("value", "between", []int{10, 20})},
	}
	snap := map[string]any{"status": "new", "value": int64(15), "industry": "Gym"}
	first := Evaluate(snap, g)
	for i := 0; i < 100; i++ {
		if Evaluate(snap, g) != first {
			t.Fatalf("evaluation changed between calls")
		}
	}
	if !first {
		t.Fatalf("expected group to match")
	}
}
