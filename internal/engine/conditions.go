package engine

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Evaluate runs a condition group against a flat entity snapshot.
// Pure: no I/O, no state, deterministic for the same inputs.
//
// A nil group always matches. "all" must pass in full, "any" needs one
// hit; when both lists are present both clauses must hold. Unknown
// fields resolve to nil, malformed condition values fail the condition
// rather than erroring.
func Evaluate(snapshot map[string]any, group *ConditionGroup) bool {
	if group == nil {
		return true
	}
	for _, c := range group.All {
		if !evalCondition(snapshot, c) {
			return false
		}
	}
	if len(group.Any) > 0 {
		hit := false
		for _, c := range group.Any {
			if evalCondition(snapshot, c) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func evalCondition(snapshot map[string]any, c Condition) bool {
	v := snapshot[strings.TrimSpace(c.Field)]
	op := strings.ToLower(strings.TrimSpace(c.Op))

	switch op {
	case "is_null":
		return v == nil
	case "not_null":
		return v != nil
	}

	var want any
	if len(c.Value) > 0 {
		_ = json.Unmarshal(c.Value, &want)
	}

	switch op {
	case "eq":
		return looseEqual(v, want)
	case "neq":
		return !looseEqual(v, want)
	case "in":
		arr, ok := want.([]any)
		if !ok {
			return false
		}
		for _, item := range arr {
			if looseEqual(v, item) {
				return true
			}
		}
		return false
	case "nin":
		arr, ok := want.([]any)
		if !ok {
			return false
		}
		for _, item := range arr {
			if looseEqual(v, item) {
				return false
			}
		}
		return true
	case "contains":
		s, okS := v.(string)
		sub, okSub := want.(string)
		if !okS || !okSub {
			return false
		}
		return strings.Contains(s, sub)
	case "gte":
		cmp, ok := compareOrdered(v, want)
		return ok && cmp >= 0
	case "lte":
		cmp, ok := compareOrdered(v, want)
		return ok && cmp <= 0
	case "between":
		arr, ok := want.([]any)
		if !ok || len(arr) != 2 {
			return false
		}
		lo, okLo := compareOrdered(v, arr[0])
		hi, okHi := compareOrdered(v, arr[1])
		return okLo && okHi && lo >= 0 && hi <= 0
	default:
		return false
	}
}

// looseEqual normalizes numbers before comparing, so 42, 42.0 and "42"
// are equal. Everything else falls back to string formatting. This
// mirrors how rules behave against JSON-ish snapshots and is relied on
// by existing rule sets; do not tighten it.
func looseEqual(a, b any) bool {
	fa, oka := toFloat(a)
	fb, okb := toFloat(b)
	if oka && okb {
		return math.Abs(fa-fb) < 1e-9
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return stringify(a) == stringify(b)
}

// compareOrdered compares two order-comparable values: numbers
// numerically, strings lexically (which covers ISO dates), timestamps
// chronologically. Mismatched kinds are not comparable.
func compareOrdered(a, b any) (int, bool) {
	fa, oka := toFloat(a)
	fb, okb := toFloat(b)
	if oka && okb {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	ta, okTA := toTime(a)
	tb, okTB := toTime(b)
	if okTA && okTB {
		return ta.Compare(tb), true
	}
	sa, okSA := a.(string)
	sb, okSB := b.(string)
	if okSA && okSB {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		// best-effort parse
		var num json.Number = json.Number(strings.TrimSpace(t))
		f, err := num.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	default:
		return time.Time{}, false
	}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
