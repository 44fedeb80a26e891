package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"automation-engine/internal/store"
)

// ActionError wraps a failed action with its type for diagnostics and
// the run log.
type ActionError struct {
	Type string
	Err  error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s: %v", e.Type, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Executor runs one side-effecting action against the stores. All
// handlers read from the passed-in snapshot (the pre-action state)
// rather than re-fetching, so actions within one rule share a
// consistent view and do not see each other's writes.
type Executor struct {
	Repo  *store.Repo
	Alloc *Allocator
	Now   func() time.Time
}

func (x *Executor) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now().UTC()
}

func (x *Executor) Execute(ctx context.Context, a Action, entityType, entityID string, snapshot map[string]any) error {
	typ := strings.ToLower(strings.TrimSpace(a.Type))
	var err error
	switch typ {
	case "assign_owner":
		err = x.assignOwner(ctx, a, entityType, entityID)
	case "set_status":
		err = x.setStatus(ctx, a, entityType, entityID)
	case "set_next_action_date":
		err = x.setNextActionDate(ctx, a, entityType, entityID)
	case "add_tag":
		err = x.mutateTag(ctx, a, entityType, entityID, snapshot, true)
	case "remove_tag":
		err = x.mutateTag(ctx, a, entityType, entityID, snapshot, false)
	case "mark_stale":
		err = x.markStale(ctx, a, entityType, entityID, snapshot)
	case "notify_owner":
		err = x.notifyOwner(ctx, a, entityType, entityID, snapshot)
	case "notify_admin":
		err = x.notifyAdmin(ctx, a, entityType, entityID)
	case "create_task":
		err = x.createTask(ctx, a, entityType, entityID, snapshot)
	default:
		err = fmt.Errorf("unsupported action type: %s", a.Type)
	}
	if err != nil {
		return &ActionError{Type: typ, Err: err}
	}
	return nil
}

func (x *Executor) assignOwner(ctx context.Context, a Action, entityType, entityID string) error {
	v, err := decodeStringValue(a.Value)
	if err != nil {
		return errors.New("value must be a user id or round_robin:<pool>")
	}
	assignee := strings.TrimSpace(v)
	if strings.HasPrefix(assignee, roundRobinPrefix) {
		pool := strings.TrimSpace(strings.TrimPrefix(assignee, roundRobinPrefix))
		assignee, err = x.Alloc.NextAssignee(ctx, pool)
		if err != nil {
			return err
		}
		if assignee == "" {
			// Empty or fully inactive pool: nothing to assign.
			return nil
		}
	}
	if assignee == "" {
		return errors.New("empty assignee")
	}
	return x.Repo.UpdateEntityFields(ctx, entityType, entityID, map[string]any{"owner_id": assignee})
}

func (x *Executor) setStatus(ctx context.Context, a Action, entityType, entityID string) error {
	v, err := decodeStringValue(a.Value)
	if err != nil {
		return errors.New("value must be a status string")
	}
	// Set verbatim. Legal-transition enforcement belongs to the entity
	// owner, not this engine.
	return x.Repo.UpdateEntityFields(ctx, entityType, entityID, map[string]any{"status": v})
}

func (x *Executor) setNextActionDate(ctx context.Context, a Action, entityType, entityID string) error {
	v, err := decodeStringValue(a.Value)
	if err != nil {
		return errors.New("value must be a date preset string")
	}
	preset, err := parseDatePreset(v)
	if err != nil {
		return err
	}
	ts := preset.resolve(x.now())
	return x.Repo.UpdateEntityFields(ctx, entityType, entityID, map[string]any{"next_action_date": ts})
}

func (x *Executor) mutateTag(ctx context.Context, a Action, entityType, entityID string, snapshot map[string]any, add bool) error {
	tag, err := decodeStringValue(a.Value)
	if err != nil {
		return errors.New("value must be a tag string")
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return errors.New("empty tag")
	}

	// Entities with a first-class tags column keep a comma-separated
	// set there. Without one, fall back to a [tag:x] marker in notes so
	// the action stays visible and idempotent either way.
	if raw, ok := snapshot["tags"]; ok {
		current, _ := raw.(string)
		tags := splitTags(current)
		if add {
			for _, t := range tags {
				if t == tag {
					return nil
				}
			}
			tags = append(tags, tag)
		} else {
			kept := tags[:0]
			for _, t := range tags {
				if t != tag {
					kept = append(kept, t)
				}
			}
			tags = kept
		}
		return x.Repo.UpdateEntityFields(ctx, entityType, entityID, map[string]any{"tags": strings.Join(tags, ",")})
	}

	notes, _ := snapshot["notes"].(string)
	marker := "[tag:" + tag + "]"
	if add {
		if strings.Contains(notes, marker) {
			return nil
		}
		if notes != "" {
			notes += " "
		}
		notes += marker
	} else {
		notes = strings.TrimSpace(strings.ReplaceAll(notes, marker, ""))
	}
	return x.Repo.UpdateEntityFields(ctx, entityType, entityID, map[string]any{"notes": notes})
}

func (x *Executor) markStale(ctx context.Context, a Action, entityType, entityID string, snapshot map[string]any) error {
	if _, ok := snapshot["is_stale"]; !ok {
		// Entity type has no stale flag; not an error.
		return nil
	}
	reason := ""
	if len(a.Value) > 0 {
		reason, _ = decodeStringValue(a.Value)
	}
	return x.Repo.UpdateEntityFields(ctx, entityType, entityID, map[string]any{"is_stale": true, "stale_reason": reason})
}

func (x *Executor) notifyOwner(ctx context.Context, a Action, entityType, entityID string, snapshot map[string]any) error {
	var v NotifyValue
	if err := json.Unmarshal(a.Value, &v); err != nil {
		return errors.New("value must be a {title, message} object")
	}
	target, _ := snapshot["owner_id"].(string)
	if strings.TrimSpace(target) == "" {
		target, _ = snapshot["created_by"].(string)
	}
	if strings.TrimSpace(target) == "" {
		// No owner and no creator: nothing to notify.
		return nil
	}
	return x.Repo.CreateNotification(ctx, &store.Notification{
		UserID:     target,
		Title:      notifyTitle(v),
		Body:       v.Message,
		EntityType: entityType,
		EntityID:   entityID,
		CreatedAt:  x.now(),
	})
}

func (x *Executor) notifyAdmin(ctx context.Context, a Action, entityType, entityID string) error {
	var v NotifyValue
	if err := json.Unmarshal(a.Value, &v); err != nil {
		return errors.New("value must be a {title, message} object")
	}
	admins, err := x.Repo.ListActiveAdmins(ctx)
	if err != nil {
		return err
	}
	for _, admin := range admins {
		err := x.Repo.CreateNotification(ctx, &store.Notification{
			UserID:     admin.ID,
			Title:      notifyTitle(v),
			Body:       v.Message,
			EntityType: entityType,
			EntityID:   entityID,
			CreatedAt:  x.now(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (x *Executor) createTask(ctx context.Context, a Action, entityType, entityID string, snapshot map[string]any) error {
	var v CreateTaskValue
	if err := json.Unmarshal(a.Value, &v); err != nil {
		return errors.New("value must be a task template object")
	}
	owner := strings.TrimSpace(v.AssigneeID)
	if owner == "" {
		owner, _ = snapshot["owner_id"].(string)
	}
	now := x.now()
	due := now.AddDate(0, 0, v.DueInDays)
	desc := strings.TrimSpace(v.Description)
	if desc == "" {
		desc = fmt.Sprintf("Created by automation for %s %s", entityType, entityID)
	}
	return x.Repo.CreateTask(ctx, &store.Task{
		Title:       v.Title,
		Description: desc,
		OwnerID:     owner,
		RelatedType: entityType,
		RelatedID:   entityID,
		DueAt:       &due,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func notifyTitle(v NotifyValue) string {
	if strings.TrimSpace(v.Title) != "" {
		return v.Title
	}
	return "Automation notification"
}

func splitTags(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// --- Date presets ---

// datePreset is a parsed scheduling preset. Supported forms:
// - "now+10m", "now+2h", "now+3d" (relative offset)
// - "today@18:00", "tomorrow@09:00" (clock time on a given day)
type datePreset struct {
	offset  time.Duration
	dayAdd  int
	hour    int
	minute  int
	clocked bool
}

func (p datePreset) resolve(now time.Time) time.Time {
	if p.clocked {
		d := now.AddDate(0, 0, p.dayAdd)
		return time.Date(d.Year(), d.Month(), d.Day(), p.hour, p.minute, 0, 0, now.Location())
	}
	return now.Add(p.offset)
}

func parseDatePreset(s string) (datePreset, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if rest, ok := strings.CutPrefix(s, "now+"); ok {
		if days, ok := strings.CutSuffix(rest, "d"); ok {
			n, err := strconv.Atoi(days)
			if err != nil || n <= 0 {
				return datePreset{}, fmt.Errorf("invalid day offset: %s", s)
			}
			return datePreset{offset: time.Duration(n) * 24 * time.Hour}, nil
		}
		d, err := time.ParseDuration(rest)
		if err != nil || d <= 0 {
			return datePreset{}, fmt.Errorf("invalid offset: %s", s)
		}
		return datePreset{offset: d}, nil
	}

	dayAdd := -1
	if rest, ok := strings.CutPrefix(s, "today@"); ok {
		dayAdd = 0
		s = rest
	} else if rest, ok := strings.CutPrefix(s, "tomorrow@"); ok {
		dayAdd = 1
		s = rest
	}
	if dayAdd >= 0 {
		t, err := time.Parse("15:04", s)
		if err != nil {
			return datePreset{}, fmt.Errorf("invalid clock time: %s", s)
		}
		return datePreset{clocked: true, dayAdd: dayAdd, hour: t.Hour(), minute: t.Minute()}, nil
	}
	return datePreset{}, fmt.Errorf("unknown date preset: %s", s)
}
