package engine

import (
	"sync"
	"time"
)

// ActivityEvent is streamed to the ops UI whenever a rule finishes
// (success, skipped or failed). It mirrors the run-log record in a
// UI-friendly shape.
type ActivityEvent struct {
	RuleID          string   `json:"rule_id"`
	RuleName        string   `json:"rule_name,omitempty"`
	EntityType      string   `json:"entity_type"`
	EntityID        string   `json:"entity_id"`
	Trigger         string   `json:"trigger"`
	Status          string   `json:"status"`
	Reason          string   `json:"reason,omitempty"`
	ActionsExecuted []string `json:"actions_executed,omitempty"`
	TSUnixMillis    int64    `json:"ts"`
}

// ActivityHub is an in-memory pub/sub for the activity feed. It keeps a
// small replay buffer so clients that connect slightly late still see
// recent events.
type ActivityHub struct {
	mu        sync.RWMutex
	subs      map[chan ActivityEvent]struct{}
	replay    []ActivityEvent
	maxReplay int
}

func NewActivityHub() *ActivityHub {
	return &ActivityHub{
		subs:      map[chan ActivityEvent]struct{}{},
		maxReplay: 200,
	}
}

func (h *ActivityHub) Subscribe() (<-chan ActivityEvent, func()) {
	ch := make(chan ActivityEvent, 64)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	replay := append([]ActivityEvent(nil), h.replay...)
	h.mu.Unlock()

	// Best-effort replay in a goroutine so Subscribe never blocks.
	go func() {
		for _, evt := range replay {
			select {
			case ch <- evt:
			default:
				return
			}
		}
	}()

	// Cancel only unregisters. The channel is never closed: the replay
	// goroutine or an in-flight Publish fan-out may still hold a
	// reference, and their non-blocking sends must not panic. The
	// channel is reclaimed once the last sender drops it.
	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *ActivityHub) Publish(evt ActivityEvent) {
	if evt.TSUnixMillis == 0 {
		evt.TSUnixMillis = time.Now().UTC().UnixMilli()
	}

	h.mu.Lock()
	h.replay = append(h.replay, evt)
	if len(h.replay) > h.maxReplay {
		// Drop oldest.
		h.replay = h.replay[len(h.replay)-h.maxReplay:]
	}
	subs := make([]chan ActivityEvent, 0, len(h.subs))
	for ch := range h.subs {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	// Fan-out without blocking the dispatcher.
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow.
		}
	}
}
