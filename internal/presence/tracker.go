// Package presence tracks which users are online.
package presence

import (
	"sort"

	"github.com/matheus3301/gochat/internal/bus"
	"github.com/matheus3301/gochat/internal/frame"
	"github.com/matheus3301/gochat/internal/loop"
)

// Tracker holds the online set. Snapshots replace it; deltas add or remove
// one id at a time and are idempotent. Used on the event loop only.
type Tracker struct {
	clock  loop.Clock
	bus    *bus.Bus
	online map[string]struct{}
	subs   bus.Registry[[]string]
}

func NewTracker(clk loop.Clock, b *bus.Bus) *Tracker {
	return &Tracker{clock: clk, bus: b, online: make(map[string]struct{})}
}

// OnChange registers h; it receives the sorted online set after each change.
func (t *Tracker) OnChange(h func(online []string)) (cancel func()) {
	return t.subs.Add(h)
}

// Replace makes the online set exactly users.
func (t *Tracker) Replace(users []string) {
	next := make(map[string]struct{}, len(users))
	for _, u := range users {
		if u != "" {
			next[u] = struct{}{}
		}
	}
	if sameSet(t.online, next) {
		return
	}
	t.online = next
	t.changed()
}

// Apply adds the joined id and removes the left id. Joining twice or
// leaving while absent changes nothing.
func (t *Tracker) Apply(d frame.PresenceDelta) {
	changed := false
	if d.Joined != "" {
		if _, ok := t.online[d.Joined]; !ok {
			t.online[d.Joined] = struct{}{}
			changed = true
		}
	}
	if d.Left != "" {
		if _, ok := t.online[d.Left]; ok {
			delete(t.online, d.Left)
			changed = true
		}
	}
	if changed {
		t.changed()
	}
}

// Clear empties the set.
func (t *Tracker) Clear() {
	if len(t.online) == 0 {
		return
	}
	t.online = make(map[string]struct{})
	t.changed()
}

func (t *Tracker) IsOnline(id string) bool {
	_, ok := t.online[id]
	return ok
}

// Online returns the online ids in sorted order.
func (t *Tracker) Online() []string {
	out := make([]string, 0, len(t.online))
	for u := range t.online {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) changed() {
	online := t.Online()
	t.subs.Emit(online)
	t.bus.Publish(bus.Event{Kind: bus.KindPresenceChanged, Timestamp: t.clock.Now(), Payload: online})
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
