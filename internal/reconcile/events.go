package reconcile

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kuitang/notesync/internal/obs"
)

// EventKind is the kind of a sync notification.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is delivered to observers at the start and end of every cycle.
type Event struct {
	Kind    EventKind
	CycleID string
	Backend string
	At      time.Time
	// Result is set for completed and failed events.
	Result *SyncResult
}

// Observer receives sync notifications. They are for presentation only and
// cannot influence the cycle.
type Observer interface {
	OnSyncEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnSyncEvent(e Event) { f(e) }

type observers struct {
	mu   sync.Mutex
	next int
	subs map[int]Observer
}

func (o *observers) subscribe(sub Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subs == nil {
		o.subs = make(map[int]Observer)
	}
	id := o.next
	o.next++
	o.subs[id] = sub
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

func (o *observers) snapshot() []Observer {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]int, 0, len(o.subs))
	for id := range o.subs {
		ids = append(ids, id)
	}
	// Deliver in subscription order.
	slices.Sort(ids)
	out := make([]Observer, 0, len(ids))
	for _, id := range ids {
		out = append(out, o.subs[id])
	}
	return out
}

func (o *observers) emit(e Event) {
	for _, sub := range o.snapshot() {
		notify(sub, e)
	}
}

func notify(sub Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			obs.Pkg("reconcile").Error("sync_observer_panic", "kind", string(e.Kind), "cycle_id", e.CycleID, "panic", fmt.Sprint(r))
		}
	}()
	sub.OnSyncEvent(e)
}
