package presence

import (
	"sync"
	"time"

	"molva/internal/models"

	"github.com/google/uuid"
)

const handleBufferSize = 100

// Handle is one live connection belonging to a user. A user may hold several
// handles at once. Events are delivered through a buffered channel; a full
// channel drops the event (best-effort live fanout, the persisted record is
// the durable copy).
type Handle struct {
	ID string
	ch chan models.ServerEvent
}

func NewHandle() *Handle {
	return &Handle{
		ID: uuid.NewString(),
		ch: make(chan models.ServerEvent, handleBufferSize),
	}
}

// Events returns the channel the connection writes to the wire from.
func (h *Handle) Events() <-chan models.ServerEvent {
	return h.ch
}

// Deliver queues an event without blocking. Reports whether the event was
// accepted.
func (h *Handle) Deliver(ev models.ServerEvent) bool {
	select {
	case h.ch <- ev:
		return true
	default:
		return false
	}
}

// ChangeFunc is invoked outside any registry lock whenever a user
// transitions between online and offline.
type ChangeFunc func(userID string, online bool, lastSeen int64)

// Registry is the process-wide source of truth for user liveness. Mutations
// to a single user's entry are serialized by a per-entry mutex; the outer
// lock only guards entry creation.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	onChange ChangeFunc
	now      func() time.Time
}

type entry struct {
	mu       sync.Mutex
	handles  map[string]*Handle
	lastSeen int64
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// OnChange sets the presence transition callback. Must be called before the
// first Connect.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.onChange = fn
}

func (r *Registry) entryFor(userID string, create bool) *entry {
	r.mu.RLock()
	e := r.entries[userID]
	r.mu.RUnlock()

	if e != nil || !create {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e = r.entries[userID]; e == nil {
		e = &entry{handles: make(map[string]*Handle)}
		r.entries[userID] = e
	}
	return e
}

// Connect registers a live handle for the user. The zero-to-one transition
// emits an online change event.
func (r *Registry) Connect(userID string, h *Handle) {
	e := r.entryFor(userID, true)

	e.mu.Lock()
	wasOnline := len(e.handles) > 0
	e.handles[h.ID] = h
	e.mu.Unlock()

	if !wasOnline && r.onChange != nil {
		r.onChange(userID, true, 0)
	}
}

// Disconnect removes a handle. Removing a handle that is already gone has no
// effect, so repeated disconnects never emit duplicate offline events. The
// transition to zero handles records last-seen.
func (r *Registry) Disconnect(userID, handleID string) {
	e := r.entryFor(userID, false)
	if e == nil {
		return
	}

	e.mu.Lock()
	if _, ok := e.handles[handleID]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.handles, handleID)
	offline := len(e.handles) == 0
	var lastSeen int64
	if offline {
		e.lastSeen = r.now().UnixMilli()
		lastSeen = e.lastSeen
	}
	e.mu.Unlock()

	if offline && r.onChange != nil {
		r.onChange(userID, false, lastSeen)
	}
}

// IsOnline reports whether the user has at least one live handle.
func (r *Registry) IsOnline(userID string) bool {
	e := r.entryFor(userID, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles) > 0
}

// ConnectionsFor returns a snapshot of the user's live handles. Empty if the
// user is offline.
func (r *Registry) ConnectionsFor(userID string) []*Handle {
	e := r.entryFor(userID, false)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	handles := make([]*Handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	return handles
}

// LastSeen returns the timestamp recorded on the user's last offline
// transition, or zero if none happened yet.
func (r *Registry) LastSeen(userID string) int64 {
	e := r.entryFor(userID, false)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen
}
