package command

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Invocation is the per-dispatch context shared by middleware, validators,
// the handler and afterware.
type Invocation struct {
	ID           string
	Command      *Descriptor
	ActorID      string
	CollectiveID string // empty outside a collective (server)
	CreatedAt    time.Time
	Store        *Store

	deferred atomic.Bool
}

// NewInvocation creates an invocation for cmd. createdAt is the platform's
// creation timestamp; the auto-defer deadline is measured from it.
func NewInvocation(cmd *Descriptor, actorID, collectiveID string, createdAt time.Time) *Invocation {
	return &Invocation{
		ID:           uuid.NewString(),
		Command:      cmd,
		ActorID:      actorID,
		CollectiveID: collectiveID,
		CreatedAt:    createdAt,
		Store:        NewStore(),
	}
}

// Scope is the rate-limit partition: the collective id when present,
// otherwise the actor id.
func (inv *Invocation) Scope() string {
	if inv.CollectiveID != "" {
		return inv.CollectiveID
	}
	return inv.ActorID
}

// CommandName returns the descriptor name, or "" for a bare invocation.
func (inv *Invocation) CommandName() string {
	if inv.Command == nil {
		return ""
	}
	return inv.Command.Name
}

// MarkDeferred records that a provisional acknowledgement was sent. Only the
// first call succeeds.
func (inv *Invocation) MarkDeferred() bool {
	return inv.deferred.CompareAndSwap(false, true)
}

// Deferred reports whether a provisional acknowledgement was sent.
func (inv *Invocation) Deferred() bool {
	return inv.deferred.Load()
}

// EnsureStore gives an invocation built as a literal its Store. It must run
// before the invocation is shared between goroutines.
func (inv *Invocation) EnsureStore() *Store {
	if inv.Store == nil {
		inv.Store = NewStore()
	}
	return inv.Store
}

// Store is a concurrent key/value map scoped to one invocation. Reads on a nil
// Store report nothing.
type Store struct {
	mu   sync.RWMutex
	data map[string]any
}

func NewStore() *Store {
	return &Store{data: make(map[string]any)}
}

func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

func (s *Store) Get(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Bool returns the boolean stored at key, false if absent or not a bool.
func (s *Store) Bool(key string) bool {
	v, _ := s.Get(key)
	b, _ := v.(bool)
	return b
}

// Snapshot copies the current contents.
func (s *Store) Snapshot() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// Gate is the per-invocation middleware verdict. Once denied it stays denied.
type Gate struct {
	mu       sync.Mutex
	denied   bool
	response *Response
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{}
}

// Deny stops the chain. resp, when non-nil, is delivered to the actor as the
// terminal response.
func (g *Gate) Deny(resp *Response) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.denied {
		return
	}
	g.denied = true
	g.response = resp
}

// Allowed reports whether the invocation may proceed.
func (g *Gate) Allowed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.denied
}

// Response returns the terminal response attached by Deny, if any.
func (g *Gate) Response() *Response {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.response
}
