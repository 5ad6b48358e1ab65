package stratum

import (
	"bytes"
	"sync"
)

// closedRingSize bounds how many disconnected sessions are kept for
// resumption via mining.subscribe with a prior subscription id.
const closedRingSize = 25

// ClosedState is the resumable remainder of a disconnected session.
type ClosedState struct {
	SubscriptionID []byte
	Algorithm      int32
	Extranonce1    []byte
	Difficulty     float64
	SubmitSpan     float64
	TimeWorks      []TimeWork
	NAccept        int
	NReject        int
}

// Registry tracks live sessions and the closed-session ring. Broadcast
// snapshots the session set first; no network I/O happens under the mutex.
type Registry struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   []*ClosedState
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[*Session]struct{})}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
}

// Sessions snapshots the live session set.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions for an algorithm; -1 counts all.
func (r *Registry) Count(algorithm int32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if algorithm < 0 {
		return len(r.sessions)
	}
	n := 0
	for s := range r.sessions {
		if s.algorithm == algorithm {
			n++
		}
	}
	return n
}

// Broadcast writes a notification to every session of the algorithm and
// returns the number of successful writes. Write failures are skipped; the
// owning handler tears the session down on its next read.
func (r *Registry) Broadcast(method string, params interface{}, algorithm int32) int {
	frame := EncodeNotification(method, params)
	sent := 0
	for _, s := range r.Sessions() {
		if s.algorithm != algorithm {
			continue
		}
		if s.writeFrame(frame) == nil {
			sent++
		}
	}
	return sent
}

// pushClosed appends a closed session's state, evicting the oldest entry
// when the ring is full.
func (r *Registry) pushClosed(st *ClosedState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.closed) >= closedRingSize {
		r.closed = r.closed[1:]
	}
	r.closed = append(r.closed, st)
}

// takeClosed removes and returns the ring entry matching a subscription id
// and algorithm, or nil.
func (r *Registry) takeClosed(subscriptionID []byte, algorithm int32) *ClosedState {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, st := range r.closed {
		if st.Algorithm == algorithm && bytes.Equal(st.SubscriptionID, subscriptionID) {
			r.closed = append(r.closed[:i], r.closed[i+1:]...)
			return st
		}
	}
	return nil
}
