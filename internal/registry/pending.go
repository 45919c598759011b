package registry

import (
	"context"
	"sync"
)

// PairKey identifies a call by its two participants, regardless of who
// dialled whom.
type PairKey struct {
	A, B string
}

// NewPairKey normalises the two user ids into a stable key.
func NewPairKey(a, b string) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey{A: a, B: b}
}

// PendingCall is the shared state of one in-flight call between two users.
// Exactly one Call record is created per accepted call, no matter which
// side's media leg asks for it first.
type PendingCall struct {
	Caller string
	Callee string

	mu       sync.Mutex
	ended    bool
	callID   string
	creating bool
	ready    chan struct{}
}

// CallID returns the persisted call id once one exists.
func (p *PendingCall) CallID() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callID, p.callID != ""
}

// EnsureCallID returns the call id, creating the record through create on
// the first request. Concurrent callers block until the first one finishes.
func (p *PendingCall) EnsureCallID(ctx context.Context, create func(context.Context) (string, error)) (string, error) {
	p.mu.Lock()
	if p.callID != "" {
		id := p.callID
		p.mu.Unlock()
		return id, nil
	}
	if p.creating {
		ready := p.ready
		p.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		p.mu.Lock()
		id := p.callID
		p.mu.Unlock()
		if id == "" {
			return "", context.Canceled
		}
		return id, nil
	}
	p.creating = true
	p.ready = make(chan struct{})
	p.mu.Unlock()

	id, err := create(ctx)

	p.mu.Lock()
	p.creating = false
	if err == nil {
		p.callID = id
	}
	close(p.ready)
	p.mu.Unlock()
	if err != nil {
		return "", err
	}
	return id, nil
}

// Finalize marks the call ended. It reports the call id to persist and
// whether this caller won the race to end it.
func (p *PendingCall) Finalize() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return "", false
	}
	p.ended = true
	return p.callID, true
}

// PendingCalls tracks in-flight calls by participant pair.
type PendingCalls struct {
	mu    sync.Mutex
	calls map[PairKey]*PendingCall
}

func NewPendingCalls() *PendingCalls {
	return &PendingCalls{calls: make(map[PairKey]*PendingCall)}
}

// Track registers a new pending call from caller to callee. It fails when
// either participant is already in a pending call with the other.
func (r *PendingCalls) Track(caller, callee string) (*PendingCall, bool) {
	key := NewPairKey(caller, callee)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calls[key]; exists {
		return nil, false
	}
	call := &PendingCall{Caller: caller, Callee: callee}
	r.calls[key] = call
	return call, true
}

// Get returns the pending call between the two users, if any.
func (r *PendingCalls) Get(a, b string) *PendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[NewPairKey(a, b)]
}

// Remove drops the pending call between the two users.
func (r *PendingCalls) Remove(a, b string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, NewPairKey(a, b))
}

// ForUser returns every pending call userID takes part in.
func (r *PendingCalls) ForUser(userID string) []*PendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*PendingCall
	for _, call := range r.calls {
		if call.Caller == userID || call.Callee == userID {
			result = append(result, call)
		}
	}
	return result
}
