// Package pending tracks in-flight authorization attempts keyed by their
// OAuth state parameter. Each attempt owns a oneshot result channel that
// receives exactly one value: the authorization code, a cancellation, a
// rejection or a timeout.
package pending

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout is how long an attempt waits for its redirect.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrDuplicateState is returned by Begin when the state is already pending.
	ErrDuplicateState = errors.New("state already pending")

	// ErrUnknownState is returned when no pending attempt matches a state,
	// including attempts that were already resolved, cancelled or expired.
	ErrUnknownState = errors.New("unknown or expired state")

	// ErrCancelled is delivered to an attempt that was cancelled.
	ErrCancelled = errors.New("authorization cancelled")

	// ErrTimeout is delivered to an attempt whose deadline passed.
	ErrTimeout = errors.New("authorization timed out")

	// ErrClosed is returned by Begin after Close.
	ErrClosed = errors.New("registry closed")
)

// Result is the single outcome of an attempt.
type Result struct {
	Code string
	Err  error
}

// Info describes a pending attempt.
type Info struct {
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type entry struct {
	info   Info
	result chan Result
	timer  *time.Timer
}

// Registry is a request/response correlation table from state to result
// channel. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
	closed  bool
}

// NewRegistry creates a registry whose attempts expire after timeout.
// A non-positive timeout selects DefaultTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		entries: make(map[string]*entry),
		timeout: timeout,
	}
}

// Timeout returns the per-attempt deadline.
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// Begin registers state as pending and arms its expiry timer.
func (r *Registry) Begin(state string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.entries[state]; ok {
		return nil, ErrDuplicateState
	}

	now := time.Now()
	e := &entry{
		info: Info{
			State:     state,
			CreatedAt: now,
			ExpiresAt: now.Add(r.timeout),
		},
		result: make(chan Result, 1),
	}
	e.timer = time.AfterFunc(r.timeout, func() {
		r.expire(state, e)
	})
	r.entries[state] = e

	return &Handle{
		State:     state,
		ExpiresAt: e.info.ExpiresAt,
		result:    e.result,
	}, nil
}

// Resolve delivers an authorization code to the attempt registered for state
// and removes it.
func (r *Registry) Resolve(state, code string) error {
	return r.finish(state, Result{Code: code})
}

// Cancel ends the attempt registered for state with ErrCancelled.
func (r *Registry) Cancel(state string) error {
	return r.finish(state, Result{Err: ErrCancelled})
}

// Reject ends the attempt registered for state with err.
func (r *Registry) Reject(state string, err error) error {
	if err == nil {
		err = ErrCancelled
	}
	return r.finish(state, Result{Err: err})
}

func (r *Registry) finish(state string, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[state]
	if !ok {
		return ErrUnknownState
	}
	delete(r.entries, state)
	e.timer.Stop()
	e.result <- res
	return nil
}

// expire runs on the timer goroutine. The identity check makes a timer that
// lost a race with Resolve or Cancel a no-op.
func (r *Registry) expire(state string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.entries[state]; !ok || cur != e {
		return
	}
	delete(r.entries, state)
	e.result <- Result{Err: ErrTimeout}
}

// Pending returns the pending attempts ordered by creation time.
func (r *Registry) Pending() []Info {
	r.mu.Lock()
	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Count returns the number of pending attempts.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close cancels every pending attempt. Begin fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for state, e := range r.entries {
		delete(r.entries, state)
		e.timer.Stop()
		e.result <- Result{Err: ErrCancelled}
	}
}

// Handle is the waiting side of a pending attempt.
type Handle struct {
	State     string
	ExpiresAt time.Time
	result    <-chan Result
}

// Done returns the channel that receives the attempt's single result.
func (h *Handle) Done() <-chan Result {
	return h.result
}

// Wait blocks until the attempt finishes or ctx is done. When ctx ends
// first the attempt is still registered; the caller decides whether to
// cancel it.
func (h *Handle) Wait(ctx context.Context) (string, error) {
	select {
	case res := <-h.result:
		return res.Code, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
