package futures

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Future.
type State string

const (
	// StatePending: created, waiting for a free worker.
	StatePending State = "PENDING"
	// StateSubmitted: a remote handle has been obtained.
	StateSubmitted State = "SUBMITTED"
	// StateActive: the remote service reports the request as queued or active.
	StateActive State = "ACTIVE"
	// StateFetching: the remote side is complete, the download is in progress.
	StateFetching State = "FETCHING"
	// StateDone: terminal, result available.
	StateDone State = "DONE"
	// StateErrored: terminal, failure cause set.
	StateErrored State = "ERRORED"
	// StateCancelled: terminal, cancelled before or during processing.
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether s is one of the three terminal states.
func (s State) Terminal() bool {
	return s == StateDone || s == StateErrored || s == StateCancelled
}

// Transition records when a future entered a state, as time elapsed since
// its creation.
type Transition struct {
	State   State
	Elapsed time.Duration
}

// Future tracks the lifecycle of a single submitted request. It is created
// by Executor.Submit and resolves to a Result once the remote request has
// completed and its output has been downloaded.
//
// State is mutated only by the worker that owns the future; the one
// exception is cancellation of a future that no worker has picked up yet.
// All accessors are safe for concurrent use.
type Future struct {
	id     uuid.UUID
	spec   map[string]string
	target string
	start  time.Time

	mu          sync.Mutex
	state       State
	claimed     bool
	handle      JobHandle
	result      *Result
	err         error
	end         time.Time
	transitions []Transition
	callbacks   []func(*Future)

	done      chan struct{}
	cancelReq chan struct{}
	cancelOne sync.Once
}

func newFuture(spec map[string]string, target string) *Future {
	f := &Future{
		id:        uuid.New(),
		spec:      spec,
		target:    target,
		start:     time.Now().UTC(),
		state:     StatePending,
		done:      make(chan struct{}),
		cancelReq: make(chan struct{}),
	}
	f.transitions = append(f.transitions, Transition{StatePending, 0})
	return f
}

// ID is a process-local identifier for log correlation. It is unrelated to
// the handle assigned by the remote service.
func (f *Future) ID() uuid.UUID {
	return f.id
}

// Spec returns a copy of the request parameters, including merged defaults.
func (f *Future) Spec() map[string]string {
	return maps.Clone(f.spec)
}

// Target returns the local destination of the request output.
func (f *Future) Target() string {
	return f.target
}

// State returns the current lifecycle state.
func (f *Future) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Handle returns the remote handle, or the empty handle while the future
// has not been submitted yet.
func (f *Future) Handle() JobHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handle
}

// Done reports whether the future has reached a terminal state.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// DoneChan returns a channel that is closed when the future becomes
// terminal.
func (f *Future) DoneChan() <-chan struct{} {
	return f.done
}

// Cancelled reports whether the future resolved to StateCancelled.
func (f *Future) Cancelled() bool {
	return f.State() == StateCancelled
}

// Err returns the failure cause of an errored future, ErrCancelled for a
// cancelled one and nil otherwise. It does not block; a future that is not
// yet terminal reports nil.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case StateErrored:
		return f.err
	case StateCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// Result blocks until the future is terminal or ctx is done. It returns
// the stored failure for an errored future, ErrCancelled for a cancelled
// one and ctx.Err() if the context expires first. A context deadline does
// not affect the state of the future itself.
func (f *Future) Result(ctx context.Context) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case StateCancelled:
		return nil, ErrCancelled
	case StateErrored:
		return nil, f.err
	default:
		return f.result, nil
	}
}

// Elapsed returns the time between creation of the future and its terminal
// transition, or the time since creation while it is still running.
func (f *Future) Elapsed() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.end.IsZero() {
		return f.end.Sub(f.start)
	}
	return time.Since(f.start)
}

// Transitions returns the recorded state transitions in order, each with
// the elapsed time at which it happened.
func (f *Future) Transitions() []Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Transition, len(f.transitions))
	copy(out, f.transitions)
	return out
}

// OnTransition registers fn to be called after every state change, with
// the future as its argument. Callbacks registered before submission are
// invoked in registration order from the goroutine driving the transition.
func (f *Future) OnTransition(fn func(*Future)) {
	if fn == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, fn)
}

// Cancel requests cancellation. A future that no worker has picked up yet
// becomes StateCancelled immediately and is never submitted to the remote
// service. A future that is submitted or remote-active is cancelled
// best-effort by its owning worker, which issues a single remote cancel
// call. Cancel reports whether the request was accepted; it returns false
// once the future is fetching or terminal.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	if f.state == StatePending && !f.claimed {
		f.toLocked(StateCancelled)
		f.mu.Unlock()
		f.signalCancel()
		f.notify()
		return true
	}
	if f.state == StateSubmitted || f.state == StateActive || f.state == StatePending {
		f.mu.Unlock()
		f.signalCancel()
		return true
	}
	f.mu.Unlock()
	return false
}

func (f *Future) signalCancel() {
	f.cancelOne.Do(func() { close(f.cancelReq) })
}

func (f *Future) cancelRequested() bool {
	select {
	case <-f.cancelReq:
		return true
	default:
		return false
	}
}

// claim marks the future as owned by a worker. It fails if the future was
// cancelled while still queued, in which case the worker must skip it.
func (f *Future) claim() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StatePending {
		return false
	}
	f.claimed = true
	return true
}

// toLocked performs a state transition and reports whether it took place.
// Callers hold f.mu. Transitions out of a terminal state are ignored, as
// terminal state is immutable.
func (f *Future) toLocked(s State) bool {
	if f.state.Terminal() {
		return false
	}
	f.state = s
	f.transitions = append(f.transitions, Transition{s, time.Since(f.start)})
	if s.Terminal() {
		f.end = time.Now().UTC()
		close(f.done)
	}
	return true
}

// notify invokes the registered transition callbacks outside the lock.
func (f *Future) notify() {
	f.mu.Lock()
	cbs := make([]func(*Future), len(f.callbacks))
	copy(cbs, f.callbacks)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(f)
	}
}

func (f *Future) setSubmitted(handle JobHandle) {
	f.mu.Lock()
	f.handle = handle
	changed := f.toLocked(StateSubmitted)
	f.mu.Unlock()
	if changed {
		f.notify()
	}
}

func (f *Future) setActive() {
	f.mu.Lock()
	if f.state != StateSubmitted {
		f.mu.Unlock()
		return
	}
	changed := f.toLocked(StateActive)
	f.mu.Unlock()
	if changed {
		f.notify()
	}
}

func (f *Future) setFetching() {
	f.mu.Lock()
	changed := f.toLocked(StateFetching)
	f.mu.Unlock()
	if changed {
		f.notify()
	}
}

func (f *Future) resolve(result *Result) {
	f.mu.Lock()
	changed := f.toLocked(StateDone)
	if changed {
		f.result = result
	}
	f.mu.Unlock()
	if changed {
		f.notify()
	}
}

func (f *Future) fail(err error) {
	f.mu.Lock()
	changed := f.toLocked(StateErrored)
	if changed {
		f.err = err
	}
	f.mu.Unlock()
	if changed {
		f.notify()
	}
}

func (f *Future) markCancelled() {
	f.mu.Lock()
	changed := f.toLocked(StateCancelled)
	f.mu.Unlock()
	if changed {
		f.notify()
	}
}
