package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/heyalexchoi/tenex-better-perplexity/internal/engine"
	"github.com/heyalexchoi/tenex-better-perplexity/internal/event"
	"github.com/heyalexchoi/tenex-better-perplexity/internal/screenshot"
	"github.com/heyalexchoi/tenex-better-perplexity/internal/state"
)

var (
	ErrEmptyMessage = errors.New("message content is required")
	ErrRunActive    = errors.New("agent is already running")
	ErrNoActiveRun  = errors.New("no active agent run")
)

// Registry owns the per-session runtime state and arbitrates the
// one-active-run-per-session rule. All run lifecycles start at Submit and
// end when the supervisor releases the slot after the terminal event.
type Registry struct {
	store  *state.Store
	engine engine.Engine
	shots  *screenshot.Store

	drainGrace time.Duration

	mu     sync.Mutex
	active map[string]*runtime
}

type Option func(*Registry)

// WithDrainGrace overrides how long a finished runtime stays registered so
// attached subscribers can drain the terminal event.
func WithDrainGrace(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.drainGrace = d
		}
	}
}

func NewRegistry(store *state.Store, eng engine.Engine, shots *screenshot.Store, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		engine:     eng,
		shots:      shots,
		drainGrace: 2 * time.Second,
		active:     map[string]*runtime{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// runtime is the in-memory state of one run. It is never reused: a new
// Submit always installs a fresh runtime.
type runtime struct {
	sessionID string
	bcast     *broadcaster
	cancel    context.CancelFunc
	done      chan struct{}
}

func (rt *runtime) finished() bool {
	select {
	case <-rt.done:
		return true
	default:
		return false
	}
}

// Submit persists the user message and starts a supervised run for it.
// The check-and-set on the runtime map is the one critical section: of two
// near-simultaneous submissions for a session, exactly one wins and the
// other observes ErrRunActive.
func (r *Registry) Submit(ctx context.Context, sessionID, content string) (state.Message, error) {
	if strings.TrimSpace(content) == "" {
		return state.Message{}, ErrEmptyMessage
	}
	if _, err := r.store.GetSession(ctx, sessionID); err != nil {
		return state.Message{}, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rt := &runtime{
		sessionID: sessionID,
		bcast:     newBroadcaster(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if existing := r.active[sessionID]; existing != nil && !existing.finished() {
		r.mu.Unlock()
		cancel()
		return state.Message{}, ErrRunActive
	}
	r.active[sessionID] = rt
	r.mu.Unlock()

	msg, err := r.store.CreateMessage(ctx, sessionID, state.RoleUser, content, nil)
	if err != nil {
		r.release(rt)
		cancel()
		return state.Message{}, err
	}
	if err := r.store.SetSessionStatus(ctx, sessionID, state.StatusRunning); err != nil {
		r.release(rt)
		cancel()
		return state.Message{}, err
	}

	go r.run(runCtx, rt, content)
	return msg, nil
}

// Subscription is one viewer's attachment to a run's live channel. Events
// arrives in supervisor order and is closed after the terminal event; a
// reader that finds the channel closed early consults Terminal.
type Subscription struct {
	Events <-chan event.Event

	bcast  *broadcaster
	cancel func()
}

func (s *Subscription) Terminal() (event.Event, bool) {
	return s.bcast.terminalEvent()
}

func (s *Subscription) Close() {
	s.cancel()
}

// Subscribe attaches a new reader to the session's current run. Late
// subscribers see only subsequent events, never history.
func (r *Registry) Subscribe(sessionID string) (*Subscription, error) {
	r.mu.Lock()
	rt := r.active[sessionID]
	r.mu.Unlock()
	if rt == nil {
		return nil, ErrNoActiveRun
	}
	ch, cancelSub := rt.bcast.subscribe()
	return &Subscription{Events: ch, bcast: rt.bcast, cancel: cancelSub}, nil
}

// Cancel requests cooperative cancellation of the session's active run and
// waits (bounded by ctx) until its terminal event has been enqueued. With no
// active run it is a no-op.
func (r *Registry) Cancel(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	rt := r.active[sessionID]
	r.mu.Unlock()
	if rt == nil || rt.finished() {
		return nil
	}
	rt.cancel()
	select {
	case <-rt.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) release(rt *runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[rt.sessionID] == rt {
		delete(r.active, rt.sessionID)
	}
}
