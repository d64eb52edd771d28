package fsm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Condition decides whether a transition may fire. It must not mutate state.
type Condition func(ctx context.Context) (bool, error)

// Action runs before a transition commits. A non-nil error aborts the transition.
type Action func(ctx context.Context) error

// Handler is the per-state work invoked by Dispatch.
type Handler func(ctx context.Context, args ...any) (any, error)

// Observer is notified after a transition has been committed.
type Observer func(from, to State, name string)

// Transition is an immutable rule in the transition table.
type Transition struct {
	From      State
	To        State
	Name      string
	Condition Condition
	Action    Action
}

// Info is a point-in-time view of a machine, used by status endpoints.
type Info struct {
	Name             string             `json:"name"`
	Current          State              `json:"current"`
	Previous         State              `json:"previous,omitempty"`
	TransitionCount  int                `json:"transition_count"`
	LastTransitionAt time.Time          `json:"last_transition_at,omitempty"`
	Transitions      map[State][]string `json:"transitions"`
	Handlers         []State            `json:"handlers"`
}

// Machine drives the lifecycle of a single strategy instance.
//
// Tick and Dispatch are serialized against each other so that at most one
// evaluation cycle is in flight. ForceTransition only takes the state lock and
// may be called while an action is running; the running transition then
// declines to commit.
type Machine struct {
	name string
	log  *zap.Logger

	cycleMu sync.Mutex

	mu          sync.RWMutex
	current     State
	previous    State
	count       int
	lastAt      time.Time
	transitions map[State][]Transition
	handlers    map[State]Handler
	observers   []Observer
}

// New creates a machine in the given initial state (IDLE when empty or invalid).
func New(name string, initial State, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "fsm"), zap.String("machine", name))
	if initial == "" {
		initial = Idle
	}
	if !initial.Valid() {
		log.Warn("invalid initial state, falling back to idle", zap.String("state", string(initial)))
		initial = Idle
	}
	return &Machine{
		name:        name,
		log:         log,
		current:     initial,
		transitions: make(map[State][]Transition),
		handlers:    make(map[State]Handler),
	}
}

// AddTransition appends a rule under its source state. Rules are evaluated in
// registration order and duplicates are allowed.
func (m *Machine) AddTransition(t Transition) error {
	if !t.From.Valid() {
		return fmt.Errorf("%w: unknown source state %q", ErrInvalidTransition, t.From)
	}
	if !t.To.Valid() {
		return fmt.Errorf("%w: unknown target state %q", ErrInvalidTransition, t.To)
	}
	if t.Condition == nil {
		return fmt.Errorf("%w: %s -> %s has no condition", ErrInvalidTransition, t.From, t.To)
	}
	if t.Name == "" {
		t.Name = fmt.Sprintf("%s -> %s", t.From, t.To)
	}

	m.mu.Lock()
	m.transitions[t.From] = append(m.transitions[t.From], t)
	m.mu.Unlock()

	m.log.Debug("transition registered", zap.String("transition", t.Name))
	return nil
}

// RegisterHandler binds the handler for a state, replacing any previous one.
func (m *Machine) RegisterHandler(s State, h Handler) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, s)
	}
	if h == nil {
		return fmt.Errorf("fsm: nil handler for %s", s)
	}

	m.mu.Lock()
	_, replaced := m.handlers[s]
	m.handlers[s] = h
	m.mu.Unlock()

	if replaced {
		m.log.Info("handler replaced", zap.String("state", string(s)))
	}
	return nil
}

// OnTransition registers an observer called after every committed transition,
// including forced ones. Observers run outside the machine's locks.
func (m *Machine) OnTransition(o Observer) {
	if o == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// Tick evaluates the rules of the current state and fires at most one.
// It reports whether a transition was committed. Errors and panics raised by
// conditions or actions are logged and skip that rule only.
func (m *Machine) Tick(ctx context.Context) bool {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	m.mu.RLock()
	from := m.current
	rules := append([]Transition(nil), m.transitions[from]...)
	m.mu.RUnlock()

	for _, rule := range rules {
		if ctx.Err() != nil {
			return false
		}

		var ok bool
		err := guard(func() error {
			var cerr error
			ok, cerr = rule.Condition(ctx)
			return cerr
		})
		if err != nil {
			m.log.Error("transition condition failed", zap.String("transition", rule.Name), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		if rule.Action != nil {
			if err := guard(func() error { return rule.Action(ctx) }); err != nil {
				m.log.Error("transition action failed, state unchanged",
					zap.String("transition", rule.Name),
					zap.String("state", string(from)),
					zap.Error(err),
				)
				continue
			}
		}

		if !m.commit(from, rule.To, rule.Name) {
			m.log.Warn("state changed during action, transition dropped",
				zap.String("transition", rule.Name))
			return false
		}
		return true
	}
	return false
}

// commit applies from -> to if the machine is still in from.
func (m *Machine) commit(from, to State, name string) bool {
	m.mu.Lock()
	if m.current != from {
		m.mu.Unlock()
		return false
	}
	m.previous = from
	m.current = to
	m.count++
	m.lastAt = time.Now()
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	m.log.Info("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("transition", name),
	)
	m.notify(observers, from, to, name)
	return true
}

func (m *Machine) notify(observers []Observer, from, to State, name string) {
	for _, o := range observers {
		if err := guard(func() error { o(from, to, name); return nil }); err != nil {
			m.log.Error("transition observer failed", zap.Error(err))
		}
	}
}

// Dispatch runs the handler registered for the current state. A missing
// handler, an error or a panic yields a nil result.
func (m *Machine) Dispatch(ctx context.Context, args ...any) any {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	m.mu.RLock()
	state := m.current
	h := m.handlers[state]
	m.mu.RUnlock()

	if h == nil {
		m.log.Warn("no handler for state", zap.String("state", string(state)))
		return nil
	}

	var out any
	err := guard(func() error {
		var herr error
		out, herr = h(ctx, args...)
		return herr
	})
	if err != nil {
		m.log.Error("state handler failed", zap.String("state", string(state)), zap.Error(err))
		return nil
	}
	return out
}

// ForceTransition moves the machine to s without evaluating any rule.
// Reserved for crash recovery and operator overrides.
func (m *Machine) ForceTransition(s State) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, s)
	}

	m.mu.Lock()
	from := m.current
	m.previous = from
	m.current = s
	m.lastAt = time.Now()
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	m.log.Warn("forced state transition",
		zap.String("from", string(from)),
		zap.String("to", string(s)),
	)
	m.notify(observers, from, s, "forced")
	return nil
}

// Reset clears the transition counter and previous state. When a state is
// given the machine is also moved there; otherwise the current state is kept.
func (m *Machine) Reset(state ...State) error {
	var target State
	if len(state) > 0 {
		target = state[0]
		if !target.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidState, target)
		}
	}

	m.mu.Lock()
	if target != "" {
		m.current = target
	}
	m.previous = ""
	m.count = 0
	m.lastAt = time.Time{}
	current := m.current
	m.mu.Unlock()

	m.log.Info("state machine reset", zap.String("state", string(current)))
	return nil
}

func (m *Machine) Name() string { return m.name }

func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Machine) Previous() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.previous
}

func (m *Machine) TransitionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// HasTransition reports whether any rule from -> to is registered.
func (m *Machine) HasTransition(from, to State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.transitions[from] {
		if t.To == to {
			return true
		}
	}
	return false
}

// PossibleTransitions returns the rules registered for the current state.
func (m *Machine) PossibleTransitions() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transition(nil), m.transitions[m.current]...)
}

// Info returns a snapshot of the machine.
func (m *Machine) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := Info{
		Name:             m.name,
		Current:          m.current,
		Previous:         m.previous,
		TransitionCount:  m.count,
		LastTransitionAt: m.lastAt,
		Transitions:      make(map[State][]string, len(m.transitions)),
		Handlers:         make([]State, 0, len(m.handlers)),
	}
	for from, rules := range m.transitions {
		names := make([]string, 0, len(rules))
		for _, r := range rules {
			names = append(names, r.Name)
		}
		info.Transitions[from] = names
	}
	for s := range m.handlers {
		info.Handlers = append(info.Handlers, s)
	}
	sort.Slice(info.Handlers, func(i, j int) bool { return info.Handlers[i] < info.Handlers[j] })
	return info
}

// guard converts a panic inside fn into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
