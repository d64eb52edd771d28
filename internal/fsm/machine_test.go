package fsm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func always(v bool) Condition {
	return func(context.Context) (bool, error) { return v, nil }
}

func TestAddTransitionValidation(t *testing.T) {
	m := New("t", Idle, zap.NewNop())

	tests := []struct {
		name string
		tr   Transition
	}{
		{"bad source", Transition{From: "nope", To: Idle, Condition: always(true)}},
		{"bad target", Transition{From: Idle, To: "nope", Condition: always(true)}},
		{"nil condition", Transition{From: Idle, To: WaitingEntry}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.AddTransition(tt.tr)
			assert.ErrorIs(t, err, ErrInvalidTransition)
		})
	}

	require.NoError(t, m.AddTransition(Transition{From: Idle, To: WaitingEntry, Condition: always(true)}))
	assert.Equal(t, []string{"idle -> waiting_entry"}, m.Info().Transitions[Idle])
}

func TestTickSubmitsOrderAndEntersWaitingEntry(t *testing.T) {
	m := New("entry", Idle, zap.NewNop())

	hasSignal := true
	var tracked []string
	submit := func(context.Context) error {
		tracked = append(tracked, "X")
		return nil
	}
	require.NoError(t, m.AddTransition(Transition{
		From: Idle, To: WaitingEntry, Name: "entry",
		Condition: func(context.Context) (bool, error) { return hasSignal, nil },
		Action:    submit,
	}))

	assert.True(t, m.Tick(context.Background()))
	assert.Equal(t, WaitingEntry, m.Current())
	assert.Equal(t, Idle, m.Previous())
	assert.Equal(t, 1, m.TransitionCount())
	assert.Equal(t, []string{"X"}, tracked)
}

func TestTickFiresFirstMatchOnly(t *testing.T) {
	m := New("order", Idle, zap.NewNop())

	var fired []string
	add := func(name string, to State, ok bool) {
		require.NoError(t, m.AddTransition(Transition{
			From: Idle, To: to, Name: name, Condition: always(ok),
			Action: func(context.Context) error { fired = append(fired, name); return nil },
		}))
	}
	add("skip", Cooldown, false)
	add("first", WaitingEntry, true)
	add("second", InPosition, true)

	assert.True(t, m.Tick(context.Background()))
	assert.Equal(t, WaitingEntry, m.Current())
	assert.Equal(t, []string{"first"}, fired)

	// no rules for waiting_entry
	assert.False(t, m.Tick(context.Background()))
	assert.Equal(t, 1, m.TransitionCount())
}

func TestTickActionFailureLeavesStateUnchanged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m := New("fail", Idle, zap.New(core))

	require.NoError(t, m.AddTransition(Transition{
		From: Idle, To: WaitingEntry, Name: "entry",
		Condition: always(true),
		Action:    func(context.Context) error { return errors.New("exchange down") },
	}))

	assert.False(t, m.Tick(context.Background()))
	assert.Equal(t, Idle, m.Current())
	assert.Equal(t, 0, m.TransitionCount())

	failed := logs.FilterMessage("transition action failed, state unchanged")
	require.Equal(t, 1, failed.Len())
	assert.Equal(t, zapcore.ErrorLevel, failed.All()[0].Level)
	assert.Equal(t, "entry", failed.All()[0].ContextMap()["transition"])
}

func TestTickContainsPanicsAndContinues(t *testing.T) {
	m := New("panic", Idle, zap.NewNop())

	require.NoError(t, m.AddTransition(Transition{
		From: Idle, To: Cooldown,
		Condition: func(context.Context) (bool, error) { panic("bad predicate") },
	}))
	require.NoError(t, m.AddTransition(Transition{
		From: Idle, To: InPosition, Condition: always(true),
		Action: func(context.Context) error { panic("bad action") },
	}))
	require.NoError(t, m.AddTransition(Transition{
		From: Idle, To: WaitingEntry,
		Condition: func(context.Context) (bool, error) { return false, errors.New("no data") },
	}))

	assert.NotPanics(t, func() {
		assert.False(t, m.Tick(context.Background()))
	})
	assert.Equal(t, Idle, m.Current())

	require.NoError(t, m.AddTransition(Transition{From: Idle, To: WaitingEntry, Condition: always(true)}))
	assert.True(t, m.Tick(context.Background()))
	assert.Equal(t, WaitingEntry, m.Current())
}

func TestForceTransitionDuringActionWins(t *testing.T) {
	m := New("race", Idle, zap.NewNop())
	require.NoError(t, m.AddTransition(Transition{
		From: Idle, To: WaitingEntry, Condition: always(true),
		Action: func(context.Context) error {
			return m.ForceTransition(Cooldown)
		},
	}))

	assert.False(t, m.Tick(context.Background()))
	assert.Equal(t, Cooldown, m.Current())
	assert.Equal(t, 0, m.TransitionCount())
}

func TestDispatch(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m := New("dispatch", Idle, zap.New(core))

	assert.Nil(t, m.Dispatch(context.Background()))
	assert.Equal(t, 1, logs.FilterMessage("no handler for state").Len())

	require.NoError(t, m.RegisterHandler(Idle, func(_ context.Context, args ...any) (any, error) {
		return len(args), nil
	}))
	assert.Equal(t, 2, m.Dispatch(context.Background(), "a", "b"))

	require.NoError(t, m.RegisterHandler(Idle, func(context.Context, ...any) (any, error) {
		return nil, errors.New("boom")
	}))
	assert.Equal(t, 1, logs.FilterMessage("handler replaced").Len())
	assert.Nil(t, m.Dispatch(context.Background()))

	require.NoError(t, m.RegisterHandler(Idle, func(context.Context, ...any) (any, error) {
		panic("handler panic")
	}))
	assert.Nil(t, m.Dispatch(context.Background()))
	assert.Equal(t, 2, logs.FilterMessage("state handler failed").Len())

	assert.ErrorIs(t, m.RegisterHandler("bogus", func(context.Context, ...any) (any, error) { return nil, nil }), ErrInvalidState)
}

func TestForceTransitionLogsWarnAndNotifies(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m := New("force", Idle, zap.New(core))

	var seen []string
	m.OnTransition(func(from, to State, name string) {
		seen = append(seen, string(from)+">"+string(to)+":"+name)
	})

	require.NoError(t, m.ForceTransition(InPosition))
	assert.Equal(t, InPosition, m.Current())
	assert.Equal(t, []string{"idle>in_position:forced"}, seen)

	forced := logs.FilterMessage("forced state transition")
	require.Equal(t, 1, forced.Len())
	assert.Equal(t, zapcore.WarnLevel, forced.All()[0].Level)

	assert.ErrorIs(t, m.ForceTransition("bogus"), ErrInvalidState)
}

func TestReset(t *testing.T) {
	m := New("reset", Idle, zap.NewNop())
	require.NoError(t, m.AddTransition(Transition{From: Idle, To: WaitingEntry, Condition: always(true)}))
	require.True(t, m.Tick(context.Background()))

	require.NoError(t, m.Reset())
	assert.Equal(t, WaitingEntry, m.Current())
	assert.Equal(t, 0, m.TransitionCount())
	assert.Equal(t, State(""), m.Previous())

	require.NoError(t, m.Reset(Idle))
	assert.Equal(t, Idle, m.Current())
	assert.ErrorIs(t, m.Reset("bogus"), ErrInvalidState)
}

func TestIntrospection(t *testing.T) {
	m := New("intro", "", zap.NewNop())
	assert.Equal(t, Idle, m.Current())

	require.NoError(t, m.AddTransition(Transition{From: Idle, To: WaitingEntry, Condition: always(false)}))
	require.NoError(t, m.AddTransition(Transition{From: Idle, To: Cooldown, Name: "pause", Condition: always(false)}))
	require.NoError(t, m.RegisterHandler(Cooldown, func(context.Context, ...any) (any, error) { return nil, nil }))
	require.NoError(t, m.RegisterHandler(Idle, func(context.Context, ...any) (any, error) { return nil, nil }))

	assert.True(t, m.HasTransition(Idle, Cooldown))
	assert.False(t, m.HasTransition(Cooldown, Idle))
	assert.Len(t, m.PossibleTransitions(), 2)

	info := m.Info()
	assert.Equal(t, "intro", info.Name)
	assert.Equal(t, []string{"idle -> waiting_entry", "pause"}, info.Transitions[Idle])
	assert.Equal(t, []State{Cooldown, Idle}, info.Handlers)
}

func TestConcurrentTicksCommitOnce(t *testing.T) {
	m := New("concurrent", Idle, zap.NewNop())
	require.NoError(t, m.AddTransition(Transition{From: Idle, To: WaitingEntry, Condition: always(true)}))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fired int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Tick(context.Background()) {
				mu.Lock()
				fired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fired)
	assert.Equal(t, WaitingEntry, m.Current())
	assert.Equal(t, 1, m.TransitionCount())
}

func TestParseState(t *testing.T) {
	s, err := ParseState("cooldown")
	require.NoError(t, err)
	assert.Equal(t, Cooldown, s)

	_, err = ParseState("COOLDOWN")
	assert.ErrorIs(t, err, ErrInvalidState)
}
