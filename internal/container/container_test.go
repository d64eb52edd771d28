package container

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type clock struct{ name string }

type closer struct {
	name string
	log  *[]string
}

func (c *closer) Close() error {
	*c.log = append(*c.log, c.name)
	return nil
}

func TestRegisterAndGet(t *testing.T) {
	c := New(zap.NewNop())
	inst := &clock{name: "wall"}
	require.NoError(t, c.Register("clock", inst))

	got, err := c.Get("clock")
	require.NoError(t, err)
	assert.Same(t, inst, got)

	typed, err := Resolve[*clock](c, "clock")
	require.NoError(t, err)
	assert.Same(t, inst, typed)

	_, err = Resolve[string](c, "clock")
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = c.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, c.Register("", inst), ErrInvalidRegistration)
	assert.ErrorIs(t, c.Register("nil", nil), ErrInvalidRegistration)
}

func TestFactoryIsLazyAndCached(t *testing.T) {
	c := New(zap.NewNop())
	var built atomic.Int32
	require.NoError(t, c.RegisterFactory("clock", func(*Container) (any, error) {
		built.Add(1)
		return &clock{name: "lazy"}, nil
	}))
	assert.Equal(t, int32(0), built.Load())
	assert.True(t, c.Has("clock"))

	a, err := c.Get("clock")
	require.NoError(t, err)
	b, err := c.Get("clock")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, int32(1), built.Load())
}

func TestFactoryErrorIsNotCached(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	c := New(zap.New(core))

	fail := true
	require.NoError(t, c.RegisterFactory("db", func(*Container) (any, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return "db", nil
	}))

	_, err := c.Get("db")
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 1, logs.FilterMessage("service factory failed").Len())

	fail = false
	v, err := c.Get("db")
	require.NoError(t, err)
	assert.Equal(t, "db", v)
}

func TestFactoryResolvesDependencies(t *testing.T) {
	c := New(zap.NewNop())
	require.NoError(t, c.Register("name", "wall"))
	require.NoError(t, c.RegisterFactory("clock", func(c *Container) (any, error) {
		name, err := Resolve[string](c, "name")
		if err != nil {
			return nil, err
		}
		return &clock{name: name}, nil
	}))

	got := MustResolve[*clock](c, "clock")
	assert.Equal(t, "wall", got.name)
	assert.Panics(t, func() { MustResolve[*clock](c, "nope") })
}

func TestCircularDependency(t *testing.T) {
	c := New(zap.NewNop())
	require.NoError(t, c.RegisterFactory("a", func(c *Container) (any, error) { return c.Get("b") }))
	require.NoError(t, c.RegisterFactory("b", func(c *Container) (any, error) { return c.Get("a") }))

	_, err := c.Get("a")
	assert.ErrorIs(t, err, ErrCircularDependency)
	assert.True(t, c.Has("a"), "failed builds keep the factory")
}

func TestConcurrentGetBuildsOnce(t *testing.T) {
	c := New(zap.NewNop())
	var built atomic.Int32
	release := make(chan struct{})
	require.NoError(t, c.RegisterFactory("slow", func(*Container) (any, error) {
		built.Add(1)
		<-release
		return &clock{}, nil
	}))

	var wg sync.WaitGroup
	results := make([]any, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get("slow")
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), built.Load())
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestOverwriteUnregisterClear(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	c := New(zap.New(core))

	require.NoError(t, c.Register("x", 1))
	require.NoError(t, c.Register("x", 2))
	assert.Equal(t, 1, logs.FilterMessage("service overwritten").Len())
	v, _ := c.Get("x")
	assert.Equal(t, 2, v)

	require.NoError(t, c.RegisterFactory("x", func(*Container) (any, error) { return 3, nil }))
	v, _ = c.Get("x")
	assert.Equal(t, 3, v)

	require.NoError(t, c.RegisterFactory("y", func(*Container) (any, error) { return 4, nil }))
	info := c.Info()
	assert.Equal(t, 1, info.Services)
	assert.Equal(t, 1, info.Factories)
	assert.Equal(t, []string{"x", "y"}, info.Names)

	assert.True(t, c.Unregister("x"))
	assert.False(t, c.Unregister("x"))
	assert.False(t, c.Has("x"))

	c.Clear()
	assert.False(t, c.Has("y"))
	_, err := c.Get("y")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloseReverseBuildOrder(t *testing.T) {
	c := New(zap.NewNop())
	var closed []string
	require.NoError(t, c.Register("external", &closer{name: "external", log: &closed}))
	require.NoError(t, c.RegisterFactory("store", func(*Container) (any, error) {
		return &closer{name: "store", log: &closed}, nil
	}))
	require.NoError(t, c.RegisterFactory("tracker", func(c *Container) (any, error) {
		if _, err := c.Get("store"); err != nil {
			return nil, err
		}
		return &closer{name: "tracker", log: &closed}, nil
	}))

	_, err := c.Get("tracker")
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.Equal(t, []string{"tracker", "store"}, closed)
}
