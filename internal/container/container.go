package container

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrNotFound            = errors.New("container: service not registered")
	ErrTypeMismatch        = errors.New("container: service has unexpected type")
	ErrCircularDependency  = errors.New("container: circular dependency")
	ErrInvalidRegistration = errors.New("container: invalid registration")
)

// Factory lazily builds a service. It may resolve other services from c.
type Factory func(c *Container) (any, error)

type factoryEntry struct {
	fn  Factory
	gen uint64
}

type call struct {
	done chan struct{}
	val  any
	err  error
}

type registry struct {
	log *zap.Logger

	mu        sync.Mutex
	gen       uint64
	services  map[string]any
	factories map[string]factoryEntry
	inflight  map[string]*call
	order     []string // factory-built services, in build order
}

// Container is a registry of named singletons and lazy factories. The value
// handed to a factory shares the registry but remembers which names are
// being built on that path, which is how cycles are detected.
type Container struct {
	reg   *registry
	chain []string
}

// Info summarises the registry.
type Info struct {
	Services  int      `json:"services"`
	Factories int      `json:"factories"`
	Names     []string `json:"names"`
}

func New(log *zap.Logger) *Container {
	if log == nil {
		log = zap.NewNop()
	}
	return &Container{reg: &registry{
		log:       log.With(zap.String("component", "container")),
		services:  make(map[string]any),
		factories: make(map[string]factoryEntry),
		inflight:  make(map[string]*call),
	}}
}

// Register binds name to a ready instance, replacing any earlier binding.
func (c *Container) Register(name string, instance any) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRegistration)
	}
	if instance == nil {
		return fmt.Errorf("%w: nil instance for %q", ErrInvalidRegistration, name)
	}

	r := c.reg
	r.mu.Lock()
	replaced := r.bound(name)
	r.services[name] = instance
	delete(r.factories, name)
	r.mu.Unlock()

	if replaced {
		r.log.Warn("service overwritten", zap.String("name", name))
	}
	return nil
}

// RegisterFactory binds name to a lazy constructor, dropping any cached
// instance under the same name.
func (c *Container) RegisterFactory(name string, f Factory) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRegistration)
	}
	if f == nil {
		return fmt.Errorf("%w: nil factory for %q", ErrInvalidRegistration, name)
	}

	r := c.reg
	r.mu.Lock()
	replaced := r.bound(name)
	r.gen++
	r.factories[name] = factoryEntry{fn: f, gen: r.gen}
	delete(r.services, name)
	r.mu.Unlock()

	if replaced {
		r.log.Warn("service overwritten", zap.String("name", name))
	}
	return nil
}

// Get returns the named service, building it on first use. Concurrent first
// uses share one factory call.
func (c *Container) Get(name string) (any, error) {
	if slices.Contains(c.chain, name) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrCircularDependency, strings.Join(c.chain, " -> "), name)
	}

	r := c.reg
	r.mu.Lock()
	if svc, ok := r.services[name]; ok {
		r.mu.Unlock()
		return svc, nil
	}
	if cl, ok := r.inflight[name]; ok {
		r.mu.Unlock()
		<-cl.done
		return cl.val, cl.err
	}
	fe, ok := r.factories[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	cl := &call{done: make(chan struct{})}
	r.inflight[name] = cl
	r.mu.Unlock()

	scoped := &Container{reg: r, chain: append(slices.Clone(c.chain), name)}
	svc, err := fe.fn(scoped)
	if err == nil && svc == nil {
		err = fmt.Errorf("%w: factory for %q returned nil", ErrInvalidRegistration, name)
	}

	r.mu.Lock()
	delete(r.inflight, name)
	switch {
	case err != nil:
		r.log.Error("service factory failed", zap.String("name", name), zap.Error(err))
		err = fmt.Errorf("build %q: %w", name, err)
	default:
		if cur, ok := r.factories[name]; ok && cur.gen == fe.gen {
			r.services[name] = svc
			delete(r.factories, name)
			r.order = append(r.order, name)
		}
	}
	r.mu.Unlock()

	cl.val, cl.err = svc, err
	close(cl.done)
	if err != nil {
		return nil, err
	}
	r.log.Debug("service built", zap.String("name", name))
	return svc, nil
}

// Has reports whether name is bound to an instance or a factory.
func (c *Container) Has(name string) bool {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	return c.reg.bound(name)
}

// Unregister removes name and reports whether it was bound.
func (c *Container) Unregister(name string) bool {
	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	ok := r.bound(name)
	delete(r.services, name)
	delete(r.factories, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	return ok
}

// Clear drops every instance and factory without closing anything.
func (c *Container) Clear() {
	r := c.reg
	r.mu.Lock()
	r.services = make(map[string]any)
	r.factories = make(map[string]factoryEntry)
	r.order = nil
	r.mu.Unlock()
	r.log.Debug("container cleared")
}

func (c *Container) Info() Info {
	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	info := Info{Services: len(r.services), Factories: len(r.factories)}
	for n := range r.services {
		info.Names = append(info.Names, n)
	}
	for n := range r.factories {
		info.Names = append(info.Names, n)
	}
	sort.Strings(info.Names)
	return info
}

// Close closes factory-built services implementing io.Closer in reverse
// build order. Instances passed to Register are owned by the caller.
func (c *Container) Close() error {
	r := c.reg
	r.mu.Lock()
	order := slices.Clone(r.order)
	built := make([]any, len(order))
	for i, n := range order {
		built[i] = r.services[n]
	}
	r.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		closer, ok := built[i].(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", order[i], err))
		}
	}
	return errors.Join(errs...)
}

// bound must be called with mu held.
func (r *registry) bound(name string) bool {
	_, s := r.services[name]
	_, f := r.factories[name]
	return s || f
}

// Resolve returns the named service as a T.
func Resolve[T any](c *Container, name string) (T, error) {
	var zero T
	svc, err := c.Get(name)
	if err != nil {
		return zero, err
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %q is %T, want %T", ErrTypeMismatch, name, svc, zero)
	}
	return typed, nil
}

// MustResolve is Resolve for wiring code where a missing service is a bug.
func MustResolve[T any](c *Container, name string) T {
	v, err := Resolve[T](c, name)
	if err != nil {
		panic(err)
	}
	return v
}
