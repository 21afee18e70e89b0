package pattern

import (
	"fmt"
	"sort"
	"sync"
)

// ObserverReceiver is told by an observer when it turns true or false.
type ObserverReceiver interface {
	ObserverTrue(m *MatchedEvents, quitted bool)
	ObserverFalse(restartable bool)
}

// ObserverPlugin is one running observer instance.
type ObserverPlugin interface {
	Start()
	Stop()
}

// ObserverFactory creates observer instances. Factories are resolved when the
// pattern is compiled.
type ObserverFactory interface {
	Name() string
	NewObserver(env *Env, begin *MatchedEvents, receiver ObserverReceiver) ObserverPlugin
}

// GuardPlugin is one running guard instance. Inspect decides whether a match
// of the guarded expression passes and whether the guard is done after it.
type GuardPlugin interface {
	Start()
	Stop()
	Inspect(m *MatchedEvents) (pass, quit bool)
}

// GuardFactory creates guard instances. quit ends the guarded expression,
// for example when a time limit expires.
type GuardFactory interface {
	Name() string
	NewGuard(env *Env, quit func()) GuardPlugin
}

// Params are the compiled arguments of a plug-in: numbers, strings or
// expression trees.
type Params []any

// ObserverConstructor builds an observer factory from its parameters.
type ObserverConstructor func(params Params) (ObserverFactory, error)

// GuardConstructor builds a guard factory from its parameters.
type GuardConstructor func(params Params) (GuardFactory, error)

// Plugins resolves plug-in names to constructors.
type Plugins struct {
	mu        sync.RWMutex
	observers map[string]ObserverConstructor
	guards    map[string]GuardConstructor
}

// NewPlugins returns a registry holding the built-in plug-ins:
// timer:interval, timer:within, timer:withinmax and while.
func NewPlugins() *Plugins {
	p := &Plugins{
		observers: make(map[string]ObserverConstructor),
		guards:    make(map[string]GuardConstructor),
	}
	p.RegisterObserver("timer:interval", newTimerInterval)
	p.RegisterGuard("timer:within", newTimerWithin)
	p.RegisterGuard("timer:withinmax", newTimerWithinMax)
	p.RegisterGuard("while", newWhileGuard)
	return p
}

// RegisterObserver adds or replaces an observer.
func (p *Plugins) RegisterObserver(name string, c ObserverConstructor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers[name] = c
}

// RegisterGuard adds or replaces a guard.
func (p *Plugins) RegisterGuard(name string, c GuardConstructor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.guards[name] = c
}

// Observer resolves an observer factory.
func (p *Plugins) Observer(name string, params Params) (ObserverFactory, error) {
	p.mu.RLock()
	c, ok := p.observers[name]
	known := keys(p.observers)
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown pattern observer %q (known: %v)", name, known)
	}
	return c(params)
}

// Guard resolves a guard factory.
func (p *Plugins) Guard(name string, params Params) (GuardFactory, error) {
	p.mu.RLock()
	c, ok := p.guards[name]
	known := keys(p.guards)
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown pattern guard %q (known: %v)", name, known)
	}
	return c(params)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
