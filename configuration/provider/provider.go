// Package provider resolves a user-supplied target request into one or
// more base *configuration.Config values; it does not validate them
// (core.Engine.Run applies defaults and calls Validate). It keeps the teacher's
// configurator.Factory/Register plugin shape
// (_examples/noxiouz-gcoredumper/configuration/configurator) but dispatches
// on target-identity kind (explicit pid / process-group / name-with-wait /
// batch file) instead of on a config storage backend, since command-line
// parsing itself stays main.go's concern per spec.md §1.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/dumpwatch/dumpwatch/configuration"
)

// Factory builds a Provider from a raw spec string (a pid, a pgid, a
// process-name pattern, or a path, depending on the factory).
type Factory interface {
	Open(spec string) (Provider, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(spec string) (Provider, error)

func (f FactoryFunc) Open(spec string) (Provider, error) {
	return f(spec)
}

// Provider yields the base Config(s) a target request resolves to, before
// per-target cloning substitutes the discovered pid.
type Provider interface {
	Get(ctx context.Context) ([]*configuration.Config, error)
}

var (
	mu        sync.Mutex
	factories = make(map[string]Factory)
)

// Register installs a named factory. Re-registering a name overwrites the
// previous factory, matching the teacher's Register exactly.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = factory
}

// Open dispatches to a registered factory by name.
func Open(name, spec string) (Provider, error) {
	mu.Lock()
	factory, ok := factories[name]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown target provider %q", name)
	}
	return factory.Open(spec)
}
