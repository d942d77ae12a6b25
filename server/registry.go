package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Server serves connections from an already-bound mTLS listener until ctx is done.
type Server interface {
	Serve(ctx context.Context, ln net.Listener) error
}

// Factory builds a Server from the opaque params carried in the start payload.
type Factory func(log *zap.SugaredLogger, params json.RawMessage) (Server, error)

var (
	registryMut sync.RWMutex
	registry    = map[string]Factory{}
)

// Register makes a server implementation available under name, which is what a launch request's entry point refers to.
func Register(name string, f Factory) {
	registryMut.Lock()
	defer registryMut.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("server %q registered twice", name))
	}
	registry[name] = f
}

func lookup(name string) (Factory, error) {
	registryMut.RLock()
	defer registryMut.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown server %q", name)
	}
	return f, nil
}

// Names lists the registered servers.
func Names() []string {
	registryMut.RLock()
	defer registryMut.RUnlock()
	var names []string
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
