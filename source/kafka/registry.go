package kafka

import (
	"fmt"
	"sort"
	"sync"
)

// Driver is a Broker backed by a concrete client library.
type Driver interface {
	Broker
	// Configure connects the client. It must be called before any Broker method.
	Configure(cfg Config) error
}

// Factory builds a Driver (e.g., SaramaDriver, KgoDriver).
type Factory func() Driver

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register is called from each driver's init().
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// NewDriver returns a driver by name ("sarama", "kgo").
func NewDriver(name string) (Driver, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if ok {
		return f(), nil
	}
	return nil, fmt.Errorf("kafka: unsupported driver %q", name)
}

// Drivers lists the registered driver names.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
