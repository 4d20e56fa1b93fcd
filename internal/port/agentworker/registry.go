package agentworker

import (
	"fmt"
	"sync"
)

// Factory is a constructor function that creates a new Worker instance.
type Factory func(agentType, id string, opts Options) (Worker, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a worker factory available by agent type.
// It is typically called from an init() function in the adapter package.
func Register(agentType string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[agentType]; exists {
		panic(fmt.Sprintf("agentworker: duplicate registration for %q", agentType))
	}
	factories[agentType] = factory
}

// New creates a new Worker by agent type using the registered factory.
func New(agentType, id string, opts Options) (Worker, error) {
	mu.RLock()
	factory, ok := factories[agentType]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("agentworker: unknown agent type %q", agentType)
	}
	return factory(agentType, id, opts)
}

// Available returns the names of all registered agent types.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}
