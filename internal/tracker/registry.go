package tracker

import (
	"fmt"
	"sync"

	"github.com/codeswell/epicsync/internal/config"
)

// Constructor creates a Provider from project configuration.
// Implementations register themselves with Register().
type Constructor func(cfg *config.Config, logger Logger) (Provider, error)

// registry maps provider names to their constructors.
var (
	registry      = make(map[string]Constructor)
	registryMutex sync.RWMutex
)

// Register registers a provider implementation constructor.
// This is called from init() functions in implementation packages
// (github, azure).
//
// Example:
//
//	func init() {
//	    tracker.Register("github", New)
//	}
func Register(name string, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("tracker: Register constructor is nil for %s", name))
	}
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("tracker: Register called twice for %s", name))
	}
	registry[name] = constructor
}

// RegisteredNames returns all registered provider names.
// Useful for testing and help text.
func RegisteredNames() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// New selects and constructs the provider named in the configuration.
// Selection is explicit: an unregistered name is an error, never a
// runtime capability probe.
func New(cfg *config.Config, logger Logger) (Provider, error) {
	registryMutex.RLock()
	constructor := registry[cfg.Provider]
	registryMutex.RUnlock()

	if constructor == nil {
		return nil, fmt.Errorf("unknown tracker provider %q (registered: %v)", cfg.Provider, RegisteredNames())
	}
	return constructor(cfg, logger)
}
