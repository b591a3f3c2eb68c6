// internal/driver/registry.go
package driver

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"labinstr/internal/instrument"
	"labinstr/internal/model"
	"labinstr/pkg/driver"
)

// Wildcard is the registry name used when no driver matches.
const Wildcard = "*"

// DriverFactory creates a driver bound to an open instrument
type DriverFactory func(inst instrument.Querier, logger *zap.Logger) (driver.Driver, error)

// Registry manages driver registration and creation
type Registry struct {
	drivers map[string]DriverFactory
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewRegistry creates a new driver registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		drivers: make(map[string]DriverFactory),
		logger:  logger,
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register registers a driver factory under name
func (r *Registry) Register(name string, factory DriverFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.drivers[normalize(name)] = factory
	r.logger.Debug("Driver registered", zap.String("driver", name))
}

// lookup returns the factory for name, falling back to the wildcard.
func (r *Registry) lookup(name string) (DriverFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if factory, exists := r.drivers[normalize(name)]; exists {
		return factory, true
	}
	factory, exists := r.drivers[Wildcard]
	return factory, exists
}

// Create creates the driver registered as name for inst
func (r *Registry) Create(name string, inst instrument.Querier) (driver.Driver, error) {
	factory, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: no driver found for %q", model.ErrConfiguration, name)
	}
	return factory(inst, r.logger)
}

// IsSupported reports whether Create would find a driver for name
func (r *Registry) IsSupported(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// List returns the registered driver names in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
