// internal/driver/registry_init.go
package driver

import (
	"go.uber.org/zap"

	"labinstr/internal/driver/ieee488"
)

// RegisterDefaultDrivers registers all default instrument drivers
func RegisterDefaultDrivers(registry *Registry, logger *zap.Logger) {
	registry.Register(ieee488.Name, ieee488.New)
	// Anything that speaks IEEE-488.2 common commands
	registry.Register(Wildcard, ieee488.New)

	logger.Info("Instrument drivers registered", zap.Strings("drivers", registry.List()))
}
