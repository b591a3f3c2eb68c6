// internal/protocol/factory.go
package protocol

import (
	"go.uber.org/zap"

	"labinstr/internal/model"
)

// NewChannel validates config and creates the unopened channel for its type
func NewChannel(config ConnectionConfig, logger *zap.Logger) (Channel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("Creating channel",
		zap.String("type", string(config.Type)),
		zap.String("address", config.Address()),
		zap.Duration("timeout", config.Timeout),
	)

	switch config.Type {
	case model.ConnectionTypeTCP:
		return NewTCPConnection(*config.TCP, config.Timeout, logger), nil
	case model.ConnectionTypeGPIB:
		return NewGPIBConnection(*config.GPIB, config.Timeout, logger)
	case model.ConnectionTypeSerial:
		return NewSerialConnection(*config.Serial, config.Timeout, logger), nil
	case model.ConnectionTypeUSB:
		return NewUSBConnection(*config.USB, config.Timeout, logger), nil
	default:
		return nil, configError("unsupported connection type: %s", config.Type)
	}
}
