// pkg/driver/interfaces.go
package driver

import "context"

// Driver is implemented by every instrument driver. Drivers are composed
// over an instrument connection and only issue commands; they never own
// the transport.
type Driver interface {
	// Name is the registry name the driver was created under.
	Name() string

	// IEEE-488.2 common commands
	Identify(ctx context.Context) (*Identity, error)
	Reset(ctx context.Context) error
	Clear(ctx context.Context) error
	OperationComplete(ctx context.Context) error
	SelfTest(ctx context.Context) (int, error)
	EventStatus(ctx context.Context) (EventStatusRegister, error)

	// SCPI error queue
	NextError(ctx context.Context) (InstrumentError, error)
	DrainErrors(ctx context.Context, max int) ([]InstrumentError, error)
}
