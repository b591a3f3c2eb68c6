// internal/driver/ieee488/driver.go
package ieee488

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"labinstr/internal/instrument"
	"labinstr/internal/model"
	"labinstr/pkg/driver"
)

// Name is the registry name of the generic IEEE-488.2 driver.
const Name = "ieee488"

// Common commands
const (
	CmdIdentify          = "*IDN?"
	CmdReset             = "*RST"
	CmdClear             = "*CLS"
	CmdOperationComplete = "*OPC?"
	CmdSelfTest          = "*TST?"
	CmdEventStatus       = "*ESR?"
	CmdNextError         = "SYST:ERR?"
)

// Driver speaks the IEEE-488.2 common command set and the SCPI error
// queue. It is usable with any compliant instrument.
type Driver struct {
	inst   instrument.Querier
	logger *zap.Logger
}

var _ driver.Driver = (*Driver)(nil)

// New creates a driver over inst. It matches the registry factory signature.
func New(inst instrument.Querier, logger *zap.Logger) (driver.Driver, error) {
	if inst == nil {
		return nil, fmt.Errorf("%w: driver needs an instrument", model.ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{inst: inst, logger: logger.With(zap.String("driver", Name))}, nil
}

func (d *Driver) Name() string { return Name }

func (d *Driver) query(ctx context.Context, cmd string) (string, error) {
	resp, err := d.inst.Query(ctx, cmd)
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

// Identify queries *IDN? and parses the four identification fields.
func (d *Driver) Identify(ctx context.Context) (*driver.Identity, error) {
	resp, err := d.query(ctx, CmdIdentify)
	if err != nil {
		return nil, err
	}
	id, err := driver.ParseIdentity(resp)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("Instrument identified",
		zap.String("manufacturer", id.Manufacturer),
		zap.String("model", id.Model))
	return id, nil
}

// Reset sends *RST.
func (d *Driver) Reset(ctx context.Context) error {
	return d.inst.Send(ctx, CmdReset)
}

// Clear sends *CLS, which empties the status registers and error queue.
func (d *Driver) Clear(ctx context.Context) error {
	return d.inst.Send(ctx, CmdClear)
}

// OperationComplete blocks on *OPC? until the instrument answers 1.
func (d *Driver) OperationComplete(ctx context.Context) error {
	start := time.Now()
	resp, err := d.query(ctx, CmdOperationComplete)
	if err != nil {
		return err
	}
	v, err := instrument.ParseInt(resp)
	if err != nil {
		return err
	}
	if v != 1 {
		return fmt.Errorf("%w: unexpected *OPC? response %q", model.ErrValue, resp)
	}
	d.logger.Debug("Operation complete", zap.Duration("waited", time.Since(start)))
	return nil
}

// SelfTest runs *TST? and returns the result code; 0 means passed.
func (d *Driver) SelfTest(ctx context.Context) (int, error) {
	resp, err := d.query(ctx, CmdSelfTest)
	if err != nil {
		return 0, err
	}
	v, err := instrument.ParseInt(resp)
	if err != nil {
		return 0, err
	}
	if v != 0 {
		d.logger.Warn("Self test failed", zap.Int64("result", v))
	}
	return int(v), nil
}

// EventStatus reads and clears the standard event status register.
func (d *Driver) EventStatus(ctx context.Context) (driver.EventStatusRegister, error) {
	resp, err := d.query(ctx, CmdEventStatus)
	if err != nil {
		return 0, err
	}
	v, err := instrument.ParseInt(resp)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 255 {
		return 0, fmt.Errorf("%w: event status %d out of range", model.ErrValue, v)
	}
	return driver.EventStatusRegister(v), nil
}

// NextError pops one entry off the error queue.
func (d *Driver) NextError(ctx context.Context) (driver.InstrumentError, error) {
	resp, err := d.query(ctx, CmdNextError)
	if err != nil {
		return driver.InstrumentError{}, err
	}
	return driver.ParseInstrumentError(resp)
}

// DrainErrors reads the error queue until it reports no error or max
// entries were read. max <= 0 means no limit.
func (d *Driver) DrainErrors(ctx context.Context, max int) ([]driver.InstrumentError, error) {
	var out []driver.InstrumentError
	for max <= 0 || len(out) < max {
		e, err := d.NextError(ctx)
		if err != nil {
			return out, err
		}
		if e.IsNoError() {
			break
		}
		out = append(out, e)
	}
	if len(out) > 0 {
		d.logger.Info("Drained instrument errors", zap.Int("count", len(out)))
	}
	return out, nil
}
