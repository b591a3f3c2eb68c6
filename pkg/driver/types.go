// pkg/driver/types.go
package driver

import (
	"fmt"
	"strconv"
	"strings"

	"labinstr/internal/model"
)

// Identity is the parsed response to *IDN?
type Identity struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	SerialNumber string `json:"serial_number"`
	Firmware     string `json:"firmware"`
	Raw          string `json:"raw"`
}

// ParseIdentity splits an *IDN? response into its four comma separated
// fields. Missing trailing fields are left empty.
func ParseIdentity(s string) (*Identity, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty identification response", model.ErrValue)
	}
	fields := strings.SplitN(raw, ",", 4)
	for len(fields) < 4 {
		fields = append(fields, "")
	}
	return &Identity{
		Manufacturer: strings.TrimSpace(fields[0]),
		Model:        strings.TrimSpace(fields[1]),
		SerialNumber: strings.TrimSpace(fields[2]),
		Firmware:     strings.TrimSpace(fields[3]),
		Raw:          raw,
	}, nil
}

// EventStatusRegister is the standard event status register read by *ESR?
type EventStatusRegister uint8

// Event status register bits
const (
	ESROperationComplete EventStatusRegister = 1 << iota
	ESRRequestControl
	ESRQueryError
	ESRDeviceError
	ESRExecutionError
	ESRCommandError
	ESRUserRequest
	ESRPowerOn
)

var esrNames = [...]string{
	"operation_complete",
	"request_control",
	"query_error",
	"device_error",
	"execution_error",
	"command_error",
	"user_request",
	"power_on",
}

// Has reports whether every bit of flag is set.
func (r EventStatusRegister) Has(flag EventStatusRegister) bool { return r&flag == flag }

// HasError reports whether any of the four error bits is set.
func (r EventStatusRegister) HasError() bool {
	return r&(ESRQueryError|ESRDeviceError|ESRExecutionError|ESRCommandError) != 0
}

// Flags names the set bits, lowest first.
func (r EventStatusRegister) Flags() []string {
	var out []string
	for i, name := range esrNames {
		if r&(1<<i) != 0 {
			out = append(out, name)
		}
	}
	return out
}

// InstrumentError is one entry of the SCPI error queue. Code 0 means the
// queue is empty.
type InstrumentError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e InstrumentError) Error() string {
	return fmt.Sprintf("instrument error %d: %s", e.Code, e.Message)
}

// IsNoError reports whether e is the "no error" entry.
func (e InstrumentError) IsNoError() bool { return e.Code == 0 }

// ParseInstrumentError parses a SYST:ERR? response such as
// `-113,"Undefined header"`.
func ParseInstrumentError(s string) (InstrumentError, error) {
	raw := strings.TrimSpace(s)
	codeText, msg, _ := strings.Cut(raw, ",")
	code, err := strconv.Atoi(strings.TrimSpace(codeText))
	if err != nil {
		return InstrumentError{}, fmt.Errorf("%w: %q is not an error queue entry", model.ErrValue, s)
	}
	return InstrumentError{
		Code:    code,
		Message: strings.Trim(strings.TrimSpace(msg), `"`),
	}, nil
}
