// internal/protocol/connection.go
package protocol

import (
	"fmt"
	"strings"
	"time"

	"labinstr/internal/model"
)

// Defaults applied by ConnectionConfig.WithDefaults.
const (
	DefaultTimeout       = 2 * time.Second
	DefaultSettleDelay   = 150 * time.Millisecond
	DefaultReadSize      = 1024
	DefaultPrologixPort  = 1234
	MaxGPIBPrimaryAddr   = 30
	defaultSerialBitRate = 9600
)

// ConnectionConfig fully describes how to reach one instrument. Exactly the
// section matching Type is used.
type ConnectionConfig struct {
	Type   model.ConnectionType `json:"type"`
	TCP    *TCPConfig           `json:"tcp,omitempty"`
	GPIB   *GPIBConfig          `json:"gpib,omitempty"`
	Serial *SerialConfig        `json:"serial,omitempty"`
	USB    *USBConfig           `json:"usb,omitempty"`

	// Terminator is a specifier understood by framing.ParseTerminator.
	Terminator string `json:"terminator"`
	// Encoding is an IANA charset name; empty means UTF-8.
	Encoding string        `json:"encoding,omitempty"`
	Timeout  time.Duration `json:"timeout"`
}

// TCPConfig represents a raw socket connection
type TCPConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	KeepAlive  bool   `json:"keep_alive"`
	BufferSize int    `json:"buffer_size"`
}

// GPIBConfig represents an instrument behind a GPIB-over-Ethernet gateway
type GPIBConfig struct {
	Gateway string              `json:"gateway"`
	Address int                 `json:"address"`
	Flavor  model.GatewayFlavor `json:"flavor"`
	// Port of the gateway. Zero means portmapper lookup for VXI-11 and
	// 1234 for Prologix.
	Port int `json:"port,omitempty"`
	// Interface is the VXI-11 interface name, "gpib0" by default.
	Interface string `json:"interface,omitempty"`
}

// SerialConfig represents serial connection configuration
type SerialConfig struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	// StopBits is 1, 1.5 or 2.
	StopBits    float64       `json:"stop_bits"`
	Parity      string        `json:"parity"`
	FlowControl string        `json:"flow_control"`
	SettleDelay time.Duration `json:"settle_delay"`
}

// USBConfig represents a USBTMC instrument
type USBConfig struct {
	// SerialNumber is matched as a substring of the VISA resource string.
	SerialNumber string `json:"serial_number"`
	// VendorID and ProductID optionally narrow enumeration, hex "0x0957".
	VendorID  string `json:"vendor_id,omitempty"`
	ProductID string `json:"product_id,omitempty"`
}

// Address renders the configuration as a short human readable address.
func (c ConnectionConfig) Address() string {
	switch c.Type {
	case model.ConnectionTypeTCP:
		if c.TCP != nil {
			return fmt.Sprintf("%s:%d", c.TCP.Host, c.TCP.Port)
		}
	case model.ConnectionTypeGPIB:
		if c.GPIB != nil {
			return fmt.Sprintf("%s/gpib%d (%s)", c.GPIB.Gateway, c.GPIB.Address, c.GPIB.Flavor)
		}
	case model.ConnectionTypeSerial:
		if c.Serial != nil {
			return fmt.Sprintf("%s@%d", c.Serial.Port, c.Serial.BaudRate)
		}
	case model.ConnectionTypeUSB:
		if c.USB != nil {
			return "USB::" + c.USB.SerialNumber
		}
	}
	return string(c.Type)
}

// WithDefaults returns a copy with zero fields replaced by defaults. The
// sections are copied, so the receiver is never modified.
func (c ConnectionConfig) WithDefaults() ConnectionConfig {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TCP != nil {
		t := *c.TCP
		if t.BufferSize <= 0 {
			t.BufferSize = DefaultReadSize
		}
		c.TCP = &t
	}
	if c.GPIB != nil {
		g := *c.GPIB
		if g.Flavor == "" {
			g.Flavor = model.GatewayVXI11
		}
		if g.Flavor == model.GatewayPrologix && g.Port == 0 {
			g.Port = DefaultPrologixPort
		}
		if g.Interface == "" {
			g.Interface = "gpib0"
		}
		c.GPIB = &g
	}
	if c.Serial != nil {
		s := *c.Serial
		if s.BaudRate == 0 {
			s.BaudRate = defaultSerialBitRate
		}
		if s.DataBits == 0 {
			s.DataBits = 8
		}
		if s.StopBits == 0 {
			s.StopBits = 1
		}
		if s.Parity == "" {
			s.Parity = "none"
		}
		if s.FlowControl == "" {
			s.FlowControl = "none"
		}
		if s.SettleDelay == 0 {
			s.SettleDelay = DefaultSettleDelay
		}
		c.Serial = &s
	}
	return c
}

// Validate reports missing or contradictory fields for the chosen Type.
// Every error wraps model.ErrConfiguration.
func (c ConnectionConfig) Validate() error {
	if c.Timeout < 0 {
		return configError("timeout must not be negative")
	}
	switch c.Type {
	case model.ConnectionTypeTCP:
		return c.validateTCP()
	case model.ConnectionTypeGPIB:
		return c.validateGPIB()
	case model.ConnectionTypeSerial:
		return c.validateSerial()
	case model.ConnectionTypeUSB:
		return c.validateUSB()
	case "":
		return configError("connection type is required")
	default:
		return configError("unsupported connection type: %s", c.Type)
	}
}

func (c ConnectionConfig) validateTCP() error {
	if c.TCP == nil || c.TCP.Host == "" {
		return configError("socket connection requires a host")
	}
	if c.TCP.Port < 1 || c.TCP.Port > 65535 {
		return configError("invalid port number: %d", c.TCP.Port)
	}
	return nil
}

func (c ConnectionConfig) validateGPIB() error {
	if c.GPIB == nil || c.GPIB.Gateway == "" {
		return configError("gpib connection requires a gateway host")
	}
	if c.GPIB.Address < 0 || c.GPIB.Address > MaxGPIBPrimaryAddr {
		return configError("invalid GPIB primary address %d (must be 0-%d)", c.GPIB.Address, MaxGPIBPrimaryAddr)
	}
	switch c.GPIB.Flavor {
	case "", model.GatewayVXI11, model.GatewayPrologix:
	default:
		return configError("unsupported gateway flavor: %s", c.GPIB.Flavor)
	}
	if c.GPIB.Port < 0 || c.GPIB.Port > 65535 {
		return configError("invalid gateway port: %d", c.GPIB.Port)
	}
	return nil
}

func (c ConnectionConfig) validateSerial() error {
	s := c.Serial
	if s == nil || s.Port == "" {
		return configError("serial connection requires a port")
	}
	if s.BaudRate <= 0 {
		return configError("serial connection requires a baud rate")
	}
	if s.DataBits != 0 && (s.DataBits < 5 || s.DataBits > 8) {
		return configError("invalid data bits: %d", s.DataBits)
	}
	switch s.StopBits {
	case 0, 1, 1.5, 2:
	default:
		return configError("invalid stop bits: %g", s.StopBits)
	}
	if _, ok := parities[strings.ToLower(s.Parity)]; !ok && s.Parity != "" {
		return configError("invalid parity: %s", s.Parity)
	}
	switch strings.ToLower(s.FlowControl) {
	case "", "none":
	default:
		return configError("flow control %q is not supported", s.FlowControl)
	}
	if s.SettleDelay < 0 {
		return configError("settle delay must not be negative")
	}
	return nil
}

func (c ConnectionConfig) validateUSB() error {
	if c.USB == nil || strings.TrimSpace(c.USB.SerialNumber) == "" {
		return configError("usb connection requires a serial number")
	}
	for _, id := range []string{c.USB.VendorID, c.USB.ProductID} {
		if id == "" {
			continue
		}
		if _, err := parseHexID(id); err != nil {
			return configError("invalid USB id %q", id)
		}
	}
	return nil
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrConfiguration, fmt.Sprintf(format, args...))
}
