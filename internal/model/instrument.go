// internal/model/instrument.go
package model

import (
	"fmt"
	"strings"
)

// ConnectionType represents how the instrument is reached
type ConnectionType string

const (
	ConnectionTypeTCP    ConnectionType = "TCP"
	ConnectionTypeGPIB   ConnectionType = "GPIB"
	ConnectionTypeSerial ConnectionType = "SERIAL"
	ConnectionTypeUSB    ConnectionType = "USB"
)

// ParseConnectionType accepts both the canonical names and the interface
// vocabulary used in address tables (ethernet, gpib-ethernet, ...).
func ParseConnectionType(s string) (ConnectionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp", "socket", "ethernet", "lan":
		return ConnectionTypeTCP, nil
	case "gpib", "gpib-ethernet", "gpib-gateway", "gpib_over_ethernet", "vxi11":
		return ConnectionTypeGPIB, nil
	case "serial", "rs232", "rs-232":
		return ConnectionTypeSerial, nil
	case "usb", "usbtmc":
		return ConnectionTypeUSB, nil
	default:
		return "", fmt.Errorf("%w: unknown interface %q (must be tcp, gpib, serial or usb)", ErrConfiguration, s)
	}
}

// GatewayFlavor selects the protocol spoken by a GPIB-over-Ethernet gateway
type GatewayFlavor string

const (
	// GatewayVXI11 is a LAN/GPIB gateway speaking VXI-11 (ONC RPC).
	GatewayVXI11 GatewayFlavor = "vxi11"
	// GatewayPrologix is a Prologix GPIB-Ethernet controller (++ commands).
	GatewayPrologix GatewayFlavor = "prologix"
)

// ParseGatewayFlavor maps a flavor name to its GatewayFlavor. The empty
// string selects VXI-11.
func ParseGatewayFlavor(s string) (GatewayFlavor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "vxi11", "vxi-11":
		return GatewayVXI11, nil
	case "prologix":
		return GatewayPrologix, nil
	default:
		return "", fmt.Errorf("%w: unknown gateway flavor %q", ErrConfiguration, s)
	}
}

// ValueKind is the type a response is coerced to on receive
type ValueKind string

const (
	ValueRaw     ValueKind = "raw"
	ValueText    ValueKind = "text"
	ValueInt     ValueKind = "int"
	ValueFloat   ValueKind = "float"
	ValueDecimal ValueKind = "decimal"
)

// ParseValueKind maps a name to its ValueKind. The empty string selects raw
// bytes, matching a receive with no requested type.
func ParseValueKind(s string) (ValueKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "raw", "bytes":
		return ValueRaw, nil
	case "text", "str", "string":
		return ValueText, nil
	case "int", "integer":
		return ValueInt, nil
	case "float", "float64", "number":
		return ValueFloat, nil
	case "decimal":
		return ValueDecimal, nil
	default:
		return "", fmt.Errorf("%w: unknown value kind %q", ErrConfiguration, s)
	}
}

// InstrumentInfo describes one entry of the address table as exposed to
// callers that list instruments.
type InstrumentInfo struct {
	ID             string         `json:"id"`
	Description    string         `json:"description,omitempty"`
	Driver         string         `json:"driver,omitempty"`
	ConnectionType ConnectionType `json:"connection_type"`
	Address        string         `json:"address"`
}
