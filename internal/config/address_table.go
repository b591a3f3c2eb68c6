package config

import (
	"fmt"
	"sort"
	"strings"

	"labinstr/internal/model"
	"labinstr/internal/protocol"
)

// AddressTable resolves instrument ids into connection configurations. Ids
// are case-insensitive.
type AddressTable struct {
	instruments    map[string]InstrumentConfig
	gateways       map[string]GatewayConfig
	defaultGateway string
	defaults       DefaultsConfig
}

// AddressTable returns the table described by c.
func (c *Config) AddressTable() *AddressTable {
	t := &AddressTable{
		instruments:    make(map[string]InstrumentConfig, len(c.Instruments)),
		gateways:       make(map[string]GatewayConfig, len(c.Gateways)),
		defaultGateway: strings.ToLower(c.DefaultGateway),
		defaults:       c.Defaults,
	}
	for id, inst := range c.Instruments {
		t.instruments[strings.ToLower(id)] = inst
	}
	for name, gw := range c.Gateways {
		t.gateways[strings.ToLower(name)] = gw
	}
	return t
}

// IDs returns the instrument ids in sorted order.
func (t *AddressTable) IDs() []string {
	ids := make([]string, 0, len(t.instruments))
	for id := range t.instruments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entry returns the raw table entry for id.
func (t *AddressTable) Entry(id string) (InstrumentConfig, bool) {
	inst, ok := t.instruments[strings.ToLower(strings.TrimSpace(id))]
	return inst, ok
}

// Lookup builds the ConnectionConfig for id.
func (t *AddressTable) Lookup(id string) (protocol.ConnectionConfig, error) {
	inst, ok := t.Entry(id)
	if !ok {
		return protocol.ConnectionConfig{}, fmt.Errorf("%w: unknown instrument id %q", model.ErrConfiguration, id)
	}
	cfg, err := t.connectionConfig(inst)
	if err != nil {
		return protocol.ConnectionConfig{}, fmt.Errorf("instrument %q: %w", id, err)
	}
	return cfg, nil
}

// Info describes id for listings.
func (t *AddressTable) Info(id string) (model.InstrumentInfo, error) {
	inst, ok := t.Entry(id)
	if !ok {
		return model.InstrumentInfo{}, fmt.Errorf("%w: unknown instrument id %q", model.ErrConfiguration, id)
	}
	cfg, err := t.connectionConfig(inst)
	if err != nil {
		return model.InstrumentInfo{}, fmt.Errorf("instrument %q: %w", id, err)
	}
	return model.InstrumentInfo{
		ID:             strings.ToLower(strings.TrimSpace(id)),
		Description:    inst.Description,
		Driver:         inst.Driver,
		ConnectionType: cfg.Type,
		Address:        cfg.WithDefaults().Address(),
	}, nil
}

// List describes every instrument whose entry resolves. Load rejects
// configurations with unresolvable entries.
func (t *AddressTable) List() []model.InstrumentInfo {
	out := make([]model.InstrumentInfo, 0, len(t.instruments))
	for _, id := range t.IDs() {
		if info, err := t.Info(id); err == nil {
			out = append(out, info)
		}
	}
	return out
}

func (t *AddressTable) connectionConfig(inst InstrumentConfig) (protocol.ConnectionConfig, error) {
	typ, err := model.ParseConnectionType(inst.Interface)
	if err != nil {
		return protocol.ConnectionConfig{}, err
	}

	cfg := protocol.ConnectionConfig{
		Type:       typ,
		Terminator: inst.TerminatingChar,
		Encoding:   inst.Encoding,
		Timeout:    inst.Timeout,
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = t.defaults.Timeout
	}

	switch typ {
	case model.ConnectionTypeTCP:
		cfg.TCP = &protocol.TCPConfig{Host: inst.IPAddress, Port: inst.Port}
	case model.ConnectionTypeGPIB:
		gpib, err := t.resolveGateway(inst)
		if err != nil {
			return protocol.ConnectionConfig{}, err
		}
		cfg.GPIB = gpib
	case model.ConnectionTypeSerial:
		settle := inst.SettleDelay
		if settle == 0 {
			settle = t.defaults.SettleDelay
		}
		cfg.Serial = &protocol.SerialConfig{
			Port:        inst.ComPort,
			BaudRate:    inst.BaudRate,
			DataBits:    inst.DataBits,
			StopBits:    inst.StopBits,
			Parity:      inst.Parity,
			FlowControl: inst.FlowControl,
			SettleDelay: settle,
		}
	case model.ConnectionTypeUSB:
		cfg.USB = &protocol.USBConfig{
			SerialNumber: inst.SerialNumber,
			VendorID:     inst.VendorID,
			ProductID:    inst.ProductID,
		}
	}
	return cfg, nil
}

// resolveGateway picks the gateway: an explicit gateway host with its
// gateway_flavor and gateway_port wins, then the named gpib_location, then
// the default gateway.
func (t *AddressTable) resolveGateway(inst InstrumentConfig) (*protocol.GPIBConfig, error) {
	gpib := &protocol.GPIBConfig{Address: inst.GPIBAddress}
	if inst.Gateway != "" {
		flavor, err := model.ParseGatewayFlavor(inst.GatewayFlavor)
		if err != nil {
			return nil, err
		}
		gpib.Gateway = inst.Gateway
		gpib.Flavor = flavor
		gpib.Port = inst.GatewayPort
		return gpib, nil
	}

	name := strings.ToLower(strings.TrimSpace(inst.GPIBLocation))
	if name == "" {
		name = t.defaultGateway
	}
	if name == "" {
		return nil, fmt.Errorf("%w: gpib entry names no gateway and no default_gateway is set", model.ErrConfiguration)
	}
	gw, ok := t.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown gpib_location %q", model.ErrConfiguration, inst.GPIBLocation)
	}
	flavor, err := model.ParseGatewayFlavor(gw.Flavor)
	if err != nil {
		return nil, err
	}
	gpib.Gateway = gw.Host
	gpib.Flavor = flavor
	gpib.Port = gw.Port
	gpib.Interface = gw.Interface
	return gpib, nil
}
