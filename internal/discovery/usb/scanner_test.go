package usb

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"

	"labinstr/internal/discovery"
	"labinstr/internal/model"
)

func deviceDesc(vendor, product gousb.ID, tmc bool) *gousb.DeviceDesc {
	class, subclass := gousb.Class(0xFF), gousb.Class(0x00)
	if tmc {
		class, subclass = 0xFE, 0x03
	}
	return &gousb.DeviceDesc{
		Bus:     1,
		Address: 7,
		Vendor:  vendor,
		Product: product,
		Configs: map[int]gousb.ConfigDesc{
			1: {
				Number: 1,
				Interfaces: []gousb.InterfaceDesc{{
					AltSettings: []gousb.InterfaceSetting{{
						Class:    class,
						SubClass: subclass,
						Endpoints: map[gousb.EndpointAddress]gousb.EndpointDesc{
							0x01: {Address: 0x01, Number: 1, Direction: gousb.EndpointDirectionOut, TransferType: gousb.TransferTypeBulk},
							0x82: {Address: 0x82, Number: 2, Direction: gousb.EndpointDirectionIn, TransferType: gousb.TransferTypeBulk},
						},
					}},
				}},
			},
		},
	}
}

func TestInteresting(t *testing.T) {
	assert.True(t, interesting(deviceDesc(0x1313, 0x8072, false)), "known vendor")
	assert.True(t, interesting(deviceDesc(0x1234, 0x0001, true)), "unknown vendor with USBTMC")
	assert.False(t, interesting(deviceDesc(0x046D, 0xC52B, false)), "mouse receiver")
}

func TestDescribeTMC(t *testing.T) {
	inst := describe(deviceDesc(0x1313, 0x8072, true), deviceStrings{product: "PM100USB", serial: "P2001234"})

	assert.Equal(t, model.ConnectionTypeUSB, inst.ConnectionType)
	assert.True(t, inst.USBTMC)
	assert.Equal(t, "USB0::0x1313::0x8072::P2001234::INSTR", inst.Resource)
	assert.Equal(t, "Thorlabs", inst.Vendor)
	assert.Equal(t, "0x1313", inst.VendorID)
	assert.Equal(t, "0x8072", inst.ProductID)
}

func TestDescribeAdapter(t *testing.T) {
	inst := describe(deviceDesc(0x0403, 0x6001, false), deviceStrings{manufacturer: "FTDI Ltd"})

	assert.False(t, inst.USBTMC)
	assert.Equal(t, "usb:bus1:addr7", inst.Resource)
	assert.Equal(t, "FTDI Ltd", inst.Vendor)

	v, ok := LookupVendor(0x0403)
	assert.True(t, ok)
	assert.True(t, v.Adapter)
}

func TestDescribeAllCollectsEveryItem(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	found := describeAll(context.Background(), items, 3, func(n int) *discovery.DiscoveredInstrument {
		return &discovery.DiscoveredInstrument{Resource: string(rune('a' + n))}
	})
	assert.Len(t, found, len(items))
	assert.Nil(t, describeAll(context.Background(), nil, 3, func(int) *discovery.DiscoveredInstrument { return nil }))
}

func TestDescribeAllWaitsForRunningWorkersOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started, finished atomic.Int32
	items := make([]int, 20)
	describeAll(ctx, items, 2, func(int) *discovery.DiscoveredInstrument {
		started.Add(1)
		cancel()
		time.Sleep(20 * time.Millisecond)
		finished.Add(1)
		return &discovery.DiscoveredInstrument{}
	})

	// no describe call is still running once describeAll returns
	assert.Equal(t, started.Load(), finished.Load())
	assert.LessOrEqual(t, started.Load(), int32(2))
}
