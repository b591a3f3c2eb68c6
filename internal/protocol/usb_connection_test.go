package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labinstr/internal/model"
)

func tmcDesc(class, subclass gousb.Class) *gousb.DeviceDesc {
	return &gousb.DeviceDesc{
		Vendor:  0x0957,
		Product: 0x1798,
		Configs: map[int]gousb.ConfigDesc{
			1: {
				Number: 1,
				Interfaces: []gousb.InterfaceDesc{{
					Number: 0,
					AltSettings: []gousb.InterfaceSetting{{
						Number:    0,
						Alternate: 0,
						Class:     class,
						SubClass:  subclass,
						Protocol:  gousb.Protocol(1),
						Endpoints: map[gousb.EndpointAddress]gousb.EndpointDesc{
							0x02: {Address: 0x02, Number: 2, Direction: gousb.EndpointDirectionOut, TransferType: gousb.TransferTypeBulk},
							0x86: {Address: 0x86, Number: 6, Direction: gousb.EndpointDirectionIn, TransferType: gousb.TransferTypeBulk},
							0x83: {Address: 0x83, Number: 3, Direction: gousb.EndpointDirectionIn, TransferType: gousb.TransferTypeInterrupt},
						},
					}},
				}},
			},
		},
	}
}

func TestFindTMCInterface(t *testing.T) {
	found, ok := findTMCInterface(tmcDesc(0xFE, 0x03))
	require.True(t, ok)
	assert.Equal(t, 1, found.config)
	assert.Equal(t, 0, found.number)
	assert.Equal(t, 6, found.in)
	assert.Equal(t, 2, found.out)

	assert.True(t, HasTMCInterface(tmcDesc(0xFE, 0x03)))
	assert.False(t, HasTMCInterface(tmcDesc(0x08, 0x06)))
}

func TestParseHexID(t *testing.T) {
	id, err := parseHexID("0x0957")
	require.NoError(t, err)
	assert.Equal(t, gousb.ID(0x0957), id)

	id, err = parseHexID("1AB1")
	require.NoError(t, err)
	assert.Equal(t, gousb.ID(0x1AB1), id)

	_, err = parseHexID("0x10000")
	assert.Error(t, err)
}

func TestUSBNotOpen(t *testing.T) {
	uc := NewUSBConnection(USBConfig{SerialNumber: "MY1"}, time.Second, nil)
	assert.False(t, uc.IsOpen())
	assert.True(t, uc.MessageOriented())
	assert.Equal(t, model.ConnectionTypeUSB, uc.Type())

	assert.ErrorIs(t, uc.Write(context.Background(), []byte("*IDN?\n")), model.ErrTransport)
	_, err := uc.Read(context.Background())
	assert.ErrorIs(t, err, model.ErrTransport)
	assert.NoError(t, uc.Close())
}

func TestUSBErrorClassification(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, usbError(ctx, "usb read", context.Canceled), model.ErrTimeout)
	assert.ErrorIs(t, usbError(context.Background(), "usb read", gousb.ErrorTimeout), model.ErrTimeout)
	assert.ErrorIs(t, usbError(context.Background(), "usb read", gousb.ErrorIO), model.ErrTransport)
}
