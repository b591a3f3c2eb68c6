// Package usbtmc encodes and decodes the bulk transfer headers of the USB
// Test and Measurement Class (USBTMC 1.0, tables 1 to 4 and 9).
package usbtmc

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// HeaderSize is the length of every bulk transfer header.
const HeaderSize = 12

// MsgID values.
const (
	DevDepMsgOut       byte = 1
	RequestDevDepMsgIn byte = 2
	DevDepMsgIn        byte = 2
)

// Interface class codes identifying a USBTMC interface.
const (
	ClassApplication   = 0xFE
	SubclassTMC        = 0x03
	ProtocolUSB488     = 0x01
	ProtocolTMCGeneric = 0x00
)

const alignment = 4

// Tagger hands out bTag values 1..255, never 0. It is safe for concurrent
// use.
type Tagger struct {
	mu   sync.Mutex
	last byte
}

// Next returns the next tag.
func (t *Tagger) Next() byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last++
	if t.last == 0 {
		t.last = 1
	}
	return t.last
}

func invert(tag byte) byte { return tag ^ 0xFF }

// EncodeBulkOut builds a DEV_DEP_MSG_OUT transfer: the header, the payload
// and zero padding up to a multiple of four bytes.
func EncodeBulkOut(tag byte, payload []byte, eom bool) []byte {
	n := HeaderSize + len(payload)
	if r := n % alignment; r != 0 {
		n += alignment - r
	}
	out := make([]byte, n)
	out[0] = DevDepMsgOut
	out[1] = tag
	out[2] = invert(tag)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(payload)))
	if eom {
		out[8] = 0x01
	}
	copy(out[HeaderSize:], payload)
	return out
}

// EncodeRequestIn builds a REQUEST_DEV_DEP_MSG_IN header asking for at most
// max bytes. A non-negative term asks the device to stop on that character.
func EncodeRequestIn(tag byte, max int, term int) []byte {
	out := make([]byte, HeaderSize)
	out[0] = RequestDevDepMsgIn
	out[1] = tag
	out[2] = invert(tag)
	binary.LittleEndian.PutUint32(out[4:8], uint32(max))
	if term >= 0 {
		out[8] = 0x02
		out[9] = byte(term)
	}
	return out
}

// BulkIn is a decoded DEV_DEP_MSG_IN transfer.
type BulkIn struct {
	Tag          byte
	TransferSize int
	EOM          bool
	// Data holds the payload bytes present in this packet, at most
	// TransferSize of them.
	Data []byte
}

// DecodeBulkIn parses the first packet of a DEV_DEP_MSG_IN transfer.
func DecodeBulkIn(packet []byte) (BulkIn, error) {
	if len(packet) < HeaderSize {
		return BulkIn{}, fmt.Errorf("bulk-in packet of %d bytes is shorter than the header", len(packet))
	}
	if packet[0] != DevDepMsgIn {
		return BulkIn{}, fmt.Errorf("unexpected bulk-in MsgID %d", packet[0])
	}
	if packet[2] != invert(packet[1]) {
		return BulkIn{}, fmt.Errorf("bulk-in bTag %d does not match its inverse %d", packet[1], packet[2])
	}
	size := int(binary.LittleEndian.Uint32(packet[4:8]))
	data := packet[HeaderSize:]
	if len(data) > size {
		data = data[:size]
	}
	return BulkIn{
		Tag:          packet[1],
		TransferSize: size,
		EOM:          packet[8]&0x01 != 0,
		Data:         data,
	}, nil
}

// ResourceString renders a VISA style USB resource name.
func ResourceString(vendor, product uint16, serial string) string {
	return fmt.Sprintf("USB0::0x%04X::0x%04X::%s::INSTR", vendor, product, serial)
}
