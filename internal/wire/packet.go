// Package wire implements the client-side half of the scan-head wire codec:
// decoding profile packets and the data-type-tagged payload they carry, and
// encoding/decoding the small set of fixed-width header fields every packet
// shares. The bit-exact on-wire schema used by real JS-50 firmware is a
// flatbuffer-style format outside this module's scope (§4.1); this codec
// defines an equivalent fixed-layout format for the same fields so the rest
// of the data plane (reassembly, queues, frame assembly) has something
// concrete to decode from.
package wire

import (
	"encoding/binary"
	"fmt"
)

// DataType identifies one channel a profile packet payload may carry.
type DataType uint16

// Recognised data-type bits, per §4.1. A packet's DataTypes field is the
// bitwise OR of the channels present in its payload.
const (
	DataTypeBrightness DataType = 1 << iota
	DataTypeXY
	DataTypePeakWidth
	DataTypeVariance
	DataTypeSubpixel
	DataTypeImage
)

// channelOrder is the fixed low-to-high enumeration order in which channel
// fields are packed within a single point's payload slice. Per design note
// "Iteration over all flag bits", this order is explicit and must not be
// inferred via reflection.
var channelOrder = []DataType{
	DataTypeBrightness,
	DataTypeXY,
	DataTypePeakWidth,
	DataTypeVariance,
	DataTypeSubpixel,
	DataTypeImage,
}

// ChannelWidth returns the per-point byte width of a single data-type
// channel, per §4.1's fixed per-type widths.
func ChannelWidth(dt DataType) int {
	switch dt {
	case DataTypeBrightness, DataTypeImage:
		return 1
	case DataTypeSubpixel, DataTypePeakWidth, DataTypeVariance:
		return 2
	case DataTypeXY:
		return 4
	default:
		return 0
	}
}

// Channels returns the set bits of dt in the fixed enumeration order, low to
// high. This is the explicit bit-enumeration helper the design notes call
// for in place of reflection-based iteration.
func (dt DataType) Channels() []DataType {
	var out []DataType
	for _, c := range channelOrder {
		if dt&c != 0 {
			out = append(out, c)
		}
	}
	return out
}

// PointStride returns the number of bytes a single point occupies in a
// payload carrying the given DataType set.
func PointStride(dt DataType) int {
	stride := 0
	for _, c := range dt.Channels() {
		stride += ChannelWidth(c)
	}
	return stride
}

// HeaderSize is the fixed byte length of a profile packet header, before the
// DataType-tagged payload.
const HeaderSize = 52

const packetMagic uint16 = 0x4a53 // "JS"

// Header is the fixed-layout header shared by every profile packet.
type Header struct {
	HeadSerial     uint32
	Camera         uint8
	Laser          uint8
	Sequence       uint32
	Encoder        int64
	EncoderAux     int64
	TimestampNS    int64
	DataTypes      DataType
	FragmentIndex  uint16
	FragmentCount  uint16
	PayloadLength  uint16
	Flags          uint16
}

// EncodeHeader writes h to a HeaderSize-byte buffer, returning it.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], packetMagic)
	buf[2] = 1 // version
	buf[3] = 0 // reserved
	binary.BigEndian.PutUint32(buf[4:8], h.HeadSerial)
	buf[8] = h.Camera
	buf[9] = h.Laser
	binary.BigEndian.PutUint16(buf[10:12], 0) // reserved
	binary.BigEndian.PutUint32(buf[12:16], h.Sequence)
	binary.BigEndian.PutUint64(buf[16:24], uint64(h.Encoder))
	binary.BigEndian.PutUint64(buf[24:32], uint64(h.EncoderAux))
	binary.BigEndian.PutUint64(buf[32:40], uint64(h.TimestampNS))
	binary.BigEndian.PutUint16(buf[40:42], uint16(h.DataTypes))
	binary.BigEndian.PutUint16(buf[42:44], h.FragmentIndex)
	binary.BigEndian.PutUint16(buf[44:46], h.FragmentCount)
	binary.BigEndian.PutUint16(buf[46:48], h.PayloadLength)
	binary.BigEndian.PutUint16(buf[48:50], h.Flags)
	binary.BigEndian.PutUint16(buf[50:52], 0) // reserved
	return buf
}

// DecodeHeader parses the first HeaderSize bytes of packet into a Header.
// It returns a plain (non-scanerr) error when the packet is too short or the
// magic doesn't match.
func DecodeHeader(packet []byte) (Header, error) {
	if len(packet) < HeaderSize {
		return Header{}, fmt.Errorf("wire: packet too short for header: got %d bytes, need %d", len(packet), HeaderSize)
	}
	if got := binary.BigEndian.Uint16(packet[0:2]); got != packetMagic {
		return Header{}, fmt.Errorf("wire: bad magic %#x, not a profile packet", got)
	}
	var h Header
	h.HeadSerial = binary.BigEndian.Uint32(packet[4:8])
	h.Camera = packet[8]
	h.Laser = packet[9]
	h.Sequence = binary.BigEndian.Uint32(packet[12:16])
	h.Encoder = int64(binary.BigEndian.Uint64(packet[16:24]))
	h.EncoderAux = int64(binary.BigEndian.Uint64(packet[24:32]))
	h.TimestampNS = int64(binary.BigEndian.Uint64(packet[32:40]))
	h.DataTypes = DataType(binary.BigEndian.Uint16(packet[40:42]))
	h.FragmentIndex = binary.BigEndian.Uint16(packet[42:44])
	h.FragmentCount = binary.BigEndian.Uint16(packet[44:46])
	h.PayloadLength = binary.BigEndian.Uint16(packet[46:48])
	h.Flags = binary.BigEndian.Uint16(packet[48:50])
	return h, nil
}

// Payload returns the payload region of packet following the header,
// truncated (or validated) to h.PayloadLength.
func Payload(packet []byte, h Header) ([]byte, error) {
	want := HeaderSize + int(h.PayloadLength)
	if len(packet) < want {
		return nil, fmt.Errorf("wire: packet too short for declared payload: got %d bytes, need %d", len(packet), want)
	}
	return packet[HeaderSize:want], nil
}

// IsProfilePacket reports whether packet looks like a profile packet (i.e.
// decodes a header with the expected magic) without fully decoding it.
func IsProfilePacket(packet []byte) bool {
	_, err := DecodeHeader(packet)
	return err == nil
}
