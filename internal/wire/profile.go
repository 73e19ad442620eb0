package wire

import (
	"encoding/binary"
	"fmt"
)

// Point is one measured (x, y, brightness) sample within a Profile, plus the
// optional auxiliary channels a DataType set may carry.
type Point struct {
	X, Y       int16 // camera-space coordinates in 1/1000 inch units on the wire
	Brightness uint8
	PeakWidth  uint16
	Variance   uint16
	Subpixel   uint16
	Image      uint8
}

// Profile is one decoded laser-line measurement from one (camera, laser)
// pair at one scan cycle, per §3's Profile entity.
type Profile struct {
	HeadSerial  uint32
	Camera      uint8
	Laser       uint8
	Sequence    uint32
	Encoder     int64
	EncoderAux  int64
	TimestampNS int64
	DataTypes   DataType
	Flags       uint16
	Points      []Point
}

// DecodePoints parses payload (a PointStride(dt)-aligned byte slice) into
// Points according to the channels set in dt, in the fixed channel order.
func DecodePoints(payload []byte, dt DataType) ([]Point, error) {
	stride := PointStride(dt)
	if stride == 0 {
		return nil, fmt.Errorf("wire: DataType set %#x declares no channels", dt)
	}
	if len(payload)%stride != 0 {
		return nil, fmt.Errorf("wire: payload length %d is not a multiple of point stride %d", len(payload), stride)
	}
	n := len(payload) / stride
	points := make([]Point, n)
	for i := 0; i < n; i++ {
		rec := payload[i*stride : (i+1)*stride]
		off := 0
		var p Point
		for _, c := range dt.Channels() {
			w := ChannelWidth(c)
			field := rec[off : off+w]
			switch c {
			case DataTypeBrightness:
				p.Brightness = field[0]
			case DataTypeImage:
				p.Image = field[0]
			case DataTypeXY:
				p.X = int16(binary.BigEndian.Uint16(field[0:2]))
				p.Y = int16(binary.BigEndian.Uint16(field[2:4]))
			case DataTypePeakWidth:
				p.PeakWidth = binary.BigEndian.Uint16(field)
			case DataTypeVariance:
				p.Variance = binary.BigEndian.Uint16(field)
			case DataTypeSubpixel:
				p.Subpixel = binary.BigEndian.Uint16(field)
			}
			off += w
		}
		points[i] = p
	}
	return points, nil
}

// EncodePoints is the inverse of DecodePoints, used by tests and by
// EncodePacket.
func EncodePoints(points []Point, dt DataType) []byte {
	stride := PointStride(dt)
	buf := make([]byte, stride*len(points))
	for i, p := range points {
		rec := buf[i*stride : (i+1)*stride]
		off := 0
		for _, c := range dt.Channels() {
			w := ChannelWidth(c)
			field := rec[off : off+w]
			switch c {
			case DataTypeBrightness:
				field[0] = p.Brightness
			case DataTypeImage:
				field[0] = p.Image
			case DataTypeXY:
				binary.BigEndian.PutUint16(field[0:2], uint16(p.X))
				binary.BigEndian.PutUint16(field[2:4], uint16(p.Y))
			case DataTypePeakWidth:
				binary.BigEndian.PutUint16(field, p.PeakWidth)
			case DataTypeVariance:
				binary.BigEndian.PutUint16(field, p.Variance)
			case DataTypeSubpixel:
				binary.BigEndian.PutUint16(field, p.Subpixel)
			}
			off += w
		}
	}
	return buf
}

// ProfileFromHeader builds a Profile's scalar fields from a decoded Header,
// leaving Points empty for the caller (typically the reassembler, once all
// fragments have arrived) to fill in.
func ProfileFromHeader(h Header) Profile {
	return Profile{
		HeadSerial:  h.HeadSerial,
		Camera:      h.Camera,
		Laser:       h.Laser,
		Sequence:    h.Sequence,
		Encoder:     h.Encoder,
		EncoderAux:  h.EncoderAux,
		TimestampNS: h.TimestampNS,
		DataTypes:   h.DataTypes,
		Flags:       h.Flags,
	}
}

// EncodePacket assembles a single (unfragmented) wire packet for profile,
// for use by tests.
func EncodePacket(p Profile) []byte {
	payload := EncodePoints(p.Points, p.DataTypes)
	h := Header{
		HeadSerial:    p.HeadSerial,
		Camera:        p.Camera,
		Laser:         p.Laser,
		Sequence:      p.Sequence,
		Encoder:       p.Encoder,
		EncoderAux:    p.EncoderAux,
		TimestampNS:   p.TimestampNS,
		DataTypes:     p.DataTypes,
		FragmentIndex: 0,
		FragmentCount: 1,
		PayloadLength: uint16(len(payload)),
		Flags:         p.Flags,
	}
	return append(EncodeHeader(h), payload...)
}
