// Package codec registers a gob-based grpc encoding.Codec so the control
// channel can exercise real grpc.ClientConn.Invoke calls over plain Go
// request/response structs without a protoc code-generation step (§2.2).
package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the codec name negotiated via the "grpc+<name>" content-subtype
// and passed to grpc.CallContentSubtype.
const Name = "gobcontrol"

// gobCodec implements google.golang.org/grpc/encoding.Codec.
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("control/codec: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("control/codec: gob decode: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return Name }

func init() {
	encoding.RegisterCodec(gobCodec{})
}
