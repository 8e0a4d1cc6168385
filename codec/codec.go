// Package codec turns envelopes into bytes for stream carriers.
//
// In-process carriers never encode: they move *message.Envelope values
// directly. A codec is only involved when an envelope crosses a byte stream
// (TCP, websocket), which is also where Envelope.Channels are replaced by
// stream ids and Envelope.Buffers are copied.
package codec

import (
	"fmt"
	"strings"

	"runner-rpc/message"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(env *message.Envelope) ([]byte, error)
	Decode(data []byte, env *message.Envelope) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ParseType maps a configuration name to a codec type.
func ParseType(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary", "bin":
		return CodecTypeBinary, nil
	default:
		return 0, fmt.Errorf("codec: unknown codec %q", name)
	}
}

func (t CodecType) String() string {
	if t == CodecTypeJSON {
		return "json"
	}
	return "binary"
}
