package codec

import (
	"encoding/json"

	"runner-rpc/message"
)

// JSONCodec encodes the whole envelope with encoding/json.
// Buffers end up base64 encoded, which inflates large transfers by a third;
// prefer BinaryCodec when runners move big payloads.
type JSONCodec struct{}

func (c *JSONCodec) Encode(env *message.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (c *JSONCodec) Decode(data []byte, env *message.Envelope) error {
	return json.Unmarshal(data, env)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
