package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"runner-rpc/message"
)

var errShortBuffer = errors.New("codec: short buffer")

// BinaryCodec writes the routing fields and transfer buffers in binary and
// keeps the structured remainder as a JSON tail.
//
//	type(str16) id(u64) method(str16) token(str16)
//	nbuf(u16) { len(u32) bytes }*
//	tailLen(u32) tail(JSON)
type BinaryCodec struct{}

// tail is the part of an envelope that stays JSON in the binary layout.
type tail struct {
	Args        []message.Arg         `json:"args,omitempty"`
	Value       *message.Arg          `json:"value,omitempty"`
	MethodNames []string              `json:"methodNames,omitempty"`
	Error       *message.ErrorPayload `json:"error,omitempty"`
	Streams     []uint32              `json:"streams,omitempty"`
}

func (c *BinaryCodec) Encode(env *message.Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("BinaryCodec: nil envelope")
	}
	rest, err := json.Marshal(tail{
		Args:        env.Args,
		Value:       env.Value,
		MethodNames: env.MethodNames,
		Error:       env.Error,
		Streams:     env.Streams,
	})
	if err != nil {
		return nil, err
	}
	if len(env.Buffers) > 0xffff {
		return nil, fmt.Errorf("BinaryCodec: too many buffers: %d", len(env.Buffers))
	}

	total := 2 + len(env.Type) + 8 + 2 + len(env.Method) + 2 + len(env.Token) + 2 + 4 + len(rest)
	for _, b := range env.Buffers {
		total += 4 + len(b)
	}
	buf := make([]byte, 0, total)

	buf = appendStr16(buf, string(env.Type))
	buf = binary.BigEndian.AppendUint64(buf, env.ID)
	buf = appendStr16(buf, env.Method)
	buf = appendStr16(buf, env.Token)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(env.Buffers)))
	for _, b := range env.Buffers {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
		buf = append(buf, b...)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(rest)))
	buf = append(buf, rest...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, env *message.Envelope) error {
	if env == nil {
		return errors.New("BinaryCodec: nil envelope")
	}
	r := reader{data: data}

	typ := r.str16()
	env.Type = message.Action(typ)
	env.ID = r.u64()
	env.Method = r.str16()
	env.Token = r.str16()

	n := int(r.u16())
	if n > 0 {
		env.Buffers = make([][]byte, n)
		for i := 0; i < n; i++ {
			size := int(r.u32())
			env.Buffers[i] = r.bytes(size)
		}
	}

	restLen := int(r.u32())
	rest := r.bytes(restLen)
	if r.err != nil {
		return r.err
	}

	var t tail
	if len(rest) > 0 {
		if err := json.Unmarshal(rest, &t); err != nil {
			return err
		}
	}
	env.Args = t.Args
	env.Value = t.Value
	env.MethodNames = t.MethodNames
	env.Error = t.Error
	env.Streams = t.Streams
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendStr16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// reader is a sticky-error cursor over a decoded body.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) str16() string {
	return string(r.take(int(r.u16())))
}

// bytes copies so the decoded envelope owns its buffers independently of the frame body.
func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
