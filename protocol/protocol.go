// Package protocol implements the frame format that carries many logical
// channels over one byte stream.
//
// A fixed-size 14-byte header is followed by a variable-length body. The
// header's stream id says which logical channel the frame belongs to; stream 0
// is the shared bootstrap channel every connection starts with.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│ft│ stream  │ bodyLen │    body ...    │
//	│ rrp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "rrp" (runner-rpc protocol).
const (
	MagicNumber byte = 0x72 // 'r'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (frameType) + 4 (stream) + 4 (bodyLen)

	// DefaultMaxBodyLen bounds a single frame body unless the caller picks a limit.
	DefaultMaxBodyLen uint32 = 64 << 20
)

// BootstrapStream is the stream id of the shared bootstrap channel.
const BootstrapStream uint32 = 0

var (
	ErrInvalidMagic       = errors.New("protocol: invalid magic number")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrUnsupportedCodec   = errors.New("protocol: unsupported codec type")
	ErrUnsupportedFrame   = errors.New("protocol: unsupported frame type")
	ErrBodyTooLarge       = errors.New("protocol: body too large")
)

// FrameType distinguishes data frames from stream lifecycle frames.
type FrameType byte

const (
	FrameData      FrameType = 0 // Envelope for an open stream
	FrameOpen      FrameType = 1 // Sender allocated a new stream id (no body)
	FrameClose     FrameType = 2 // Sender closed its end of the stream (no body)
	FrameHeartbeat FrameType = 3 // KeepAlive frame (no body)
)

func (f FrameType) String() string {
	switch f {
	case FrameData:
		return "data"
	case FrameOpen:
		return "open"
	case FrameClose:
		return "close"
	case FrameHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("frame(%d)", byte(f))
}

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte      // Serialization format of the body: 0=JSON, 1=Binary
	FrameType FrameType // Data, Open, Close or Heartbeat
	Stream    uint32    // Logical channel the frame belongs to
	BodyLen   uint32    // Body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different streams will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.FrameType)
	binary.BigEndian.PutUint32(buf[6:10], h.Stream)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// One Write per frame: message-oriented carriers (websocket) map it to one message.
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame with the default body limit.
func Decode(r io.Reader) (*Header, []byte, error) {
	return DecodeLimit(r, DefaultMaxBodyLen)
}

// DecodeLimit reads a complete frame (header + body) from r, rejecting bodies
// larger than maxBody. It validates the magic number, version, codec type and
// frame type.
func DecodeLimit(r io.Reader, maxBody uint32) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("%w: %x", ErrInvalidMagic, headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedCodec, headerBuf[4])
	}
	frameType := FrameType(headerBuf[5])
	if frameType > FrameHeartbeat {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedFrame, headerBuf[5])
	}

	stream := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if maxBody > 0 && bodyLen > maxBody {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, bodyLen, maxBody)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		FrameType: frameType,
		Stream:    stream,
		BodyLen:   bodyLen,
	}, body, nil
}
