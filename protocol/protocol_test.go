package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		FrameType: FrameData,
		Stream:    12345,
		BodyLen:   11,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decodedHeader.CodecType != header.CodecType {
		t.Errorf("CodecType mismatch: got %d, want %d", decodedHeader.CodecType, header.CodecType)
	}
	if decodedHeader.FrameType != header.FrameType {
		t.Errorf("FrameType mismatch: got %v, want %v", decodedHeader.FrameType, header.FrameType)
	}
	if decodedHeader.Stream != header.Stream {
		t.Errorf("Stream mismatch: got %d, want %d", decodedHeader.Stream, header.Stream)
	}
	if decodedHeader.BodyLen != header.BodyLen {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, header.BodyLen)
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(FrameData), 0x00, 0x00, 0x30, 0x39, 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expect ErrInvalidMagic, got %v", err)
	}
}

func TestDecodeLifecycleFrames(t *testing.T) {
	var buf bytes.Buffer
	for _, ft := range []FrameType{FrameOpen, FrameClose, FrameHeartbeat} {
		if err := Encode(&buf, &Header{FrameType: ft, Stream: 7}, nil); err != nil {
			t.Fatalf("Encode %v failed: %v", ft, err)
		}
	}

	for _, want := range []FrameType{FrameOpen, FrameClose, FrameHeartbeat} {
		h, body, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if h.FrameType != want || h.Stream != 7 {
			t.Errorf("expect %v on stream 7, got %v on %d", want, h.FrameType, h.Stream)
		}
		if len(body) != 0 {
			t.Errorf("expect empty body, got length %d", len(body))
		}
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF,
		CodecTypeJSON,
		byte(FrameData),
		0, 0, 0, 1,
		0, 0, 0, 0,
	})

	_, _, err := Decode(&buf)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expect ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecodeInvalidFrameType(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{
		MagicNumber, MagicByte2, MagicByte3,
		Version,
		CodecTypeBinary,
		0x09,
		0, 0, 0, 1,
		0, 0, 0, 0,
	})

	_, _, err := Decode(&buf)
	if !errors.Is(err, ErrUnsupportedFrame) {
		t.Fatalf("expect ErrUnsupportedFrame, got %v", err)
	}
}

func TestDecodeBodyLimit(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{FrameType: FrameData, Stream: 1}, make([]byte, 128)); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, _, err := DecodeLimit(&buf, 64)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expect ErrBodyTooLarge, got %v", err)
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{
		CodecType: CodecTypeBinary,
		FrameType: FrameData,
		Stream:    999,
	}
	if err := Encode(&buf, header, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	h, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if h.BodyLen != uint32(len(largeBody)) {
		t.Errorf("BodyLen mismatch: got %d", h.BodyLen)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
}
