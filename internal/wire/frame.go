package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	lengthPrefixSize = 4
	messageTypeSize  = 1
	headerSize       = lengthPrefixSize + messageTypeSize

	// MaxFrameSize caps a single frame's message-type byte plus payload.
	MaxFrameSize = 16 << 20
)

// Frame is one length-prefixed unit on the wire:
// [u32 big-endian length][u8 message_type][payload], where length counts
// the message_type byte plus payload (never just the payload).
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Encode serializes f to its wire representation.
func (f Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxFrameSize-messageTypeSize {
		return nil, fmt.Errorf("frame payload %d bytes exceeds max frame size", len(f.Payload))
	}
	length := uint32(messageTypeSize + len(f.Payload))
	buf := make([]byte, headerSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(f.Type)
	copy(buf[5:], f.Payload)
	return buf, nil
}

// ReadFrame reads exactly one frame from r, enforcing MaxFrameSize before
// allocating the payload buffer so a malicious length prefix cannot force
// an oversized allocation.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	if length == 0 {
		return Frame{}, fmt.Errorf("frame length must include the message type byte")
	}
	if length > MaxFrameSize {
		return Frame{}, fmt.Errorf("frame length %d exceeds max frame size %d", length, MaxFrameSize)
	}

	msgType := MessageType(header[4])
	if !msgType.Valid() {
		return Frame{}, fmt.Errorf("unknown message type %d", header[4])
	}

	payloadLen := int(length) - messageTypeSize
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: msgType, Payload: payload}, nil
}

// WriteFrame encodes and writes f to w in one call.
func WriteFrame(w io.Writer, f Frame) error {
	b, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Decoder incrementally assembles frames from a byte stream, for transports
// that deliver data in arbitrary chunks rather than one read per frame.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty streaming frame decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// Feed appends newly received bytes to the decoder's internal buffer.
func (d *Decoder) Feed(data []byte) { d.buf = append(d.buf, data...) }

// TryDecode returns the next complete frame buffered, if any. ok is false
// when more data is needed; err is non-nil only on a malformed length
// prefix or an unknown message type, in which case the caller should close
// the connection.
func (d *Decoder) TryDecode() (frame Frame, ok bool, err error) {
	if len(d.buf) < headerSize {
		return Frame{}, false, nil
	}
	length := binary.BigEndian.Uint32(d.buf[0:4])
	if length == 0 || length > MaxFrameSize {
		return Frame{}, false, fmt.Errorf("invalid frame length %d", length)
	}
	total := headerSize + int(length) - messageTypeSize
	if len(d.buf) < total {
		return Frame{}, false, nil
	}

	msgType := MessageType(d.buf[4])
	if !msgType.Valid() {
		return Frame{}, false, fmt.Errorf("unknown message type %d", d.buf[4])
	}
	payload := make([]byte, total-headerSize)
	copy(payload, d.buf[headerSize:total])

	remaining := make([]byte, len(d.buf)-total)
	copy(remaining, d.buf[total:])
	d.buf = remaining

	return Frame{Type: msgType, Payload: payload}, true, nil
}
