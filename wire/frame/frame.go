// Package frame encodes the messages exchanged over a pairing socket.
//
// Each frame on the stream is a 4-byte big-endian length followed by a
// protobuf-encoded body:
//
//	1: type        (varint)
//	2: name        (string)
//	3: endpoint_id (string)
//	4: accept      (varint bool)
//	5: payload     (bytes)
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds the encoded body of a single frame
const MaxFrameSize = 4 << 20

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrUnknownType   = errors.New("unknown frame type")
)

// Type identifies what a frame carries
type Type uint8

const (
	TypeConnectionRequest Type = 1
	TypeDecision          Type = 2
	TypePayload           Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeConnectionRequest:
		return "connection_request"
	case TypeDecision:
		return "decision"
	case TypePayload:
		return "payload"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

const (
	fieldType       protowire.Number = 1
	fieldName       protowire.Number = 2
	fieldEndpointID protowire.Number = 3
	fieldAccept     protowire.Number = 4
	fieldPayload    protowire.Number = 5
)

// Frame is one message on a pairing connection
type Frame struct {
	Type       Type
	Name       string // ConnectionRequest: requester's pairing name
	EndpointID string // ConnectionRequest: requester's endpoint id
	Accept     bool   // Decision
	Payload    []byte // Payload
}

// ConnectionRequest opens a connection on behalf of name/endpointID
func ConnectionRequest(name, endpointID string) *Frame {
	return &Frame{Type: TypeConnectionRequest, Name: name, EndpointID: endpointID}
}

// Decision carries one side's accept or reject
func Decision(accept bool) *Frame {
	return &Frame{Type: TypeDecision, Accept: accept}
}

// Payload carries application bytes
func Payload(b []byte) *Frame {
	return &Frame{Type: TypePayload, Payload: b}
}

// Marshal encodes the frame body. Empty fields are omitted.
func (f *Frame) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))
	if f.Name != "" {
		b = protowire.AppendTag(b, fieldName, protowire.BytesType)
		b = protowire.AppendString(b, f.Name)
	}
	if f.EndpointID != "" {
		b = protowire.AppendTag(b, fieldEndpointID, protowire.BytesType)
		b = protowire.AppendString(b, f.EndpointID)
	}
	if f.Accept {
		b = protowire.AppendTag(b, fieldAccept, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	return b
}

// Unmarshal decodes a frame body. Unknown fields are skipped.
func Unmarshal(b []byte) (*Frame, error) {
	f := &Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("decode type: %w", protowire.ParseError(n))
			}
			f.Type = Type(v)
			b = b[n:]
		case num == fieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("decode name: %w", protowire.ParseError(n))
			}
			f.Name = v
			b = b[n:]
		case num == fieldEndpointID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("decode endpoint id: %w", protowire.ParseError(n))
			}
			f.EndpointID = v
			b = b[n:]
		case num == fieldAccept && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("decode accept: %w", protowire.ParseError(n))
			}
			f.Accept = protowire.DecodeBool(v)
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("decode payload: %w", protowire.ParseError(n))
			}
			f.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	switch f.Type {
	case TypeConnectionRequest, TypeDecision, TypePayload:
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, f.Type)
	}
}

// Write sends one length-prefixed frame
func Write(w io.Writer, f *Frame) error {
	body := f.Marshal()
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}

// Read receives one length-prefixed frame. io.EOF is returned unwrapped when
// the stream ends cleanly between frames.
func Read(r io.Reader) (*Frame, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return Unmarshal(body)
}
