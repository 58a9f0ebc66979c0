// Package ipc implements the content protection request/event protocol.
//
// Each frame is a 4-byte big-endian length followed by a protobuf-encoded
// Message. Requests are answered by an ACK, ERROR or STATUS_RESPONSE frame;
// STATUS_CHANGED events may arrive at any time on the same stream.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bnema/wayprotect/internal/protection"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxMessageSize bounds a single frame
const MaxMessageSize = 4096

// MessageType identifies a frame
type MessageType int32

const (
	MessageTypeUnspecified MessageType = iota
	MessageTypeDesired
	MessageTypeDisable
	MessageTypeStatus
	MessageTypeStatusChanged
	MessageTypeStatusResponse
	MessageTypeAck
	MessageTypeError
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeDesired:
		return "DESIRED"
	case MessageTypeDisable:
		return "DISABLE"
	case MessageTypeStatus:
		return "STATUS"
	case MessageTypeStatusChanged:
		return "STATUS_CHANGED"
	case MessageTypeStatusResponse:
		return "STATUS_RESPONSE"
	case MessageTypeAck:
		return "ACK"
	case MessageTypeError:
		return "ERROR"
	default:
		return fmt.Sprintf("MESSAGE_TYPE_%d", int32(t))
	}
}

// Field numbers of the wire message
const (
	fieldType        protowire.Number = 1
	fieldContentType protowire.Number = 2
	fieldStatus      protowire.Number = 3
	fieldRetriesLeft protowire.Number = 4
	fieldExhausted   protowire.Number = 5
	fieldPending     protowire.Number = 6
	fieldError       protowire.Number = 7
	fieldElapsed     protowire.Number = 8
)

// Message is a single protocol frame
type Message struct {
	Type        MessageType
	ContentType protection.ContentType
	Status      protection.Status
	RetriesLeft int32
	Elapsed     int32
	Exhausted   bool
	Pending     bool
	Error       string
}

// NewDesiredMessage asks for protection of type t
func NewDesiredMessage(t protection.ContentType) *Message {
	return &Message{Type: MessageTypeDesired, ContentType: t}
}

// NewDisableMessage asks for protection to be turned off
func NewDisableMessage() *Message {
	return &Message{Type: MessageTypeDisable}
}

// NewStatusMessage queries the negotiation state
func NewStatusMessage() *Message {
	return &Message{Type: MessageTypeStatus}
}

// NewStatusChangedMessage is the asynchronous status event
func NewStatusChangedMessage(t protection.ContentType) *Message {
	return &Message{Type: MessageTypeStatusChanged, ContentType: t}
}

// NewStatusResponseMessage answers a status query
func NewStatusResponseMessage(snap protection.Snapshot) *Message {
	return &Message{
		Type:        MessageTypeStatusResponse,
		ContentType: snap.RequestedType,
		Status:      snap.Status,
		RetriesLeft: int32(snap.RetriesLeft),
		Elapsed:     int32(snap.ElapsedInWindow),
		Exhausted:   snap.Exhausted,
		Pending:     snap.Pending,
	}
}

// NewAckMessage acknowledges a request
func NewAckMessage() *Message {
	return &Message{Type: MessageTypeAck}
}

// NewErrorMessage rejects a request
func NewErrorMessage(errMsg string) *Message {
	return &Message{Type: MessageTypeError, Error: errMsg}
}

// Snapshot converts a status response back into a snapshot
func (m *Message) Snapshot() (protection.Snapshot, error) {
	if m.Type != MessageTypeStatusResponse {
		return protection.Snapshot{}, fmt.Errorf("message is not a status response")
	}
	return protection.Snapshot{
		Status:          m.Status,
		RequestedType:   m.ContentType,
		RetriesLeft:     int(m.RetriesLeft),
		ElapsedInWindow: int(m.Elapsed),
		Exhausted:       m.Exhausted,
		Pending:         m.Pending,
	}, nil
}

// Marshal encodes the message. Zero-valued fields are omitted.
func (m *Message) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fieldType, uint64(m.Type))
	b = appendVarint(b, fieldContentType, uint64(m.ContentType))
	b = appendVarint(b, fieldStatus, uint64(m.Status))
	b = appendVarint(b, fieldRetriesLeft, uint64(int64(m.RetriesLeft)))
	b = appendVarint(b, fieldExhausted, protowire.EncodeBool(m.Exhausted))
	b = appendVarint(b, fieldPending, protowire.EncodeBool(m.Pending))
	if m.Error != "" {
		b = protowire.AppendTag(b, fieldError, protowire.BytesType)
		b = protowire.AppendString(b, m.Error)
	}
	b = appendVarint(b, fieldElapsed, uint64(int64(m.Elapsed)))
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Unmarshal decodes a message, skipping unknown fields
func Unmarshal(data []byte) (*Message, error) {
	m := &Message{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("invalid tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldError && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid error field: %w", protowire.ParseError(n))
			}
			m.Error = v
			data = data[n:]
			continue
		case typ == protowire.VarintType && num >= fieldType && num <= fieldElapsed:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid field %d: %w", num, protowire.ParseError(n))
			}
			m.setVarint(num, v)
			data = data[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, fmt.Errorf("invalid field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return m, nil
}

func (m *Message) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fieldType:
		m.Type = MessageType(int32(v))
	case fieldContentType:
		m.ContentType = protection.ContentType(int32(v))
	case fieldStatus:
		m.Status = protection.Status(int32(v))
	case fieldRetriesLeft:
		m.RetriesLeft = int32(v)
	case fieldElapsed:
		m.Elapsed = int32(v)
	case fieldExhausted:
		m.Exhausted = protowire.DecodeBool(v)
	case fieldPending:
		m.Pending = protowire.DecodeBool(v)
	}
}

// ErrMessageTooLarge rejects frames above MaxMessageSize
var ErrMessageTooLarge = errors.New("message too large")

// WriteMessage writes one length-prefixed frame
func WriteMessage(w io.Writer, msg *Message) error {
	data := msg.Marshal()
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	// One write per frame keeps frames intact when writers share a stream
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data))) //nolint:gosec // bounded by MaxMessageSize
	copy(frame[4:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed frame
func ReadMessage(r io.Reader) (*Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read message data: %w", err)
	}

	msg, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return msg, nil
}
