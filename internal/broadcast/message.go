package broadcast

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petrijr/shipit/pkg/capability"
)

// MessageType discriminates Message. It fully determines the shape of Data.
type MessageType string

// Outbound message types.
const (
	TypePushCommit       MessageType = "push_commit"
	TypeAssistantMessage MessageType = "assistant-message"
	TypeReleaseCreated   MessageType = "release-created"
	TypeReleasePublished MessageType = "release-published"
	TypeError            MessageType = "error"
)

// Inbound message types sent by observers.
const (
	TypeGreeting       MessageType = "greeting"
	TypePublishRelease MessageType = "publish-release"
)

var (
	// ErrUnknownType is returned by Decode for a type it does not know.
	ErrUnknownType = errors.New("unknown message type")

	// ErrInvalidMessage is returned by Decode when Data does not have the
	// shape its type requires.
	ErrInvalidMessage = errors.New("invalid message")
)

// Message is the tagged union exchanged with observers.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorData is the payload of TypeError.
type ErrorData struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// PublishRequest is the payload of an inbound TypePublishRelease.
type PublishRequest struct {
	ID    int64  `json:"id"`
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

// PushCommit wraps a raw push payload. The bytes are kept as they are.
func PushCommit(raw []byte) (Message, error) {
	if !json.Valid(raw) {
		return Message{}, fmt.Errorf("%w: push payload is not valid JSON", ErrInvalidMessage)
	}
	return Message{Type: TypePushCommit, Data: append(json.RawMessage(nil), raw...)}, nil
}

func AssistantMessage(text string) Message {
	return Message{Type: TypeAssistantMessage, Data: mustMarshal(text)}
}

func ReleaseCreated(rel *capability.Release) (Message, error) {
	return releaseMessage(TypeReleaseCreated, rel)
}

func ReleasePublished(rel *capability.Release) (Message, error) {
	return releaseMessage(TypeReleasePublished, rel)
}

// Error reports a failed handler for event to observers.
func Error(event string, err error) Message {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Message{Type: TypeError, Data: mustMarshal(ErrorData{Event: event, Message: msg})}
}

func releaseMessage(t MessageType, rel *capability.Release) (Message, error) {
	if rel == nil {
		return Message{}, fmt.Errorf("%w: %s requires a release", ErrInvalidMessage, t)
	}
	data, err := json.Marshal(rel)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Message{Type: t, Data: data}, nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// Encode renders m as {"type":...,"data":...}. Data is written verbatim,
// unlike json.Marshal which compacts raw messages.
func (m Message) Encode() ([]byte, error) {
	typ, err := json.Marshal(string(m.Type))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(typ) + len(m.Data) + 20)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(m.Data) > 0 {
		buf.WriteString(`,"data":`)
		buf.Write(m.Data)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Decode parses and validates one message. Unknown types are reported with
// ErrUnknownType and the decoded Message so callers may ignore them.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	if err := m.validate(); err != nil {
		return m, err
	}
	return m, nil
}

func (m Message) validate() error {
	switch m.Type {
	case TypePushCommit, TypeReleaseCreated, TypeReleasePublished:
		return m.expect('{')
	case TypeAssistantMessage:
		return m.expect('"')
	case TypeError:
		if err := m.expect('{'); err != nil {
			return err
		}
		var d ErrorData
		return m.DecodeData(&d)
	case TypeGreeting:
		return nil
	case TypePublishRelease:
		var p PublishRequest
		if err := m.DecodeData(&p); err != nil {
			return err
		}
		if p.Owner == "" || p.Repo == "" || p.ID == 0 {
			return fmt.Errorf("%w: %s requires id, owner and repo", ErrInvalidMessage, m.Type)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}

func (m Message) expect(first byte) error {
	d := bytes.TrimSpace(m.Data)
	if len(d) == 0 || d[0] != first {
		return fmt.Errorf("%w: unexpected data for %s", ErrInvalidMessage, m.Type)
	}
	return nil
}

// DecodeData unmarshals Data into dst.
func (m Message) DecodeData(dst any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s requires data", ErrInvalidMessage, m.Type)
	}
	if err := json.Unmarshal(m.Data, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, m.Type, err)
	}
	return nil
}
