package codec

import (
	"encoding/json"
	"fmt"

	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"

	"github.com/vmihailenco/msgpack/v5"
)

// Encoding selects how whole messages are framed on a byte transport.
type Encoding string

const (
	EncodingMsgpack Encoding = "msgpack"
	EncodingJSON    Encoding = "json"
)

func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case "", EncodingMsgpack:
		return EncodingMsgpack, nil
	case EncodingJSON:
		return EncodingJSON, nil
	}
	return "", fmt.Errorf("unsupported frame encoding %q", s)
}

func MarshalFrame(enc Encoding, msg *domain.Message) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch enc {
	case EncodingJSON:
		data, err = json.Marshal(msg)
	case EncodingMsgpack, "":
		data, err = msgpack.Marshal(msg)
	default:
		return nil, fmt.Errorf("unsupported frame encoding %q", enc)
	}
	if err != nil {
		return nil, &domain.SerializationError{Attr: msg.Attr, Reason: "marshal frame", Cause: err}
	}
	return data, nil
}

func UnmarshalFrame(enc Encoding, data []byte) (*domain.Message, error) {
	var msg domain.Message
	var err error
	switch enc {
	case EncodingJSON:
		err = json.Unmarshal(data, &msg)
	case EncodingMsgpack, "":
		err = msgpack.Unmarshal(data, &msg)
	default:
		return nil, fmt.Errorf("unsupported frame encoding %q", enc)
	}
	if err != nil {
		return nil, &domain.SerializationError{Reason: "unmarshal frame", Cause: err}
	}
	if err := checkFrame(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func checkFrame(msg *domain.Message) error {
	if msg.EntityID == "" {
		return &domain.SerializationError{Attr: msg.Attr, Reason: "frame without entity_id"}
	}
	switch msg.Type {
	case domain.MessageStateUpdate:
		if msg.Attr == "" {
			return &domain.SerializationError{Reason: "state-update without attr_name"}
		}
	case domain.MessageCommand:
		if msg.Command == "" {
			return &domain.SerializationError{Reason: "command without command_name"}
		}
	default:
		return &domain.SerializationError{Attr: msg.Attr, Reason: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
	return nil
}
