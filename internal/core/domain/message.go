package domain

type MessageType string

const (
	MessageStateUpdate MessageType = "state-update"
	MessageCommand     MessageType = "command"
)

// Built-in lifecycle commands handled by the bus itself.
const (
	CommandClose  = "close"
	CommandClosed = "closed"
)

// WireValue is the tagged wire form of one attribute value. Exactly the slot
// matching Type is meaningful; Null marks an absent reference or payload.
type WireValue struct {
	Type    AttrType `json:"t" msgpack:"t"`
	Null    bool     `json:"n,omitempty" msgpack:"n,omitempty"`
	Bool    *bool    `json:"b,omitempty" msgpack:"b,omitempty"`
	Int     *int64   `json:"i,omitempty" msgpack:"i,omitempty"`
	Float   *float64 `json:"f,omitempty" msgpack:"f,omitempty"`
	String  *string  `json:"s,omitempty" msgpack:"s,omitempty"`
	Strings []string `json:"ss,omitempty" msgpack:"ss,omitempty"`
	Bytes   []byte   `json:"y,omitempty" msgpack:"y,omitempty"`
	Refs    []Ref    `json:"r,omitempty" msgpack:"r,omitempty"`
}

// Message is one logical message crossing the transport boundary.
type Message struct {
	Type     MessageType    `json:"type" msgpack:"type"`
	EntityID EntityID       `json:"entity_id" msgpack:"entity_id"`
	Kind     Kind           `json:"kind,omitempty" msgpack:"kind,omitempty"`
	Attr     string         `json:"attr_name,omitempty" msgpack:"attr_name,omitempty"`
	Value    *WireValue     `json:"value,omitempty" msgpack:"value,omitempty"`
	Command  string         `json:"command_name,omitempty" msgpack:"command_name,omitempty"`
	Payload  map[string]any `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

func NewStateUpdate(id EntityID, kind Kind, attr string, value *WireValue) *Message {
	return &Message{Type: MessageStateUpdate, EntityID: id, Kind: kind, Attr: attr, Value: value}
}

func NewCommand(id EntityID, name string, payload map[string]any) *Message {
	return &Message{Type: MessageCommand, EntityID: id, Command: name, Payload: payload}
}

// LinkStatus is reported by transports whenever the remote side attaches or
// goes away.
type LinkStatus struct {
	Connected bool
	Peer      string
}
