package domain

// Capability tags behaviour an entity kind supports. Kinds are flat; shared
// contracts are expressed by sharing capabilities.
type Capability string

const (
	CapStream        Capability = "stream"
	CapPeer          Capability = "peer"
	CapRoom          Capability = "room"
	CapRecorder      Capability = "recorder"
	CapBinaryPayload Capability = "binary-payload"
	CapReferenceList Capability = "reference-list"
)

// Referable is implemented by anything that can stand in for a reference
// value, such as a live entity.
type Referable interface {
	Ref() Ref
}
