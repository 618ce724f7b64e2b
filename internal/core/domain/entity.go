package domain

import "time"

type EntityID string
type Kind string

// KindUnresolved marks placeholders for references whose kind is unknown locally.
const KindUnresolved Kind = "unresolved"

const (
	KindMediaStream     Kind = "MediaStream"
	KindVideoStream     Kind = "VideoStream"
	KindAudioStream     Kind = "AudioStream"
	KindImageStream     Kind = "ImageStream"
	KindCameraStream    Kind = "CameraStream"
	KindWidgetStream    Kind = "WidgetStream"
	KindWebRTCPeer      Kind = "WebRTCPeer"
	KindWebRTCRoom      Kind = "WebRTCRoom"
	KindWebRTCRoomLocal Kind = "WebRTCRoomLocal"
	KindWebRTCRoomMqtt  Kind = "WebRTCRoomMqtt"
	KindVideoRecorder   Kind = "VideoRecorder"
	KindAudioRecorder   Kind = "AudioRecorder"
	KindImageRecorder   Kind = "ImageRecorder"
)

type LifecycleState string

const (
	LifecycleOpen    LifecycleState = "open"
	LifecycleActive  LifecycleState = "active"
	LifecycleClosing LifecycleState = "closing"
	LifecycleClosed  LifecycleState = "closed"
)

// Terminating reports whether the entity no longer accepts writes.
func (s LifecycleState) Terminating() bool {
	return s == LifecycleClosing || s == LifecycleClosed
}

type SyncState string

const (
	SyncUninitialized SyncState = "uninitialized"
	SyncSyncing       SyncState = "syncing"
	SyncSynced        SyncState = "synced"
	SyncDivergent     SyncState = "divergent"
	SyncClosed        SyncState = "closed"
)

// Origin tells which side created an entity. The creating side owns it,
// the other side holds a mirror.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Ref is a reference to another entity, encoded on the wire as (kind, id).
type Ref struct {
	Kind Kind     `json:"kind" msgpack:"kind"`
	ID   EntityID `json:"id" msgpack:"id"`
}

func (r Ref) IsZero() bool {
	return r.ID == ""
}

// EntityInfo is a read-only summary of a live entity.
type EntityInfo struct {
	ID          EntityID       `json:"id"`
	Kind        Kind           `json:"kind"`
	Origin      Origin         `json:"origin"`
	Lifecycle   LifecycleState `json:"lifecycle"`
	Sync        SyncState      `json:"sync"`
	Placeholder bool           `json:"placeholder"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Change describes one applied attribute change.
type Change struct {
	EntityID EntityID
	Attr     string
	Old      any
	New      any
	Origin   Origin
}
