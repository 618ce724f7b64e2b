package catalog

import (
	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
	"github.com/maartenbreddels/ipywebrtc/internal/core/entity"
	"github.com/maartenbreddels/ipywebrtc/internal/core/schema"
)

// PayloadAttr names the binary attribute a kind records into, if any.
func PayloadAttr(kind domain.Kind) string {
	switch kind {
	case domain.KindImageStream:
		return "image"
	case domain.KindVideoStream, domain.KindAudioStream,
		domain.KindVideoRecorder, domain.KindAudioRecorder, domain.KindImageRecorder:
		return "data"
	}
	return ""
}

// clearOnRecord empties data when a new recording cycle begins.
func clearOnRecord(e *entity.Entity) {
	e.OnChange("recording", func(c domain.Change) {
		if started, _ := c.New.(bool); started {
			_ = e.Set("data", nil)
		}
	})
}

// Builtin returns a catalog holding every built-in kind. The registry must
// carry the matching declarations, usually schema.Builtin().
func Builtin(registry *schema.Registry) *Catalog {
	c := New(registry)

	stream := []domain.Capability{domain.CapStream}
	streamWithPayload := []domain.Capability{domain.CapStream, domain.CapBinaryPayload}
	room := []domain.Capability{domain.CapRoom, domain.CapReferenceList}
	recorder := []domain.Capability{domain.CapRecorder, domain.CapBinaryPayload}

	entries := []Entry{
		{Kind: domain.KindMediaStream, Capabilities: stream},
		{Kind: domain.KindVideoStream, Capabilities: streamWithPayload},
		{Kind: domain.KindAudioStream, Capabilities: streamWithPayload},
		{Kind: domain.KindImageStream, Capabilities: streamWithPayload},
		{Kind: domain.KindCameraStream, Capabilities: stream},
		{Kind: domain.KindWidgetStream, Capabilities: stream},
		{Kind: domain.KindWebRTCPeer, Capabilities: []domain.Capability{domain.CapPeer}},
		{Kind: domain.KindWebRTCRoom, Capabilities: room},
		{Kind: domain.KindWebRTCRoomLocal, Capabilities: room},
		{Kind: domain.KindWebRTCRoomMqtt, Capabilities: room},
		{Kind: domain.KindVideoRecorder, Capabilities: recorder, Setup: clearOnRecord},
		{Kind: domain.KindAudioRecorder, Capabilities: recorder, Setup: clearOnRecord},
		{Kind: domain.KindImageRecorder, Capabilities: recorder, Setup: clearOnRecord},
	}
	for _, entry := range entries {
		if err := c.Register(entry); err != nil {
			panic(err)
		}
	}
	return c
}
