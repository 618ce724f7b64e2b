package schema

import (
	"fmt"

	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
	"github.com/maartenbreddels/ipywebrtc/pkg/validation"
)

// DefaultVideoURL is the sample clip the front-end plays when no source is given.
const DefaultVideoURL = "https://webrtc.github.io/samples/src/video/chrome.mp4"

// DefaultMqttServer is the public broker used by MQTT rooms unless configured.
const DefaultMqttServer = "wss://iot.eclipse.org:443/ws"

func intRule(rule func(int64) error) domain.Validator {
	return func(v any) (any, error) {
		if err := rule(v.(int64)); err != nil {
			return nil, err
		}
		return v, nil
	}
}

func stringRule(rule func(string) error) domain.Validator {
	return func(v any) (any, error) {
		if err := rule(v.(string)); err != nil {
			return nil, err
		}
		return v, nil
	}
}

func iceServersRule(v any) (any, error) {
	for _, raw := range v.([]string) {
		if err := validation.ValidateICEServerURL(raw); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func brokerRule(v any) (any, error) {
	if err := validation.ValidateURL(v.(string), "ws", "wss", "mqtt", "mqtts", "tcp"); err != nil {
		return nil, fmt.Errorf("signaling server: %w", err)
	}
	return v, nil
}

func mediaAttrs(format string) []domain.AttrSpec {
	return []domain.AttrSpec{
		{Name: "url", Type: domain.AttrString, Default: DefaultVideoURL, Sync: true},
		{Name: "data", Type: domain.AttrBytes, Sync: true},
		{Name: "playing", Type: domain.AttrBool, Default: true, Sync: true},
		{Name: "loop", Type: domain.AttrBool, Default: true, Sync: true},
		{Name: "format", Type: domain.AttrString, Default: format, Sync: true, Validator: stringRule(validation.ValidateFormat)},
		{Name: "filename", Type: domain.AttrString, Default: "", Sync: false},
	}
}

func roomAttrs() []domain.AttrSpec {
	return []domain.AttrSpec{
		{Name: "room", Type: domain.AttrString, Default: "room", Sync: true},
		{Name: "room_id", Type: domain.AttrString, Sync: true, ReadOnly: true},
		{Name: "nickname", Type: domain.AttrString, Default: "anonymous", Sync: true, Validator: stringRule(validation.ValidateNickname)},
		{Name: "stream", Type: domain.AttrRef, Sync: true},
		{Name: "peers", Type: domain.AttrRefList, Sync: true},
		{Name: "streams", Type: domain.AttrRefList, Sync: true},
	}
}

func recorderAttrs(format string) []domain.AttrSpec {
	return []domain.AttrSpec{
		{Name: "stream", Type: domain.AttrRef, Sync: true},
		{Name: "filename", Type: domain.AttrString, Default: "record", Sync: true, Validator: stringRule(validation.ValidateFilename)},
		{Name: "format", Type: domain.AttrString, Default: format, Sync: true, Validator: stringRule(validation.ValidateFormat)},
		{Name: "codecs", Type: domain.AttrString, Default: "", Sync: true},
		{Name: "recording", Type: domain.AttrBool, Default: false, Sync: true},
		{Name: "autosave", Type: domain.AttrBool, Default: false, Sync: false},
		{Name: "data", Type: domain.AttrBytes, Sync: true},
	}
}

// Builtin returns a registry holding the declaration table of every
// built-in entity kind.
func Builtin() *Registry {
	r := NewRegistry()

	r.MustDeclare(domain.KindMediaStream)

	r.MustDeclare(domain.KindVideoStream, mediaAttrs("mp4")...)
	r.DeclareCommand(domain.KindVideoStream, "play")
	r.MustDeclare(domain.KindAudioStream, mediaAttrs("ogg")...)
	r.DeclareCommand(domain.KindAudioStream, "play")

	r.MustDeclare(domain.KindImageStream,
		domain.AttrSpec{Name: "image", Type: domain.AttrBytes, Sync: true},
		domain.AttrSpec{Name: "format", Type: domain.AttrString, Default: "png", Sync: true, Validator: stringRule(validation.ValidateFormat)},
		domain.AttrSpec{Name: "width", Type: domain.AttrInt, Sync: true, Validator: intRule(validation.ValidateNonNegative)},
		domain.AttrSpec{Name: "height", Type: domain.AttrInt, Sync: true, Validator: intRule(validation.ValidateNonNegative)},
	)

	r.MustDeclare(domain.KindCameraStream,
		domain.AttrSpec{Name: "audio", Type: domain.AttrBool, Default: true, Sync: true},
		domain.AttrSpec{Name: "video", Type: domain.AttrBool, Default: true, Sync: true},
	)
	r.DeclareCommand(domain.KindCameraStream, domain.CommandClose)

	r.MustDeclare(domain.KindWidgetStream,
		domain.AttrSpec{Name: "widget", Type: domain.AttrRef, Sync: true},
		domain.AttrSpec{Name: "max_fps", Type: domain.AttrInt, Sync: true, Validator: intRule(validation.ValidateNonNegative)},
	)

	r.MustDeclare(domain.KindWebRTCPeer,
		domain.AttrSpec{Name: "stream_local", Type: domain.AttrRef, Sync: true},
		domain.AttrSpec{Name: "stream_remote", Type: domain.AttrRef, Sync: true},
		domain.AttrSpec{Name: "id_local", Type: domain.AttrString, Default: "lala", Sync: true},
		domain.AttrSpec{Name: "id_remote", Type: domain.AttrString, Default: "lala", Sync: true},
		domain.AttrSpec{Name: "connected", Type: domain.AttrBool, Sync: true, ReadOnly: true},
		domain.AttrSpec{Name: "failed", Type: domain.AttrBool, Sync: true, ReadOnly: true},
		domain.AttrSpec{Name: "ice_servers", Type: domain.AttrStringList, Sync: true, Validator: iceServersRule},
	)
	r.DeclareCommand(domain.KindWebRTCPeer, "connect", domain.CommandClose)

	r.MustDeclare(domain.KindWebRTCRoom, roomAttrs()...)
	r.DeclareCommand(domain.KindWebRTCRoom, domain.CommandClose)
	mustExtend(r, domain.KindWebRTCRoomLocal, domain.KindWebRTCRoom)
	mustExtend(r, domain.KindWebRTCRoomMqtt, domain.KindWebRTCRoom)
	r.MustDeclare(domain.KindWebRTCRoomMqtt,
		domain.AttrSpec{Name: "server", Type: domain.AttrString, Default: DefaultMqttServer, Sync: true, Validator: brokerRule},
	)

	r.MustDeclare(domain.KindVideoRecorder, recorderAttrs("webm")...)
	r.DeclareCommand(domain.KindVideoRecorder, "download")
	r.MustDeclare(domain.KindAudioRecorder, recorderAttrs("webm")...)
	r.DeclareCommand(domain.KindAudioRecorder, "download")
	r.MustDeclare(domain.KindImageRecorder, recorderAttrs("png")...)
	r.DeclareCommand(domain.KindImageRecorder, "download", "grab")

	return r
}

func mustExtend(r *Registry, kind, base domain.Kind) {
	if err := r.Extend(kind, base); err != nil {
		panic(err)
	}
}
