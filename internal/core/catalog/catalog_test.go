package catalog

import (
	"testing"

	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
	"github.com/maartenbreddels/ipywebrtc/internal/core/entity"
	"github.com/maartenbreddels/ipywebrtc/internal/core/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltin_ConstructsEveryKind(t *testing.T) {
	c := Builtin(schema.Builtin())

	kinds := c.Kinds()
	assert.Len(t, kinds, 13)
	for _, k := range kinds {
		e, err := c.Construct(k, domain.EntityID("id-"+string(k)), domain.OriginLocal)
		require.NoError(t, err, k)
		assert.Equal(t, k, e.Kind())
		assert.Equal(t, domain.LifecycleOpen, e.Lifecycle())
	}
}

func TestConstruct_UnknownKind(t *testing.T) {
	c := Builtin(schema.Builtin())

	_, err := c.Construct("Hologram", "h1", domain.OriginLocal)
	assert.ErrorIs(t, err, domain.ErrUnknownKind)
}

func TestCapabilities_RoomContract(t *testing.T) {
	c := Builtin(schema.Builtin())

	assert.ElementsMatch(t,
		[]domain.Kind{domain.KindWebRTCRoom, domain.KindWebRTCRoomLocal, domain.KindWebRTCRoomMqtt},
		c.KindsWith(domain.CapRoom))
	assert.True(t, c.HasCapability(domain.KindImageRecorder, domain.CapBinaryPayload))
	assert.False(t, c.HasCapability(domain.KindCameraStream, domain.CapRecorder))
	assert.False(t, c.HasCapability("Hologram", domain.CapStream))
}

func TestRegister_RequiresDeclaredKind(t *testing.T) {
	reg := schema.NewRegistry()
	c := New(reg)

	err := c.Register(Entry{Kind: "Gadget"})
	assert.ErrorIs(t, err, domain.ErrUnknownKind)

	reg.MustDeclare("Gadget", domain.AttrSpec{Name: "on", Type: domain.AttrBool, Sync: true})
	require.NoError(t, c.Register(Entry{Kind: "Gadget"}))
	assert.Error(t, c.Register(Entry{Kind: "Gadget"}))

	entry, ok := c.Lookup("Gadget")
	require.True(t, ok)
	assert.Equal(t, domain.Kind("Gadget"), entry.Kind)
}

func TestReset(t *testing.T) {
	c := Builtin(schema.Builtin())
	c.Reset()

	assert.Empty(t, c.Kinds())
	_, ok := c.Lookup(domain.KindWebRTCPeer)
	assert.False(t, ok)
}

func TestRecorderClearsDataOnNewRecording(t *testing.T) {
	c := Builtin(schema.Builtin())
	e, err := c.Construct(domain.KindAudioRecorder, "rec", domain.OriginLocal)
	require.NoError(t, err)

	_, err = e.ApplyRemote("data", []byte("OggS"))
	require.NoError(t, err)
	require.NoError(t, e.Set("recording", true))

	v, _ := e.Get("data")
	assert.Empty(t, v)
}

func TestPayloadAttr(t *testing.T) {
	assert.Equal(t, "image", PayloadAttr(domain.KindImageStream))
	assert.Equal(t, "data", PayloadAttr(domain.KindVideoRecorder))
	assert.Equal(t, "", PayloadAttr(domain.KindWebRTCPeer))
}

func TestAddSetupChainsHooks(t *testing.T) {
	c := Builtin(schema.Builtin())

	var order []string
	require.NoError(t, c.AddSetup(domain.KindVideoRecorder, func(e *entity.Entity) {
		order = append(order, "extra")
		require.NoError(t, e.Set("recording", true))
	}))

	e, err := c.Construct(domain.KindVideoRecorder, "r1", domain.OriginLocal)
	require.NoError(t, err)
	assert.Equal(t, []string{"extra"}, order)
	v, _ := e.Get("recording")
	assert.Equal(t, true, v)

	assert.ErrorIs(t, c.AddSetup("Hologram", func(*entity.Entity) {}), domain.ErrUnknownKind)
}
