package memory

import (
	"context"
	"testing"
	"time"

	"github.com/maartenbreddels/ipywebrtc/internal/core/codec"
	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan *domain.Message) *domain.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestPipe_DeliversCopies(t *testing.T) {
	host, front := NewPipe(codec.EncodingMsgpack)
	ctx := context.Background()

	payload := []byte{0x00, 0xFF, 0x01}
	msg := domain.NewStateUpdate("e1", domain.KindVideoRecorder, "data", &domain.WireValue{Type: domain.AttrBytes, Bytes: payload})
	require.NoError(t, host.Send(ctx, msg))

	got := recv(t, front.Inbound())
	assert.Equal(t, domain.EntityID("e1"), got.EntityID)
	assert.Equal(t, payload, got.Value.Bytes)

	payload[0] = 0x42
	assert.Equal(t, byte(0x00), got.Value.Bytes[0])

	require.NoError(t, front.Send(ctx, domain.NewCommand("e1", "grab", nil)))
	back := recv(t, host.Inbound())
	assert.Equal(t, "grab", back.Command)
}

func TestPipe_InitialStatus(t *testing.T) {
	host, front := NewPipe(codec.EncodingJSON)

	st := <-host.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, "frontend", st.Peer)

	st = <-front.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, "host", st.Peer)
}

func TestPipe_LinkDown(t *testing.T) {
	host, front := NewPipe(codec.EncodingMsgpack)
	<-host.Status()
	<-front.Status()

	host.SetLink(false)
	assert.False(t, (<-host.Status()).Connected)
	assert.False(t, (<-front.Status()).Connected)
	assert.False(t, front.Connected())

	err := host.Send(context.Background(), domain.NewCommand("e1", "play", nil))
	assert.ErrorIs(t, err, domain.ErrTransportDown)

	front.SetLink(true)
	assert.True(t, (<-host.Status()).Connected)
	assert.NoError(t, host.Send(context.Background(), domain.NewCommand("e1", "play", nil)))
}

func TestPipe_Close(t *testing.T) {
	host, _ := NewPipe(codec.EncodingMsgpack)

	require.NoError(t, host.Close())
	require.NoError(t, host.Close())

	err := host.Send(context.Background(), domain.NewCommand("e1", "play", nil))
	assert.ErrorIs(t, err, domain.ErrTransportClosed)
}

func TestPipe_SendHonoursContext(t *testing.T) {
	host, _ := NewPipe(codec.EncodingMsgpack)
	for i := 0; i < inboundBuffer; i++ {
		require.NoError(t, host.Send(context.Background(), domain.NewCommand("e1", "play", nil)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := host.Send(ctx, domain.NewCommand("e1", "play", nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
