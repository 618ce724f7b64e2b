package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maartenbreddels/ipywebrtc/internal/core/catalog"
	"github.com/maartenbreddels/ipywebrtc/internal/core/codec"
	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
	"github.com/maartenbreddels/ipywebrtc/internal/core/ports"
	"github.com/maartenbreddels/ipywebrtc/internal/core/schema"
	"github.com/maartenbreddels/ipywebrtc/internal/infrastructure/transport/memory"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type testOptions struct {
	bus   BusConfig
	host  HostConfig
	store ports.FileStore
}

func defaultTestOptions() testOptions {
	return testOptions{
		bus: BusConfig{
			QueueSize:   64,
			CloseGrace:  150 * time.Millisecond,
			SendTimeout: time.Second,
		},
		host: HostConfig{
			PendingTimeout: 100 * time.Millisecond,
			SweepInterval:  10 * time.Millisecond,
		},
	}
}

func newHostOn(t *testing.T, tr ports.Transport, opts testOptions) *Host {
	t.Helper()
	logger := zap.NewNop().Sugar()
	registry := schema.Builtin()

	bus := NewSyncBus(tr, registry, logger, nil, opts.bus)
	dispatcher := NewDispatcher(bus, logger)
	var media *MediaFiles
	if opts.store != nil {
		media = NewMediaFiles(opts.store, logger)
	}
	h := NewHost(catalog.Builtin(registry), bus, dispatcher, media, logger, opts.host)
	h.Start(context.Background())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h
}

// newHostPair connects two hosts back to back, each mirroring the other.
func newHostPair(t *testing.T, opts testOptions) (*Host, *Host, *memory.Transport) {
	t.Helper()
	a, b := memory.NewPipe(codec.EncodingMsgpack)
	hostA := newHostOn(t, a, opts)
	hostB := newHostOn(t, b, opts)
	waitConnected(t, hostA)
	waitConnected(t, hostB)
	return hostA, hostB, a
}

// newHostWithFrontend returns a host and the raw remote end of its pipe.
func newHostWithFrontend(t *testing.T, opts testOptions) (*Host, *memory.Transport) {
	t.Helper()
	a, b := memory.NewPipe(codec.EncodingMsgpack)
	h := newHostOn(t, a, opts)
	<-b.Status()
	waitConnected(t, h)
	return h, b
}

func waitConnected(t *testing.T, h *Host) {
	t.Helper()
	require.Eventually(t, h.Bus().Connected, waitFor, tick)
}

// frontend collects everything the host sends to the raw remote end.
type frontend struct {
	tr *memory.Transport

	mu   sync.Mutex
	msgs []*domain.Message
	stop chan struct{}
	done chan struct{}
}

func collect(t *testing.T, tr *memory.Transport) *frontend {
	f := &frontend{tr: tr, stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(f.done)
		for {
			select {
			case <-f.stop:
				return
			case msg := <-tr.Inbound():
				f.mu.Lock()
				f.msgs = append(f.msgs, msg)
				f.mu.Unlock()
			}
		}
	}()
	t.Cleanup(func() {
		close(f.stop)
		<-f.done
	})
	return f
}

func (f *frontend) messages() []*domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Message, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func (f *frontend) commands(id domain.EntityID, name string) int {
	n := 0
	for _, m := range f.messages() {
		if m.Type == domain.MessageCommand && m.EntityID == id && m.Command == name {
			n++
		}
	}
	return n
}

func (f *frontend) lastValue(id domain.EntityID, attr string) *domain.WireValue {
	var last *domain.WireValue
	for _, m := range f.messages() {
		if m.Type == domain.MessageStateUpdate && m.EntityID == id && m.Attr == attr {
			last = m.Value
		}
	}
	return last
}

func (f *frontend) send(t *testing.T, msg *domain.Message) {
	t.Helper()
	require.NoError(t, f.tr.Send(context.Background(), msg))
}

func wireString(s string) *domain.WireValue {
	return &domain.WireValue{Type: domain.AttrString, String: &s}
}

func wireBool(b bool) *domain.WireValue {
	return &domain.WireValue{Type: domain.AttrBool, Bool: &b}
}

func wireInt(i int64) *domain.WireValue {
	return &domain.WireValue{Type: domain.AttrInt, Int: &i}
}
