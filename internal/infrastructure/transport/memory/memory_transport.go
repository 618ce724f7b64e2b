package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/maartenbreddels/ipywebrtc/internal/core/codec"
	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
)

const (
	inboundBuffer = 256
	statusBuffer  = 16
)

// link is the state shared by both ends of a pipe.
type link struct {
	sync.RWMutex
	up     bool
	closed bool
}

// Transport is one end of an in-process duplex pipe. Messages are framed
// with the configured encoding on the way through, so the receiving side
// never shares memory with the sender.
type Transport struct {
	name     string
	link     *link
	peer     *Transport
	encoding codec.Encoding

	inbound chan *domain.Message
	status  chan domain.LinkStatus
}

// NewPipe returns two connected ends. Both report the link as up.
func NewPipe(encoding codec.Encoding) (*Transport, *Transport) {
	l := &link{up: true}
	a := newEnd("host", l, encoding)
	b := newEnd("frontend", l, encoding)
	a.peer, b.peer = b, a

	a.pushStatus(domain.LinkStatus{Connected: true, Peer: b.name})
	b.pushStatus(domain.LinkStatus{Connected: true, Peer: a.name})
	return a, b
}

func newEnd(name string, l *link, encoding codec.Encoding) *Transport {
	return &Transport{
		name:     name,
		link:     l,
		encoding: encoding,
		inbound:  make(chan *domain.Message, inboundBuffer),
		status:   make(chan domain.LinkStatus, statusBuffer),
	}
}

func (t *Transport) Name() string {
	return t.name
}

// Send implements ports.Transport.
func (t *Transport) Send(ctx context.Context, msg *domain.Message) error {
	t.link.RLock()
	up, closed := t.link.up, t.link.closed
	t.link.RUnlock()

	if closed {
		return domain.ErrTransportClosed
	}
	if !up {
		return domain.ErrTransportDown
	}

	frame, err := codec.MarshalFrame(t.encoding, msg)
	if err != nil {
		return err
	}
	copied, err := codec.UnmarshalFrame(t.encoding, frame)
	if err != nil {
		return fmt.Errorf("memory transport: %w", err)
	}

	select {
	case t.peer.inbound <- copied:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbound implements ports.Transport.
func (t *Transport) Inbound() <-chan *domain.Message {
	return t.inbound
}

// Status implements ports.Transport.
func (t *Transport) Status() <-chan domain.LinkStatus {
	return t.status
}

// SetLink brings the pipe up or down for both ends.
func (t *Transport) SetLink(up bool) {
	t.link.Lock()
	if t.link.closed || t.link.up == up {
		t.link.Unlock()
		return
	}
	t.link.up = up
	t.link.Unlock()

	t.pushStatus(domain.LinkStatus{Connected: up, Peer: t.peer.name})
	t.peer.pushStatus(domain.LinkStatus{Connected: up, Peer: t.name})
}

func (t *Transport) Connected() bool {
	t.link.RLock()
	defer t.link.RUnlock()
	return t.link.up && !t.link.closed
}

// pushStatus never blocks; when the buffer is full the oldest report is
// discarded since only the latest one matters.
func (t *Transport) pushStatus(st domain.LinkStatus) {
	for {
		select {
		case t.status <- st:
			return
		default:
		}
		select {
		case <-t.status:
		default:
		}
	}
}

// Close shuts the pipe down for both ends.
func (t *Transport) Close() error {
	t.link.Lock()
	if t.link.closed {
		t.link.Unlock()
		return nil
	}
	t.link.closed = true
	t.link.up = false
	t.link.Unlock()

	t.pushStatus(domain.LinkStatus{Connected: false, Peer: t.peer.name})
	t.peer.pushStatus(domain.LinkStatus{Connected: false, Peer: t.name})
	return nil
}
