package ports

import (
	"context"

	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
)

// Transport is the duplex message channel to the front-end. Send must
// return domain.ErrTransportDown while no remote side is attached.
type Transport interface {
	Send(ctx context.Context, msg *domain.Message) error
	Inbound() <-chan *domain.Message
	Status() <-chan domain.LinkStatus
	Close() error
}

type SyncMetrics interface {
	MessageSent(t domain.MessageType)
	MessageReceived(t domain.MessageType)
	MessageDropped(reason string)
	QueueDepth(n int)
	SyncStateChanged(from, to domain.SyncState)
	EntityCreated(kind domain.Kind, origin domain.Origin)
	EntityClosed(kind domain.Kind)
	SerializationFailed(direction string)
	ApplyDuration(seconds float64)
}

type NopMetrics struct{}

func (NopMetrics) MessageSent(domain.MessageType)                      {}
func (NopMetrics) MessageReceived(domain.MessageType)                  {}
func (NopMetrics) MessageDropped(string)                               {}
func (NopMetrics) QueueDepth(int)                                      {}
func (NopMetrics) SyncStateChanged(domain.SyncState, domain.SyncState) {}
func (NopMetrics) EntityCreated(domain.Kind, domain.Origin)            {}
func (NopMetrics) EntityClosed(domain.Kind)                            {}
func (NopMetrics) SerializationFailed(string)                          {}
func (NopMetrics) ApplyDuration(float64)                               {}
