package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
	"github.com/maartenbreddels/ipywebrtc/internal/core/entity"
	"github.com/maartenbreddels/ipywebrtc/internal/core/ports"

	"go.uber.org/zap"
)

// Dispatcher sends fire-and-forget commands to the remote side and routes
// inbound commands to registered handlers.
type Dispatcher struct {
	bus     *SyncBus
	logger  *zap.SugaredLogger
	metrics ports.SyncMetrics

	mu       sync.RWMutex
	handlers map[string][]ports.CommandHandler
}

func NewDispatcher(bus *SyncBus, logger *zap.SugaredLogger) *Dispatcher {
	d := &Dispatcher{
		bus:      bus,
		logger:   logger,
		metrics:  bus.metrics,
		handlers: make(map[string][]ports.CommandHandler),
	}
	bus.setCommandHandler(d.dispatch)
	return d
}

// Handle registers fn for inbound commands called name.
func (d *Dispatcher) Handle(name string, fn ports.CommandHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = append(d.handlers[name], fn)
}

// SendCommand delivers at most once. While the transport is down the
// command is dropped; only local misuse is reported as an error.
func (d *Dispatcher) SendCommand(ctx context.Context, id domain.EntityID, name string, payload map[string]any) error {
	e, ok := d.bus.Entity(id)
	if !ok {
		return fmt.Errorf("command %s: %w", name, domain.ErrEntityNotFound)
	}
	if e.Lifecycle().Terminating() {
		return fmt.Errorf("command %s on %s: %w", name, id, domain.ErrEntityClosed)
	}
	if !e.Registry().AcceptsCommand(e.Kind(), name) {
		return fmt.Errorf("command %s on %s: %w", name, e.Kind(), domain.ErrUnknownCommand)
	}

	if name == domain.CommandClose {
		e.Close()
		return nil
	}

	if !d.bus.enqueueCommand(domain.NewCommand(id, name, payload)) {
		d.metrics.MessageDropped("link_down_command")
		d.logger.Infow("transport down, command dropped",
			"entity_id", id,
			"command", name,
		)
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, e *entity.Entity, msg *domain.Message) {
	d.mu.RLock()
	handlers := d.handlers[msg.Command]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.logger.Warnw("dropping unknown command",
			"entity_id", e.ID(),
			"kind", e.Kind(),
			"command", msg.Command,
		)
		return
	}
	for _, h := range handlers {
		h(ctx, e.ID(), msg.Payload)
	}
}
