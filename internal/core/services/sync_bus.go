package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maartenbreddels/ipywebrtc/internal/core/codec"
	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
	"github.com/maartenbreddels/ipywebrtc/internal/core/entity"
	"github.com/maartenbreddels/ipywebrtc/internal/core/ports"
	"github.com/maartenbreddels/ipywebrtc/internal/core/schema"
	"github.com/maartenbreddels/ipywebrtc/pkg/tracing"

	"go.uber.org/zap"
)

type BusConfig struct {
	QueueSize   int
	CloseGrace  time.Duration
	SendTimeout time.Duration
	// RetryDelay is the pause before resending a change the transport
	// refused while it still reported the link as up.
	RetryDelay time.Duration
}

func DefaultBusConfig() BusConfig {
	return BusConfig{
		QueueSize:   1024,
		CloseGrace:  10 * time.Second,
		SendTimeout: 5 * time.Second,
		RetryDelay:  250 * time.Millisecond,
	}
}

type outbound struct {
	msg       *domain.Message
	entityID  domain.EntityID
	handshake bool
}

func (o outbound) isCommand() bool {
	return o.msg.Type == domain.MessageCommand
}

// MirrorFactory builds the local mirror for an entity first seen in inbound
// state. It returns the entity already attached to the bus.
type MirrorFactory func(kind domain.Kind, id domain.EntityID) (*entity.Entity, error)

type stateNote struct {
	id       domain.EntityID
	from, to domain.SyncState
}

// SyncBus carries attribute changes and commands between local entities and
// the remote side. One goroutine drains the outbound queue, one applies
// inbound messages.
type SyncBus struct {
	transport ports.Transport
	registry  *schema.Registry
	logger    *zap.SugaredLogger
	metrics   ports.SyncMetrics
	config    BusConfig

	mu        sync.Mutex
	wake      *sync.Cond
	queue     []outbound
	queued    map[domain.EntityID]int
	connected bool
	peer      string
	stopped   bool
	entities  map[domain.EntityID]*entity.Entity
	states    map[domain.EntityID]domain.SyncState
	timers    map[domain.EntityID]*time.Timer
	closing   map[domain.EntityID]bool
	notes     []stateNote

	// unsentCloses holds ids closed while the link was down. Their close
	// command goes out on the next link-up.
	unsentCloses map[domain.EntityID]struct{}

	resolver      codec.Resolver
	mirrors       MirrorFactory
	commands      func(ctx context.Context, e *entity.Entity, msg *domain.Message)
	onStateChange []func(id domain.EntityID, from, to domain.SyncState)
	onLink        []func(st domain.LinkStatus)
	observersMu   sync.RWMutex
	noteSignal    chan struct{}
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func NewSyncBus(
	transport ports.Transport,
	registry *schema.Registry,
	logger *zap.SugaredLogger,
	metrics ports.SyncMetrics,
	config BusConfig,
) *SyncBus {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultBusConfig().QueueSize
	}
	if config.CloseGrace <= 0 {
		config.CloseGrace = DefaultBusConfig().CloseGrace
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultBusConfig().SendTimeout
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultBusConfig().RetryDelay
	}
	b := &SyncBus{
		transport:    transport,
		registry:     registry,
		logger:       logger,
		metrics:      metrics,
		config:       config,
		queued:       make(map[domain.EntityID]int),
		entities:     make(map[domain.EntityID]*entity.Entity),
		states:       make(map[domain.EntityID]domain.SyncState),
		timers:       make(map[domain.EntityID]*time.Timer),
		closing:      make(map[domain.EntityID]bool),
		unsentCloses: make(map[domain.EntityID]struct{}),
		noteSignal:   make(chan struct{}, 1),
	}
	b.wake = sync.NewCond(&b.mu)
	return b
}

// SetResolver installs the reference resolver used when decoding inbound
// references.
func (b *SyncBus) SetResolver(r codec.Resolver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolver = r
}

func (b *SyncBus) SetMirrorFactory(f MirrorFactory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirrors = f
}

func (b *SyncBus) setCommandHandler(fn func(ctx context.Context, e *entity.Entity, msg *domain.Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = fn
}

// OnSyncStateChange registers a callback fired after every sync state
// transition. Callbacks run in transition order on one goroutine, without
// bus locks held.
func (b *SyncBus) OnSyncStateChange(fn func(id domain.EntityID, from, to domain.SyncState)) {
	b.observersMu.Lock()
	defer b.observersMu.Unlock()
	b.onStateChange = append(b.onStateChange, fn)
}

// OnLinkChange registers a callback fired when the transport link goes up
// or down. Repeated reports of the same state are not forwarded.
func (b *SyncBus) OnLinkChange(fn func(st domain.LinkStatus)) {
	b.observersMu.Lock()
	defer b.observersMu.Unlock()
	b.onLink = append(b.onLink, fn)
}

// Start launches the sender and receiver goroutines.
func (b *SyncBus) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(3)
	go b.sendLoop(ctx)
	go b.receiveLoop(ctx)
	go b.notifyLoop(ctx)

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		b.stopped = true
		b.wake.Broadcast()
		b.mu.Unlock()
	}()
}

// Stop halts both goroutines. Queued messages are discarded.
func (b *SyncBus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	b.stopped = true
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	b.wake.Broadcast()
	b.mu.Unlock()
	b.wg.Wait()
}

// Attach registers e with the bus. Owned entities send their full snapshot
// and become active once it has been written; mirrors wait for inbound state.
func (b *SyncBus) Attach(e *entity.Entity) {
	b.mu.Lock()
	if _, exists := b.entities[e.ID()]; exists {
		b.mu.Unlock()
		return
	}
	b.entities[e.ID()] = e
	b.setStateLocked(e.ID(), domain.SyncUninitialized)
	b.mu.Unlock()

	e.Attach(b)
	e.OnClose(b.detach)

	if e.Origin() == domain.OriginLocal {
		b.handshake(e)
	}
	b.flushNotes()
}

// Entity returns the live entity with id, if attached.
func (b *SyncBus) Entity(id domain.EntityID) (*entity.Entity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[id]
	return e, ok
}

func (b *SyncBus) SyncState(id domain.EntityID) domain.SyncState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.states[id]; ok {
		return s
	}
	return domain.SyncUninitialized
}

func (b *SyncBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *SyncBus) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Resync queues a full snapshot of id, replacing whatever state changes of
// it are still waiting.
func (b *SyncBus) Resync(id domain.EntityID) error {
	e, ok := b.Entity(id)
	if !ok {
		return domain.ErrEntityNotFound
	}
	b.handshake(e)
	b.flushNotes()
	return nil
}

func (b *SyncBus) handshake(e *entity.Entity) {
	e.Handshake(func(fields []entity.Field) {
		items := make([]outbound, 0, len(fields))
		for _, f := range fields {
			msg, err := b.stateMessage(e, f.Name, f.Value)
			if err != nil {
				b.logger.Warnw("snapshot attribute not serializable",
					"entity_id", e.ID(),
					"attr", f.Name,
					"error", err,
				)
				continue
			}
			items = append(items, outbound{msg: msg, entityID: e.ID()})
		}
		if len(items) == 0 {
			return
		}
		items[len(items)-1].handshake = true

		b.mu.Lock()
		defer b.mu.Unlock()
		b.purgeLocked(e.ID(), false)
		for _, item := range items {
			b.pushLocked(item)
		}
		b.setStateLocked(e.ID(), domain.SyncSyncing)
	})
}

func (b *SyncBus) stateMessage(e *entity.Entity, attr string, value any) (*domain.Message, error) {
	spec, err := b.registry.Spec(e.Kind(), attr)
	if err != nil {
		return nil, err
	}
	w, err := codec.Encode(spec, value)
	if err != nil {
		return nil, err
	}
	return domain.NewStateUpdate(e.ID(), e.Kind(), attr, w), nil
}

// EntityChanged implements entity.Sink. It is called with the entity lock
// held, which keeps one attribute's updates in write order.
func (b *SyncBus) EntityChanged(e *entity.Entity, attr string, value any) {
	msg, err := b.stateMessage(e, attr, value)
	if err != nil {
		b.metrics.SerializationFailed("outbound")
		b.logger.Warnw("dropping unserializable change",
			"entity_id", e.ID(),
			"attr", attr,
			"error", err,
		)
		b.mu.Lock()
		b.setStateLocked(e.ID(), domain.SyncDivergent)
		b.mu.Unlock()
		b.flushNotes()
		return
	}

	b.mu.Lock()
	b.pushLocked(outbound{msg: msg, entityID: e.ID()})
	if b.states[e.ID()] == domain.SyncSynced || b.states[e.ID()] == domain.SyncUninitialized {
		b.setStateLocked(e.ID(), domain.SyncSyncing)
	}
	b.mu.Unlock()
	b.flushNotes()
}

// EntityClosing implements entity.Sink. Queued state of the entity is
// discarded, a close command is sent and a grace timer bounds the wait for
// the remote acknowledgement. While the link is down the close is held
// until it comes back.
func (b *SyncBus) EntityClosing(e *entity.Entity) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closing[e.ID()] = true
	b.purgeLocked(e.ID(), false)
	if b.connected {
		b.pushLocked(outbound{msg: domain.NewCommand(e.ID(), domain.CommandClose, nil), entityID: e.ID()})
	} else if !b.stopped {
		b.unsentCloses[e.ID()] = struct{}{}
	}
	if b.stopped {
		go e.Finalize()
		return
	}
	b.timers[e.ID()] = time.AfterFunc(b.config.CloseGrace, func() {
		b.logger.Debugw("close grace period expired", "entity_id", e.ID())
		e.Finalize()
	})
}

func (b *SyncBus) detach(e *entity.Entity) {
	placeholder := e.Placeholder()
	b.mu.Lock()
	if t, ok := b.timers[e.ID()]; ok {
		t.Stop()
		delete(b.timers, e.ID())
	}
	delete(b.entities, e.ID())
	delete(b.closing, e.ID())
	b.purgeLocked(e.ID(), false)
	b.setStateLocked(e.ID(), domain.SyncClosed)
	if placeholder {
		// the id may still be mirrored once its real state shows up
		delete(b.states, e.ID())
	}
	b.mu.Unlock()

	b.metrics.EntityClosed(e.Kind())
	b.flushNotes()
}

// enqueueCommand queues a command for sending. Commands are never kept
// across an outage.
func (b *SyncBus) enqueueCommand(msg *domain.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected || b.stopped {
		return false
	}
	b.pushLocked(outbound{msg: msg, entityID: msg.EntityID})
	return true
}

func (b *SyncBus) pushLocked(item outbound) {
	if len(b.queue) >= b.config.QueueSize {
		b.dropOldestLocked()
	}
	b.queue = append(b.queue, item)
	if !item.isCommand() {
		b.queued[item.entityID]++
	}
	b.metrics.QueueDepth(len(b.queue))
	b.wake.Signal()
}

func (b *SyncBus) dropOldestLocked() {
	oldest := b.queue[0]
	b.queue[0] = outbound{}
	b.queue = b.queue[1:]
	if oldest.isCommand() {
		b.metrics.MessageDropped("overflow_command")
		return
	}
	b.queued[oldest.entityID]--
	b.metrics.MessageDropped("overflow")
	b.logger.Warnw("outbound queue full, change dropped",
		"entity_id", oldest.entityID,
		"attr", oldest.msg.Attr,
	)
	b.setStateLocked(oldest.entityID, domain.SyncDivergent)
}

// purgeLocked removes queued items of id. With commandsOnly it removes only
// commands of every entity.
func (b *SyncBus) purgeLocked(id domain.EntityID, commandsOnly bool) {
	kept := b.queue[:0]
	for _, item := range b.queue {
		switch {
		case commandsOnly && item.isCommand():
			b.metrics.MessageDropped("link_down_command")
			continue
		case !commandsOnly && item.entityID == id && !item.isCommand():
			b.queued[id]--
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(b.queue); i++ {
		b.queue[i] = outbound{}
	}
	b.queue = kept
	if !commandsOnly && b.queued[id] <= 0 {
		delete(b.queued, id)
	}
	b.metrics.QueueDepth(len(b.queue))
}

func (b *SyncBus) setStateLocked(id domain.EntityID, to domain.SyncState) {
	from, ok := b.states[id]
	if !ok {
		from = domain.SyncUninitialized
	}
	if ok && from == to {
		return
	}
	if from == domain.SyncClosed {
		return
	}
	b.states[id] = to
	if ok {
		b.notes = append(b.notes, stateNote{id: id, from: from, to: to})
	}
}

// flushNotes wakes the notifier. It never blocks, so it is safe to call
// while an entity lock is held.
func (b *SyncBus) flushNotes() {
	select {
	case b.noteSignal <- struct{}{}:
	default:
	}
}

func (b *SyncBus) notifyLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			b.deliverNotes()
			return
		case <-b.noteSignal:
			b.deliverNotes()
		}
	}
}

func (b *SyncBus) deliverNotes() {
	b.mu.Lock()
	notes := b.notes
	b.notes = nil
	b.mu.Unlock()

	if len(notes) == 0 {
		return
	}
	b.observersMu.RLock()
	fns := b.onStateChange
	b.observersMu.RUnlock()

	for _, n := range notes {
		b.metrics.SyncStateChanged(n.from, n.to)
		for _, fn := range fns {
			fn(n.id, n.from, n.to)
		}
	}
}

func (b *SyncBus) next() (outbound, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for !b.stopped && (len(b.queue) == 0 || !b.connected) {
		b.wake.Wait()
	}
	if b.stopped {
		return outbound{}, false
	}
	item := b.queue[0]
	b.queue[0] = outbound{}
	b.queue = b.queue[1:]
	b.metrics.QueueDepth(len(b.queue))
	return item, true
}

func (b *SyncBus) sendLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		item, ok := b.next()
		if !ok {
			return
		}
		sendCtx, span := tracing.TraceBusMessage(ctx, "send", string(item.msg.Type), string(item.entityID))
		sendCtx, cancel := context.WithTimeout(sendCtx, b.config.SendTimeout)
		err := b.transport.Send(sendCtx, item.msg)
		cancel()
		if err != nil {
			tracing.RecordError(sendCtx, err)
		}
		span.End()
		if b.completed(item, err) {
			b.pause(ctx)
		}
	}
}

// pause waits RetryDelay before the next send attempt.
func (b *SyncBus) pause(ctx context.Context) {
	t := time.NewTimer(b.config.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// completed settles a send attempt. It reports whether the item was put back
// for another attempt.
func (b *SyncBus) completed(item outbound, err error) bool {
	if err == nil {
		b.metrics.MessageSent(item.msg.Type)
	}

	b.mu.Lock()
	switch {
	case err == nil:
	case item.isCommand():
		b.metrics.MessageDropped("send_failed_command")
		b.logger.Warnw("command not delivered",
			"entity_id", item.entityID,
			"command", item.msg.Command,
			"error", err,
		)
	case errors.Is(err, domain.ErrTransportDown):
		// The link state is left to the transport's status reports.
		if _, live := b.entities[item.entityID]; !live || b.closing[item.entityID] {
			b.metrics.MessageDropped("entity_closed")
			b.releaseLocked(item.entityID)
			b.mu.Unlock()
			return false
		}
		b.queue = append([]outbound{item}, b.queue...)
		if len(b.queue) > b.config.QueueSize {
			b.dropOldestLocked()
		}
		b.metrics.QueueDepth(len(b.queue))
		b.mu.Unlock()
		b.flushNotes()
		return true
	default:
		b.metrics.MessageDropped("send_failed")
		b.logger.Warnw("state update not delivered",
			"entity_id", item.entityID,
			"attr", item.msg.Attr,
			"error", err,
		)
		b.setStateLocked(item.entityID, domain.SyncDivergent)
	}

	var activate *entity.Entity
	if !item.isCommand() {
		if b.releaseLocked(item.entityID) {
			if err == nil && b.states[item.entityID] == domain.SyncSyncing {
				b.setStateLocked(item.entityID, domain.SyncSynced)
			}
		}
		if item.handshake && err == nil {
			activate = b.entities[item.entityID]
		}
	}
	b.mu.Unlock()

	if activate != nil {
		activate.MarkActive()
	}
	b.flushNotes()
	return false
}

// releaseLocked accounts for one state update of id leaving the bus. It
// reports whether none of id's updates remain.
func (b *SyncBus) releaseLocked(id domain.EntityID) bool {
	b.queued[id]--
	if b.queued[id] <= 0 {
		delete(b.queued, id)
		return true
	}
	return false
}

func (b *SyncBus) receiveLoop(ctx context.Context) {
	defer b.wg.Done()
	inbound := b.transport.Inbound()
	status := b.transport.Status()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			b.linkChanged(st)
		case msg, ok := <-inbound:
			if !ok {
				b.logger.Infow("transport inbound closed")
				b.linkChanged(domain.LinkStatus{Connected: false})
				return
			}
			b.handleInbound(ctx, msg)
		}
	}
}

// linkChanged applies a transport status report. A link coming up, or a
// different peer taking over a live link, gets a fresh snapshot of every
// entity and the closes that could not be sent meanwhile.
func (b *SyncBus) linkChanged(st domain.LinkStatus) {
	b.mu.Lock()
	was, previous := b.connected, b.peer
	b.connected = st.Connected
	if st.Connected {
		b.peer = st.Peer
	} else {
		b.purgeLocked("", true)
	}
	replaced := st.Connected && was && st.Peer != previous
	live := make([]*entity.Entity, 0, len(b.entities))
	if st.Connected && (!was || replaced) {
		for _, e := range b.entities {
			live = append(live, e)
		}
		for id := range b.unsentCloses {
			b.pushLocked(outbound{msg: domain.NewCommand(id, domain.CommandClose, nil), entityID: id})
			delete(b.unsentCloses, id)
		}
	}
	b.wake.Broadcast()
	b.mu.Unlock()

	switch {
	case replaced:
		b.logger.Infow("transport peer replaced", "previous", previous, "peer", st.Peer)
	case st.Connected == was:
		return
	default:
		b.logger.Infow("transport link changed", "connected", st.Connected, "peer", st.Peer)

		b.observersMu.RLock()
		observers := b.onLink
		b.observersMu.RUnlock()
		for _, fn := range observers {
			fn(st)
		}
	}

	for _, e := range live {
		if e.Placeholder() || e.Lifecycle().Terminating() {
			continue
		}
		if e.Origin() == domain.OriginRemote && b.SyncState(e.ID()) == domain.SyncUninitialized {
			continue
		}
		b.handshake(e)
	}
	b.flushNotes()
}

func (b *SyncBus) handleInbound(ctx context.Context, msg *domain.Message) {
	start := time.Now()
	ctx, span := tracing.TraceBusMessage(ctx, "receive", string(msg.Type), string(msg.EntityID))
	defer span.End()
	b.metrics.MessageReceived(msg.Type)

	switch msg.Type {
	case domain.MessageStateUpdate:
		b.applyState(ctx, msg)
	case domain.MessageCommand:
		b.applyCommand(ctx, msg)
	default:
		b.metrics.SerializationFailed("inbound")
		b.logger.Warnw("dropping message of unknown type", "type", msg.Type, "entity_id", msg.EntityID)
	}
	b.metrics.ApplyDuration(time.Since(start).Seconds())
}

func (b *SyncBus) applyState(ctx context.Context, msg *domain.Message) {
	e, ok := b.Entity(msg.EntityID)
	if !ok {
		b.mu.Lock()
		factory := b.mirrors
		b.mu.Unlock()
		if factory == nil {
			b.logger.Warnw("state for unknown entity", "entity_id", msg.EntityID, "kind", msg.Kind)
			return
		}
		var err error
		e, err = factory(msg.Kind, msg.EntityID)
		if err != nil {
			b.logger.Warnw("cannot mirror remote entity",
				"entity_id", msg.EntityID,
				"kind", msg.Kind,
				"error", err,
			)
			return
		}
	}

	spec, err := b.registry.Spec(e.Kind(), msg.Attr)
	if err != nil {
		b.metrics.SerializationFailed("inbound")
		b.logger.Warnw("dropping state for undeclared attribute",
			"entity_id", msg.EntityID,
			"kind", e.Kind(),
			"attr", msg.Attr,
		)
		return
	}

	b.mu.Lock()
	resolver := b.resolver
	b.mu.Unlock()

	value, warnings, err := codec.Decode(spec, msg.Value, resolver)
	if err != nil {
		b.metrics.SerializationFailed("inbound")
		tracing.RecordError(ctx, err)
		b.logger.Warnw("dropping malformed state update",
			"entity_id", msg.EntityID,
			"attr", msg.Attr,
			"error", err,
		)
		return
	}
	for _, w := range warnings {
		b.logger.Warnw("unresolved reference",
			"entity_id", msg.EntityID,
			"attr", msg.Attr,
			"ref_kind", w.Ref.Kind,
			"ref_id", w.Ref.ID,
			"reason", w.Reason,
		)
	}

	if _, err := e.ApplyRemote(msg.Attr, value); err != nil {
		b.logger.Debugw("state update not applied",
			"entity_id", msg.EntityID,
			"attr", msg.Attr,
			"error", err,
		)
		return
	}

	b.mu.Lock()
	if b.states[e.ID()] == domain.SyncUninitialized {
		b.setStateLocked(e.ID(), domain.SyncSynced)
	}
	b.mu.Unlock()
	b.flushNotes()
}

func (b *SyncBus) applyCommand(ctx context.Context, msg *domain.Message) {
	e, ok := b.Entity(msg.EntityID)
	if !ok {
		b.logger.Debugw("command for unknown entity",
			"entity_id", msg.EntityID,
			"command", msg.Command,
		)
		return
	}

	switch msg.Command {
	case domain.CommandClose:
		b.logger.Debugw("remote closed entity", "entity_id", e.ID(), "kind", e.Kind())
		e.Finalize()
		b.mu.Lock()
		if b.connected && !b.stopped {
			b.pushLocked(outbound{msg: domain.NewCommand(e.ID(), domain.CommandClosed, nil), entityID: e.ID()})
		}
		b.mu.Unlock()
	case domain.CommandClosed:
		if e.Lifecycle() == domain.LifecycleClosing {
			e.Finalize()
		}
	default:
		b.mu.Lock()
		handler := b.commands
		b.mu.Unlock()
		if handler == nil {
			b.logger.Warnw("no command handler installed", "entity_id", e.ID(), "command", msg.Command)
			return
		}
		handler(ctx, e, msg)
	}
}
