package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maartenbreddels/ipywebrtc/internal/core/catalog"
	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
	"github.com/maartenbreddels/ipywebrtc/internal/core/entity"
	"github.com/maartenbreddels/ipywebrtc/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type HostConfig struct {
	PendingTimeout time.Duration
	SweepInterval  time.Duration
}

func DefaultHostConfig() HostConfig {
	return HostConfig{
		PendingTimeout: 15 * time.Second,
		SweepInterval:  time.Second,
	}
}

// Host owns the directory of live entities for one front-end session. It
// builds owned entities and mirrors through the catalog, resolves inbound
// references and tears everything down on shutdown.
type Host struct {
	catalog    *catalog.Catalog
	bus        *SyncBus
	dispatcher *Dispatcher
	media      *MediaFiles
	logger     *zap.SugaredLogger
	metrics    ports.SyncMetrics
	config     HostConfig

	mu         sync.RWMutex
	live       map[domain.EntityID]*entity.Entity
	tombstones map[domain.EntityID]domain.Kind
	pending    map[domain.EntityID]time.Time
	shutdown   bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

func NewHost(
	cat *catalog.Catalog,
	bus *SyncBus,
	dispatcher *Dispatcher,
	media *MediaFiles,
	logger *zap.SugaredLogger,
	config HostConfig,
) *Host {
	if config.PendingTimeout <= 0 {
		config.PendingTimeout = DefaultHostConfig().PendingTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultHostConfig().SweepInterval
	}
	h := &Host{
		catalog:    cat,
		bus:        bus,
		dispatcher: dispatcher,
		media:      media,
		logger:     logger,
		metrics:    bus.metrics,
		config:     config,
		live:       make(map[domain.EntityID]*entity.Entity),
		tombstones: make(map[domain.EntityID]domain.Kind),
		pending:    make(map[domain.EntityID]time.Time),
	}
	bus.SetResolver(h)
	bus.SetMirrorFactory(h.mirror)
	return h
}

func (h *Host) Bus() *SyncBus             { return h.bus }
func (h *Host) Dispatcher() *Dispatcher   { return h.dispatcher }
func (h *Host) Catalog() *catalog.Catalog { return h.catalog }
func (h *Host) Media() *MediaFiles        { return h.media }

// Start runs the bus and the pending-reference sweeper until Shutdown.
func (h *Host) Start(ctx context.Context) {
	h.bus.Start(ctx)

	h.stopSweep = make(chan struct{})
	h.sweepDone = make(chan struct{})
	go h.sweepLoop()
}

// Create constructs an owned entity, applies attrs with validation and
// attaches it to the bus.
func (h *Host) Create(ctx context.Context, kind domain.Kind, attrs map[string]any) (*entity.Entity, error) {
	h.mu.RLock()
	closed := h.shutdown
	h.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("create %s: %w", kind, domain.ErrEntityClosed)
	}

	id := domain.EntityID(uuid.NewString())
	e, err := h.catalog.Construct(kind, id, domain.OriginLocal)
	if err != nil {
		return nil, err
	}
	e.SetLiveness(h.isLive)

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.Set(name, attrs[name]); err != nil {
			return nil, err
		}
	}

	h.register(e)
	h.bus.Attach(e)

	h.logger.Infow("entity created",
		"entity_id", id,
		"kind", kind,
	)
	return e, nil
}

func (h *Host) register(e *entity.Entity) {
	h.mu.Lock()
	h.live[e.ID()] = e
	h.mu.Unlock()

	e.OnClose(h.forget)
	if h.media != nil && h.catalog.HasCapability(e.Kind(), domain.CapRecorder) {
		h.media.EnableAutosave(e)
	}
	h.metrics.EntityCreated(e.Kind(), e.Origin())
}

// forget removes a finalized entity from the directory. Placeholders that
// never received state leave no tombstone, so the id can still be mirrored
// when its state turns up late.
func (h *Host) forget(e *entity.Entity) {
	placeholder := e.Placeholder()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.live[e.ID()] == e {
		delete(h.live, e.ID())
	}
	delete(h.pending, e.ID())
	if !placeholder {
		h.tombstones[e.ID()] = e.Kind()
	}
}

// mirror builds the local copy of a remote-originated entity.
func (h *Host) mirror(kind domain.Kind, id domain.EntityID) (*entity.Entity, error) {
	h.mu.RLock()
	_, closed := h.tombstones[id]
	halted := h.shutdown
	h.mu.RUnlock()
	if closed || halted {
		return nil, fmt.Errorf("mirror %s: %w", id, domain.ErrEntityClosed)
	}

	e, err := h.catalog.Construct(kind, id, domain.OriginRemote)
	if err != nil {
		return nil, err
	}
	e.SetLiveness(h.isLive)
	h.register(e)
	h.bus.Attach(e)

	h.logger.Infow("mirroring remote entity", "entity_id", id, "kind", kind)
	return e, nil
}

// Resolve implements codec.Resolver.
func (h *Host) Resolve(ref domain.Ref) (domain.Ref, *domain.UnresolvedReferenceWarning) {
	h.mu.RLock()
	e, ok := h.live[ref.ID]
	_, closed := h.tombstones[ref.ID]
	halted := h.shutdown
	h.mu.RUnlock()

	if ok {
		return e.Ref(), nil
	}
	if closed {
		return ref, &domain.UnresolvedReferenceWarning{Ref: ref, Reason: "referenced entity is closed"}
	}
	if halted {
		return ref, &domain.UnresolvedReferenceWarning{Ref: ref, Reason: "host is shutting down"}
	}

	var warning *domain.UnresolvedReferenceWarning
	var placeholder *entity.Entity
	if entry, known := h.catalog.Lookup(ref.Kind); known {
		placeholder = entity.NewPlaceholder(h.catalog.Registry(), entry.Kind, ref.ID)
		if entry.Setup != nil {
			entry.Setup(placeholder)
		}
	} else {
		placeholder = entity.NewPlaceholder(h.catalog.Registry(), domain.KindUnresolved, ref.ID)
		warning = &domain.UnresolvedReferenceWarning{Ref: ref, Reason: fmt.Sprintf("unknown kind %q", ref.Kind)}
	}
	placeholder.SetLiveness(h.isLive)

	h.mu.Lock()
	if existing, raced := h.live[ref.ID]; raced {
		h.mu.Unlock()
		return existing.Ref(), nil
	}
	h.pending[ref.ID] = time.Now()
	h.mu.Unlock()

	h.register(placeholder)
	h.bus.Attach(placeholder)
	return placeholder.Ref(), warning
}

func (h *Host) isLive(ref domain.Ref) bool {
	_, ok := h.Deref(ref)
	return ok
}

// Lookup returns the live entity with id.
func (h *Host) Lookup(id domain.EntityID) (*entity.Entity, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if e, ok := h.live[id]; ok {
		return e, nil
	}
	if _, closed := h.tombstones[id]; closed {
		return nil, fmt.Errorf("entity %s: %w", id, domain.ErrEntityClosed)
	}
	return nil, fmt.Errorf("entity %s: %w", id, domain.ErrEntityNotFound)
}

// Deref follows a reference. References to closing or closed entities
// yield nothing.
func (h *Host) Deref(ref domain.Ref) (*entity.Entity, bool) {
	if ref.IsZero() {
		return nil, false
	}
	h.mu.RLock()
	e, ok := h.live[ref.ID]
	h.mu.RUnlock()
	if !ok || e.Lifecycle().Terminating() {
		return nil, false
	}
	return e, true
}

// List returns a summary of every live entity ordered by creation time.
func (h *Host) List() []domain.EntityInfo {
	h.mu.RLock()
	entities := make([]*entity.Entity, 0, len(h.live))
	for _, e := range h.live {
		entities = append(entities, e)
	}
	h.mu.RUnlock()

	infos := make([]domain.EntityInfo, 0, len(entities))
	for _, e := range entities {
		info := e.Info()
		info.Sync = h.bus.SyncState(e.ID())
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

func (h *Host) Info(id domain.EntityID) (domain.EntityInfo, error) {
	e, err := h.Lookup(id)
	if err != nil {
		return domain.EntityInfo{}, err
	}
	info := e.Info()
	info.Sync = h.bus.SyncState(id)
	return info, nil
}

// Close starts teardown of id. Closing an already closed id is a no-op.
func (h *Host) Close(id domain.EntityID) error {
	e, err := h.Lookup(id)
	if err != nil {
		h.mu.RLock()
		_, closed := h.tombstones[id]
		h.mu.RUnlock()
		if closed {
			return nil
		}
		return err
	}
	e.Close()
	return nil
}

func (h *Host) PendingCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pending)
}

func (h *Host) sweepLoop() {
	defer close(h.sweepDone)
	ticker := time.NewTicker(h.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopSweep:
			return
		case now := <-ticker.C:
			h.sweepPending(now)
		}
	}
}

// sweepPending drops placeholders whose state never arrived in time.
// References to them stay as they are and resolve again if the entity
// shows up later.
func (h *Host) sweepPending(now time.Time) {
	type candidate struct {
		e     *entity.Entity
		since time.Time
	}
	var candidates []candidate

	h.mu.Lock()
	for id, since := range h.pending {
		e, ok := h.live[id]
		if !ok {
			delete(h.pending, id)
			continue
		}
		candidates = append(candidates, candidate{e: e, since: since})
	}
	h.mu.Unlock()

	for _, c := range candidates {
		if !c.e.Placeholder() {
			h.mu.Lock()
			delete(h.pending, c.e.ID())
			h.mu.Unlock()
			continue
		}
		if now.Sub(c.since) < h.config.PendingTimeout {
			continue
		}
		h.logger.Warnw("pending reference timed out",
			"entity_id", c.e.ID(),
			"kind", c.e.Kind(),
			"timeout", h.config.PendingTimeout,
		)
		c.e.Finalize()
	}
}

// Shutdown closes every live entity, waits for them within ctx, drops
// placeholders and stops the bus.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return nil
	}
	h.shutdown = true
	entities := make([]*entity.Entity, 0, len(h.live))
	var placeholders []*entity.Entity
	for id, e := range h.live {
		if _, isPending := h.pending[id]; isPending {
			placeholders = append(placeholders, e)
			continue
		}
		entities = append(entities, e)
	}
	h.mu.Unlock()

	if h.stopSweep != nil {
		close(h.stopSweep)
		<-h.sweepDone
	}
	for _, e := range placeholders {
		e.Finalize()
	}

	for _, e := range entities {
		e.Close()
	}

	var err error
	for _, e := range entities {
		select {
		case <-e.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}
	for _, e := range entities {
		e.Finalize()
	}

	h.bus.Stop()
	h.catalog.Reset()
	h.logger.Infow("host shut down", "entities", len(entities))
	return err
}
