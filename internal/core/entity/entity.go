package entity

import (
	"fmt"
	"sync"
	"time"

	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
	"github.com/maartenbreddels/ipywebrtc/internal/core/schema"
)

// Sink receives the changes an entity wants sent to the remote side. Both
// methods are called while the entity lock is held and must not call back
// into the entity.
type Sink interface {
	EntityChanged(e *Entity, attr string, value any)
	EntityClosing(e *Entity)
}

// Field is one attribute value in declaration order.
type Field struct {
	Name  string
	Value any
}

type observer struct {
	id   uint64
	attr string
	fn   func(domain.Change)
}

// Entity is a synchronized distributed object: a kind, an immutable id and
// a typed attribute map guarded by one mutex.
type Entity struct {
	id        domain.EntityID
	kind      domain.Kind
	origin    domain.Origin
	createdAt time.Time
	registry  *schema.Registry

	mu          sync.Mutex
	values      map[string]any
	lifecycle   domain.LifecycleState
	placeholder bool
	sink        Sink
	isLive      func(domain.Ref) bool
	observers   []observer
	nextObs     uint64
	closeHooks  []func(*Entity)

	done chan struct{}
}

// New builds an entity with every declared attribute set to its default.
func New(registry *schema.Registry, kind domain.Kind, id domain.EntityID, origin domain.Origin) (*Entity, error) {
	if !registry.HasKind(kind) {
		return nil, fmt.Errorf("construct %s: %w", kind, domain.ErrUnknownKind)
	}
	e := &Entity{
		id:        id,
		kind:      kind,
		origin:    origin,
		createdAt: time.Now(),
		registry:  registry,
		values:    make(map[string]any),
		lifecycle: domain.LifecycleOpen,
		done:      make(chan struct{}),
	}
	for _, spec := range registry.Attrs(kind) {
		e.values[spec.Name] = domain.CloneValue(spec.Default)
	}
	return e, nil
}

// NewPlaceholder builds a stand-in for a referenced entity whose state has
// not arrived yet. Kinds unknown to the registry get no attributes.
func NewPlaceholder(registry *schema.Registry, kind domain.Kind, id domain.EntityID) *Entity {
	e, err := New(registry, kind, id, domain.OriginRemote)
	if err != nil {
		e = &Entity{
			id:        id,
			kind:      domain.KindUnresolved,
			origin:    domain.OriginRemote,
			createdAt: time.Now(),
			registry:  registry,
			values:    make(map[string]any),
			lifecycle: domain.LifecycleOpen,
			done:      make(chan struct{}),
		}
	}
	e.placeholder = true
	return e
}

func (e *Entity) ID() domain.EntityID   { return e.id }
func (e *Entity) Kind() domain.Kind     { return e.kind }
func (e *Entity) Origin() domain.Origin { return e.origin }

func (e *Entity) Ref() domain.Ref {
	return domain.Ref{Kind: e.kind, ID: e.id}
}

func (e *Entity) Registry() *schema.Registry {
	return e.registry
}

func (e *Entity) Lifecycle() domain.LifecycleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lifecycle
}

func (e *Entity) Placeholder() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.placeholder
}

// Attach connects the entity to the bus. A nil sink detaches it.
func (e *Entity) Attach(sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// SetLiveness installs the check used to reject references to entities that
// are closing or closed.
func (e *Entity) SetLiveness(fn func(domain.Ref) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.isLive = fn
}

// Set validates and applies a local write. Sync attributes are handed to the
// attached sink. Transport trouble never surfaces here.
func (e *Entity) Set(name string, value any) error {
	accepted, err := e.registry.Validate(e.kind, name, value)
	if err != nil {
		return err
	}
	spec, _ := e.registry.Spec(e.kind, name)

	e.mu.Lock()
	if e.lifecycle.Terminating() {
		e.mu.Unlock()
		return fmt.Errorf("set %s on %s: %w", name, e.id, domain.ErrEntityClosed)
	}
	if err := e.checkRefs(spec, accepted); err != nil {
		e.mu.Unlock()
		return err
	}
	change, ok := e.store(name, accepted, domain.OriginLocal)
	if !ok {
		e.mu.Unlock()
		return nil
	}
	if spec.Sync && e.sink != nil {
		e.sink.EntityChanged(e, name, domain.CloneValue(accepted))
	}
	fns := e.observersFor(name)
	e.mu.Unlock()

	notify(fns, change)
	return nil
}

// ApplyRemote stores a value received from the remote side. Validators are
// bypassed and nothing is echoed back. It reports whether state changed.
func (e *Entity) ApplyRemote(name string, value any) (bool, error) {
	if _, err := e.registry.Spec(e.kind, name); err != nil {
		return false, err
	}

	e.mu.Lock()
	if e.lifecycle.Terminating() {
		e.mu.Unlock()
		return false, fmt.Errorf("apply %s on %s: %w", name, e.id, domain.ErrEntityClosed)
	}
	e.placeholder = false
	if e.origin == domain.OriginRemote && e.lifecycle == domain.LifecycleOpen {
		e.lifecycle = domain.LifecycleActive
	}
	change, ok := e.store(name, domain.CloneValue(value), domain.OriginRemote)
	if !ok {
		e.mu.Unlock()
		return false, nil
	}
	fns := e.observersFor(name)
	e.mu.Unlock()

	notify(fns, change)
	return true, nil
}

func (e *Entity) store(name string, value any, origin domain.Origin) (domain.Change, bool) {
	old := e.values[name]
	if domain.ValuesEqual(old, value) {
		return domain.Change{}, false
	}
	e.values[name] = value
	return domain.Change{
		EntityID: e.id,
		Attr:     name,
		Old:      domain.CloneValue(old),
		New:      domain.CloneValue(value),
		Origin:   origin,
	}, true
}

func (e *Entity) checkRefs(spec domain.AttrSpec, value any) error {
	if e.isLive == nil {
		return nil
	}
	var refs []domain.Ref
	switch v := value.(type) {
	case domain.Ref:
		refs = []domain.Ref{v}
	case []domain.Ref:
		refs = v
	}
	for _, ref := range refs {
		if ref.ID == e.id {
			continue
		}
		if !e.isLive(ref) {
			return &domain.ValidationError{
				Kind:   e.kind,
				Attr:   spec.Name,
				Value:  ref,
				Reason: fmt.Sprintf("referenced entity %s is not open", ref.ID),
			}
		}
	}
	return nil
}

// Get returns a copy of the named attribute. It never blocks on I/O.
func (e *Entity) Get(name string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.values[name]
	if !ok {
		return nil, false
	}
	return domain.CloneValue(v), true
}

// Values returns a copy of every attribute, local-only ones included.
func (e *Entity) Values() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(e.values))
	for k, v := range e.values {
		out[k] = domain.CloneValue(v)
	}
	return out
}

// Snapshot returns the sync attributes in declaration order.
func (e *Entity) Snapshot() []Field {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Entity) snapshotLocked() []Field {
	specs := e.registry.Attrs(e.kind)
	fields := make([]Field, 0, len(specs))
	for _, spec := range specs {
		if !spec.Sync {
			continue
		}
		fields = append(fields, Field{Name: spec.Name, Value: domain.CloneValue(e.values[spec.Name])})
	}
	return fields
}

// Handshake runs fn with the current snapshot while holding the entity lock,
// so no local write can slip between the snapshot and whatever fn enqueues.
func (e *Entity) Handshake(fn func(fields []Field)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lifecycle.Terminating() {
		return
	}
	fn(e.snapshotLocked())
}

// MarkActive moves an open entity to active after its first handshake.
func (e *Entity) MarkActive() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lifecycle == domain.LifecycleOpen {
		e.lifecycle = domain.LifecycleActive
	}
}

// OnChange registers fn for changes of attr, or of every attribute when attr
// is "*". Callbacks run on the goroutine that applied the change.
func (e *Entity) OnChange(attr string, fn func(domain.Change)) (unsubscribe func()) {
	e.mu.Lock()
	e.nextObs++
	id := e.nextObs
	e.observers = append(e.observers, observer{id: id, attr: attr, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, o := range e.observers {
			if o.id == id {
				e.observers = append(e.observers[:i:i], e.observers[i+1:]...)
				return
			}
		}
	}
}

func (e *Entity) observersFor(attr string) []func(domain.Change) {
	var fns []func(domain.Change)
	for _, o := range e.observers {
		if o.attr == attr || o.attr == "*" {
			fns = append(fns, o.fn)
		}
	}
	return fns
}

func notify(fns []func(domain.Change), change domain.Change) {
	for _, fn := range fns {
		fn(change)
	}
}

// OnClose registers fn to run once the entity is finalized.
func (e *Entity) OnClose(fn func(*Entity)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeHooks = append(e.closeHooks, fn)
}

// Close starts teardown. Only the first call has an effect; the entity
// reaches closed once the remote acknowledges or the grace period ends.
func (e *Entity) Close() {
	e.mu.Lock()
	if e.lifecycle.Terminating() {
		e.mu.Unlock()
		return
	}
	e.lifecycle = domain.LifecycleClosing
	sink := e.sink
	if sink != nil {
		sink.EntityClosing(e)
	}
	e.mu.Unlock()

	if sink == nil {
		e.Finalize()
	}
}

// Finalize moves the entity to closed and releases waiters on Done.
func (e *Entity) Finalize() {
	e.mu.Lock()
	if e.lifecycle == domain.LifecycleClosed {
		e.mu.Unlock()
		return
	}
	e.lifecycle = domain.LifecycleClosed
	e.sink = nil
	e.observers = nil
	hooks := e.closeHooks
	e.closeHooks = nil
	close(e.done)
	e.mu.Unlock()

	for _, fn := range hooks {
		fn(e)
	}
}

func (e *Entity) Done() <-chan struct{} {
	return e.done
}

func (e *Entity) Info() domain.EntityInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.EntityInfo{
		ID:          e.id,
		Kind:        e.kind,
		Origin:      e.origin,
		Lifecycle:   e.lifecycle,
		Placeholder: e.placeholder,
		CreatedAt:   e.createdAt,
	}
}
