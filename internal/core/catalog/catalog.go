package catalog

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
	"github.com/maartenbreddels/ipywebrtc/internal/core/entity"
	"github.com/maartenbreddels/ipywebrtc/internal/core/schema"
)

// Entry describes one constructible kind.
type Entry struct {
	Kind         domain.Kind
	Capabilities []domain.Capability
	// Setup runs on every freshly constructed entity of the kind, before it
	// is attached to the bus.
	Setup func(e *entity.Entity)
}

func (e Entry) Has(c domain.Capability) bool {
	return slices.Contains(e.Capabilities, c)
}

// Catalog maps kind names to constructors. It is created once at process
// start and passed to whoever needs to build entities.
type Catalog struct {
	registry *schema.Registry

	mu      sync.RWMutex
	entries map[domain.Kind]Entry
}

func New(registry *schema.Registry) *Catalog {
	return &Catalog{
		registry: registry,
		entries:  make(map[domain.Kind]Entry),
	}
}

func (c *Catalog) Registry() *schema.Registry {
	return c.registry
}

// Register adds a kind. Its attributes must already be declared.
func (c *Catalog) Register(entry Entry) error {
	if !c.registry.HasKind(entry.Kind) {
		return fmt.Errorf("register %s: %w", entry.Kind, domain.ErrUnknownKind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[entry.Kind]; exists {
		return fmt.Errorf("register %s: kind already registered", entry.Kind)
	}
	c.entries[entry.Kind] = entry
	return nil
}

// AddSetup chains fn after the existing setup hook of kind.
func (c *Catalog) AddSetup(kind domain.Kind, fn func(e *entity.Entity)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[kind]
	if !ok {
		return fmt.Errorf("setup %s: %w", kind, domain.ErrUnknownKind)
	}
	prev := entry.Setup
	entry.Setup = func(e *entity.Entity) {
		if prev != nil {
			prev(e)
		}
		fn(e)
	}
	c.entries[kind] = entry
	return nil
}

func (c *Catalog) Lookup(kind domain.Kind) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[kind]
	return entry, ok
}

// Construct builds a detached entity of kind with default attribute values.
func (c *Catalog) Construct(kind domain.Kind, id domain.EntityID, origin domain.Origin) (*entity.Entity, error) {
	entry, ok := c.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("construct %q: %w", kind, domain.ErrUnknownKind)
	}
	e, err := entity.New(c.registry, kind, id, origin)
	if err != nil {
		return nil, err
	}
	if entry.Setup != nil {
		entry.Setup(e)
	}
	return e, nil
}

func (c *Catalog) HasCapability(kind domain.Kind, capability domain.Capability) bool {
	entry, ok := c.Lookup(kind)
	return ok && entry.Has(capability)
}

// KindsWith lists the registered kinds carrying capability.
func (c *Catalog) KindsWith(capability domain.Capability) []domain.Kind {
	var kinds []domain.Kind
	for _, k := range c.Kinds() {
		if c.HasCapability(k, capability) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (c *Catalog) Kinds() []domain.Kind {
	c.mu.RLock()
	defer c.mu.RUnlock()

	kinds := make([]domain.Kind, 0, len(c.entries))
	for k := range c.entries {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Reset forgets every registered kind.
func (c *Catalog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[domain.Kind]Entry)
}
