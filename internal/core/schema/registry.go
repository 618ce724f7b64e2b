package schema

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
)

type kindSchema struct {
	attrs    map[string]domain.AttrSpec
	order    []string
	commands map[string]struct{}
}

func newKindSchema() *kindSchema {
	return &kindSchema{
		attrs:    make(map[string]domain.AttrSpec),
		commands: make(map[string]struct{}),
	}
}

// Registry is the static declaration table of synchronized attributes per
// entity kind. Declarations happen at process start; lookups are safe for
// concurrent use afterwards.
type Registry struct {
	mu    sync.RWMutex
	kinds map[domain.Kind]*kindSchema
}

func NewRegistry() *Registry {
	return &Registry{
		kinds: make(map[domain.Kind]*kindSchema),
	}
}

// Declare registers an attribute for kind. Re-declaring an existing name
// overrides default, sync flag and validator, but not the type.
func (r *Registry) Declare(kind domain.Kind, spec domain.AttrSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("declare %s: attribute name is required", kind)
	}
	if spec.Default != nil {
		def, err := coerce(spec.Type, spec.Default)
		if err != nil {
			return fmt.Errorf("declare %s.%s: default: %w", kind, spec.Name, err)
		}
		spec.Default = def
	} else {
		spec.Default = zeroValue(spec.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ks, ok := r.kinds[kind]
	if !ok {
		ks = newKindSchema()
		r.kinds[kind] = ks
	}

	if prev, exists := ks.attrs[spec.Name]; exists {
		if prev.Type != spec.Type {
			return fmt.Errorf("declare %s.%s as %s (was %s): %w", kind, spec.Name, spec.Type, prev.Type, domain.ErrTypeRedeclared)
		}
	} else {
		ks.order = append(ks.order, spec.Name)
	}
	ks.attrs[spec.Name] = spec
	return nil
}

// MustDeclare is like Declare but panics on configuration errors.
func (r *Registry) MustDeclare(kind domain.Kind, specs ...domain.AttrSpec) {
	for _, spec := range specs {
		if err := r.Declare(kind, spec); err != nil {
			panic(err)
		}
	}
	r.ensureKind(kind)
}

// Extend copies every attribute and command of base into kind.
func (r *Registry) Extend(kind, base domain.Kind) error {
	specs := r.Attrs(base)
	if specs == nil && !r.HasKind(base) {
		return fmt.Errorf("extend %s from %s: %w", kind, base, domain.ErrUnknownKind)
	}
	for _, spec := range specs {
		if err := r.Declare(kind, spec); err != nil {
			return err
		}
	}
	r.ensureKind(kind)

	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.kinds[base].commands {
		r.kinds[kind].commands[name] = struct{}{}
	}
	return nil
}

func (r *Registry) DeclareCommand(kind domain.Kind, names ...string) {
	r.ensureKind(kind)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		r.kinds[kind].commands[name] = struct{}{}
	}
}

func (r *Registry) ensureKind(kind domain.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[kind]; !ok {
		r.kinds[kind] = newKindSchema()
	}
}

func (r *Registry) HasKind(kind domain.Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[kind]
	return ok
}

func (r *Registry) Kinds() []domain.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]domain.Kind, 0, len(r.kinds))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Attrs returns the attributes of kind in declaration order.
func (r *Registry) Attrs(kind domain.Kind) []domain.AttrSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ks, ok := r.kinds[kind]
	if !ok {
		return nil
	}
	specs := make([]domain.AttrSpec, 0, len(ks.order))
	for _, name := range ks.order {
		specs = append(specs, ks.attrs[name])
	}
	return specs
}

func (r *Registry) Spec(kind domain.Kind, name string) (domain.AttrSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ks, ok := r.kinds[kind]
	if !ok {
		return domain.AttrSpec{}, fmt.Errorf("%s: %w", kind, domain.ErrUnknownKind)
	}
	spec, ok := ks.attrs[name]
	if !ok {
		return domain.AttrSpec{}, fmt.Errorf("%s.%s: %w", kind, name, domain.ErrUnknownAttr)
	}
	return spec, nil
}

func (r *Registry) AcceptsCommand(kind domain.Kind, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ks, ok := r.kinds[kind]
	if !ok {
		return false
	}
	_, ok = ks.commands[name]
	return ok
}

// Validate checks a proposed local write and returns the accepted value.
func (r *Registry) Validate(kind domain.Kind, name string, value any) (any, error) {
	spec, err := r.Spec(kind, name)
	if err != nil {
		return nil, &domain.ValidationError{Kind: kind, Attr: name, Value: value, Reason: err.Error()}
	}
	if spec.ReadOnly {
		return nil, &domain.ValidationError{Kind: kind, Attr: name, Value: value, Reason: "attribute is read-only"}
	}
	return ValidateSpec(kind, spec, value)
}

// ValidateSpec coerces value to spec's type and runs its validator.
func ValidateSpec(kind domain.Kind, spec domain.AttrSpec, value any) (any, error) {
	accepted, err := coerce(spec.Type, value)
	if err != nil {
		return nil, &domain.ValidationError{Kind: kind, Attr: spec.Name, Value: value, Reason: err.Error()}
	}
	if spec.Validator != nil {
		accepted, err = spec.Validator(accepted)
		if err != nil {
			return nil, &domain.ValidationError{Kind: kind, Attr: spec.Name, Value: value, Reason: err.Error()}
		}
	}
	return accepted, nil
}

func zeroValue(t domain.AttrType) any {
	switch t {
	case domain.AttrBool:
		return false
	case domain.AttrInt:
		return int64(0)
	case domain.AttrFloat:
		return float64(0)
	case domain.AttrString:
		return ""
	case domain.AttrStringList:
		return []string{}
	case domain.AttrRefList:
		return []domain.Ref{}
	default:
		// bytes and single references are nullable
		return nil
	}
}

// coerce maps a Go value onto the canonical representation of t.
func coerce(t domain.AttrType, value any) (any, error) {
	switch t {
	case domain.AttrBool:
		if b, ok := value.(bool); ok {
			return b, nil
		}
	case domain.AttrInt:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int8:
			return int64(v), nil
		case int16:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case uint8:
			return int64(v), nil
		case uint16:
			return int64(v), nil
		case uint32:
			return int64(v), nil
		case uint:
			if uint64(v) <= math.MaxInt64 {
				return int64(v), nil
			}
		case uint64:
			if v <= math.MaxInt64 {
				return int64(v), nil
			}
		}
	case domain.AttrFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case domain.AttrString:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case domain.AttrStringList:
		switch v := value.(type) {
		case nil:
			return []string{}, nil
		case []string:
			return domain.CloneValue(v), nil
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("expected list of strings, got element %T", item)
				}
				out = append(out, s)
			}
			return out, nil
		}
	case domain.AttrBytes:
		switch v := value.(type) {
		case nil:
			return []byte(nil), nil
		case []byte:
			return domain.CloneValue(v), nil
		}
	case domain.AttrRef:
		switch v := value.(type) {
		case nil:
			return nil, nil
		case domain.Ref:
			if v.IsZero() {
				return nil, nil
			}
			return v, nil
		case domain.Referable:
			return v.Ref(), nil
		}
	case domain.AttrRefList:
		switch v := value.(type) {
		case nil:
			return []domain.Ref{}, nil
		case []domain.Ref:
			return domain.CloneValue(v), nil
		case []any:
			out := make([]domain.Ref, 0, len(v))
			for _, item := range v {
				ref, err := coerce(domain.AttrRef, item)
				if err != nil || ref == nil {
					return nil, fmt.Errorf("expected list of references, got element %T", item)
				}
				out = append(out, ref.(domain.Ref))
			}
			return out, nil
		}
	default:
		return nil, fmt.Errorf("unknown attribute type %q", t)
	}
	return nil, fmt.Errorf("expected %s, got %T", t, value)
}
