package codec

import (
	"fmt"

	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
)

// Resolver maps a decoded reference onto a local entity. If none exists yet
// it constructs a placeholder and may return a warning; it never fails.
type Resolver interface {
	Resolve(ref domain.Ref) (domain.Ref, *domain.UnresolvedReferenceWarning)
}

// Encode converts an attribute value into its tagged wire form.
func Encode(spec domain.AttrSpec, value any) (*domain.WireValue, error) {
	w := &domain.WireValue{Type: spec.Type}
	switch spec.Type {
	case domain.AttrBool:
		b, ok := value.(bool)
		if !ok {
			return nil, mismatch(spec, value)
		}
		w.Bool = &b
	case domain.AttrInt:
		i, ok := value.(int64)
		if !ok {
			return nil, mismatch(spec, value)
		}
		w.Int = &i
	case domain.AttrFloat:
		f, ok := value.(float64)
		if !ok {
			return nil, mismatch(spec, value)
		}
		w.Float = &f
	case domain.AttrString:
		s, ok := value.(string)
		if !ok {
			return nil, mismatch(spec, value)
		}
		w.String = &s
	case domain.AttrStringList:
		ss, ok := value.([]string)
		if !ok && value != nil {
			return nil, mismatch(spec, value)
		}
		w.Strings = ss
	case domain.AttrBytes:
		switch b := value.(type) {
		case nil:
			w.Null = true
		case []byte:
			if b == nil {
				w.Null = true
			} else {
				w.Bytes = b
			}
		default:
			return nil, mismatch(spec, value)
		}
	case domain.AttrRef:
		switch r := value.(type) {
		case nil:
			w.Null = true
		case domain.Ref:
			if r.IsZero() {
				w.Null = true
			} else {
				w.Refs = []domain.Ref{r}
			}
		default:
			return nil, mismatch(spec, value)
		}
	case domain.AttrRefList:
		refs, ok := value.([]domain.Ref)
		if !ok && value != nil {
			return nil, mismatch(spec, value)
		}
		w.Refs = refs
	default:
		return nil, &domain.SerializationError{Attr: spec.Name, Reason: fmt.Sprintf("unknown attribute type %q", spec.Type)}
	}
	return w, nil
}

// Decode converts a wire value back into an attribute value. References are
// passed through the resolver; unresolved ones come back as warnings.
func Decode(spec domain.AttrSpec, w *domain.WireValue, resolver Resolver) (any, []*domain.UnresolvedReferenceWarning, error) {
	if w == nil {
		return nil, nil, &domain.SerializationError{Attr: spec.Name, Reason: "missing value"}
	}
	if w.Type != spec.Type {
		if !(spec.Type == domain.AttrFloat && w.Type == domain.AttrInt) {
			return nil, nil, &domain.SerializationError{
				Attr:   spec.Name,
				Reason: fmt.Sprintf("wire type %q does not match declared %q", w.Type, spec.Type),
			}
		}
	}

	switch spec.Type {
	case domain.AttrBool:
		if w.Bool == nil {
			return nil, nil, emptySlot(spec)
		}
		return *w.Bool, nil, nil
	case domain.AttrInt:
		if w.Int == nil {
			return nil, nil, emptySlot(spec)
		}
		return *w.Int, nil, nil
	case domain.AttrFloat:
		switch {
		case w.Float != nil:
			return *w.Float, nil, nil
		case w.Int != nil:
			return float64(*w.Int), nil, nil
		}
		return nil, nil, emptySlot(spec)
	case domain.AttrString:
		if w.String == nil {
			return nil, nil, emptySlot(spec)
		}
		return *w.String, nil, nil
	case domain.AttrStringList:
		out := make([]string, len(w.Strings))
		copy(out, w.Strings)
		return out, nil, nil
	case domain.AttrBytes:
		if w.Null {
			return []byte(nil), nil, nil
		}
		out := make([]byte, len(w.Bytes))
		copy(out, w.Bytes)
		return out, nil, nil
	case domain.AttrRef:
		if w.Null || len(w.Refs) == 0 {
			return nil, nil, nil
		}
		if len(w.Refs) != 1 {
			return nil, nil, &domain.SerializationError{Attr: spec.Name, Reason: "single reference carries several targets"}
		}
		refs, warnings, err := resolveAll(spec, w.Refs, resolver)
		if err != nil {
			return nil, nil, err
		}
		return refs[0], warnings, nil
	case domain.AttrRefList:
		refs, warnings, err := resolveAll(spec, w.Refs, resolver)
		if err != nil {
			return nil, nil, err
		}
		return refs, warnings, nil
	}
	return nil, nil, &domain.SerializationError{Attr: spec.Name, Reason: fmt.Sprintf("unknown attribute type %q", spec.Type)}
}

// resolveAll decodes the whole list before anything is handed back, so a
// malformed element never leaves a half-applied list behind.
func resolveAll(spec domain.AttrSpec, refs []domain.Ref, resolver Resolver) ([]domain.Ref, []*domain.UnresolvedReferenceWarning, error) {
	out := make([]domain.Ref, 0, len(refs))
	var warnings []*domain.UnresolvedReferenceWarning
	for _, ref := range refs {
		if ref.IsZero() {
			return nil, nil, &domain.SerializationError{Attr: spec.Name, Reason: "reference without id"}
		}
		if resolver != nil {
			resolved, warn := resolver.Resolve(ref)
			if warn != nil {
				warnings = append(warnings, warn)
			}
			ref = resolved
		}
		out = append(out, ref)
	}
	return out, warnings, nil
}

func mismatch(spec domain.AttrSpec, value any) error {
	return &domain.SerializationError{
		Attr:   spec.Name,
		Reason: fmt.Sprintf("cannot encode %T as %s", value, spec.Type),
	}
}

func emptySlot(spec domain.AttrSpec) error {
	return &domain.SerializationError{
		Attr:   spec.Name,
		Reason: fmt.Sprintf("no %s payload", spec.Type),
	}
}
