package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
)

// FromJSON converts a JSON attribute value from the REST API into the Go
// value expected by the registry. Binary values are base64 strings and
// references are {"kind": ..., "id": ...} objects.
func FromJSON(spec domain.AttrSpec, raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &domain.SerializationError{Attr: spec.Name, Reason: "empty JSON value"}
	}
	isNull := bytes.Equal(trimmed, []byte("null"))
	if isNull && spec.Type.Primitive() && spec.Type != domain.AttrStringList {
		return nil, &domain.SerializationError{Attr: spec.Name, Reason: fmt.Sprintf("%s cannot be null", spec.Type)}
	}

	var err error
	switch spec.Type {
	case domain.AttrBool:
		var b bool
		if err = json.Unmarshal(trimmed, &b); err == nil {
			return b, nil
		}
	case domain.AttrInt:
		var i int64
		if err = json.Unmarshal(trimmed, &i); err == nil {
			return i, nil
		}
	case domain.AttrFloat:
		var f float64
		if err = json.Unmarshal(trimmed, &f); err == nil {
			return f, nil
		}
	case domain.AttrString:
		var s string
		if err = json.Unmarshal(trimmed, &s); err == nil {
			return s, nil
		}
	case domain.AttrStringList:
		var ss []string
		if err = json.Unmarshal(trimmed, &ss); err == nil {
			if ss == nil {
				ss = []string{}
			}
			return ss, nil
		}
	case domain.AttrBytes:
		if isNull {
			return []byte(nil), nil
		}
		var s string
		if err = json.Unmarshal(trimmed, &s); err == nil {
			b, decErr := base64.StdEncoding.DecodeString(s)
			if decErr == nil {
				return b, nil
			}
			err = decErr
		}
	case domain.AttrRef:
		if isNull {
			return nil, nil
		}
		var r domain.Ref
		if err = json.Unmarshal(trimmed, &r); err == nil && !r.IsZero() {
			return r, nil
		}
	case domain.AttrRefList:
		var refs []domain.Ref
		if err = json.Unmarshal(trimmed, &refs); err == nil {
			if refs == nil {
				refs = []domain.Ref{}
			}
			return refs, nil
		}
	default:
		return nil, &domain.SerializationError{Attr: spec.Name, Reason: fmt.Sprintf("unknown attribute type %q", spec.Type)}
	}
	return nil, &domain.SerializationError{
		Attr:   spec.Name,
		Reason: fmt.Sprintf("expected JSON %s", spec.Type),
		Cause:  err,
	}
}

// ToJSON renders an attribute value for REST responses.
func ToJSON(value any) any {
	switch v := value.(type) {
	case []byte:
		if v == nil {
			return nil
		}
		return base64.StdEncoding.EncodeToString(v)
	default:
		return v
	}
}
