package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEntityNotFound  = errors.New("entity not found")
	ErrEntityClosed    = errors.New("entity closed")
	ErrUnknownKind     = errors.New("unknown entity kind")
	ErrUnknownAttr     = errors.New("unknown attribute")
	ErrUnknownCommand  = errors.New("command not supported by entity kind")
	ErrTypeRedeclared  = errors.New("attribute type cannot change on re-declaration")
	ErrTransportDown   = errors.New("transport unavailable")
	ErrTransportClosed = errors.New("transport closed")
)

// ValidationError is returned for a rejected local write. State is unchanged.
type ValidationError struct {
	Kind   Kind
	Attr   string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value for %s.%s: %s", e.Kind, e.Attr, e.Reason)
}

// SerializationError is returned when a value cannot be encoded or an inbound
// payload cannot be decoded per its declared type.
type SerializationError struct {
	Attr   string
	Reason string
	Cause  error
}

func (e *SerializationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("serialization of %q failed: %s: %v", e.Attr, e.Reason, e.Cause)
	}
	return fmt.Sprintf("serialization of %q failed: %s", e.Attr, e.Reason)
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// UnresolvedReferenceWarning is non-fatal: a placeholder stands in for the
// referenced entity until it arrives.
type UnresolvedReferenceWarning struct {
	Ref    Ref
	Reason string
}

func (w *UnresolvedReferenceWarning) Error() string {
	return fmt.Sprintf("unresolved reference to %s %s: %s", w.Ref.Kind, w.Ref.ID, w.Reason)
}

// EmptyDataError is returned by save when no payload has been recorded yet.
type EmptyDataError struct {
	EntityID EntityID
	Attr     string
}

func (e *EmptyDataError) Error() string {
	return fmt.Sprintf("entity %s has no %s recorded yet", e.EntityID, e.Attr)
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsSerializationError(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}

func IsEmptyDataError(err error) bool {
	var ee *EmptyDataError
	return errors.As(err, &ee)
}
