package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies service failures for callers. The HTTP layer maps
// kinds onto status codes; the reconciler retries only Upstream.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindValidation
	KindUpstream
	KindEncryption
	KindTypeUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindUpstream:
		return "upstream"
	case KindEncryption:
		return "encryption"
	case KindTypeUnsupported:
		return "type_unsupported"
	}
	return "unknown"
}

// Error is the tagged failure type shared by all services.
type Error struct {
	Kind     ErrorKind
	Resource string // entity name for NotFound
	ID       string // entity id for NotFound
	Service  string // upstream service name for Upstream
	Name     string // secret name or job type name
	Msg      string
	Cause    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotFound:
		if e.ID != "" {
			return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
		}
		return fmt.Sprintf("%s not found", e.Resource)
	case KindUpstream:
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Service, e.Msg, e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Service, e.Msg)
	case KindEncryption:
		return fmt.Sprintf("secret %q: %s", e.Name, e.Msg)
	case KindTypeUnsupported:
		return fmt.Sprintf("unsupported job type %q", e.Name)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match on kind sentinels built with KindOnly.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOnly is a sentinel for errors.Is kind checks.
func KindOnly(k ErrorKind) error { return &Error{Kind: k} }

func NotFound(resource, id string) error {
	return &Error{Kind: KindNotFound, Resource: resource, ID: id}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func Upstream(service, msg string, cause error) error {
	return &Error{Kind: KindUpstream, Service: service, Msg: msg, Cause: cause}
}

func Encryption(name, msg string, cause error) error {
	return &Error{Kind: KindEncryption, Name: name, Msg: msg, Cause: cause}
}

func TypeUnsupported(name string) error {
	return &Error{Kind: KindTypeUnsupported, Name: name}
}

// KindOf extracts the kind from any error in the chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// TypeName returns the offending job type for TypeUnsupported errors.
func TypeName(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Name
	}
	return ""
}
