// Package ferr defines the closed error-kind taxonomy shared by every
// component of the fleet control plane. Wire responses and CLI output
// both serialize a Kind so callers can branch on error class without
// string matching.
package ferr

import "fmt"

// Kind is a closed set of error classes. Every component-level error
// returned across a package boundary carries one of these.
type Kind string

const (
	ConfigInvalid      Kind = "ConfigInvalid"
	IDInvalid          Kind = "IdInvalid"
	AddressInvalid     Kind = "AddressInvalid"
	NoAddressSpace     Kind = "NoAddressSpace"
	InvalidTransition  Kind = "InvalidTransition"
	QuotaExceeded      Kind = "QuotaExceeded"
	TransitionDeferred Kind = "TransitionDeferred"
	VMMAPI             Kind = "VmmApi"
	SnapshotIncompat   Kind = "SnapshotIncompat"
	GuestChannel       Kind = "GuestChannel"
	Network            Kind = "Network"
	IO                 Kind = "Io"
	Crypto             Kind = "Crypto"
	Auth               Kind = "Auth"
)

// Error is a component-level error carrying a Kind, the failing
// operation name, an optional structured detail, and the wrapped
// cause.
type Error struct {
	Kind    Kind
	Op      string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		if e.Detail != "" {
			return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Detail)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause, used for validation-style
// failures detected locally rather than propagated from a lower layer.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Wrap attaches a Kind and operation name to an existing error.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// otherwise returns the empty Kind.
func KindOf(err error) Kind {
	var fe *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			fe = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if fe == nil {
		return ""
	}
	return fe.Kind
}

// WireError is the JSON shape sent over the control plane and read by
// the CLI, per the desired-state document's error contract.
type WireError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// ToWire converts any error into the wire representation, defaulting
// to Io for errors that carry no Kind.
func ToWire(err error) WireError {
	if err == nil {
		return WireError{}
	}
	k := KindOf(err)
	if k == "" {
		k = IO
	}
	we := WireError{Kind: k, Message: err.Error()}
	var fe *Error
	if e, ok := err.(*Error); ok {
		fe = e
	}
	if fe != nil {
		we.Detail = fe.Detail
	}
	return we
}
