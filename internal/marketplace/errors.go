package marketplace

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable class of a marketplace failure.
type Kind string

const (
	KindAuthorization     Kind = "authorization"
	KindNotFound          Kind = "not_found"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindInsufficientStock Kind = "insufficient_stock"
	KindValidation        Kind = "validation"
)

// Status strings carried by emitted events.
const (
	StatusAdministratorAdded = "Newly Added as Administrator!"
	StatusStoreOwnerAdded    = "Newly Added as StoreOwner!"
	StatusStoreFrontAdded    = "Newly Added as StoreFront!"
	StatusProductAdded       = "Newly Added as Product!"
	StatusSuccessful         = "Successful!"

	StatusNotAuthorized       = "Not Authorized!"
	StatusStoreFrontNotFound  = "StoreFront Not Found!"
	StatusProductNotFound     = "Product Not Found!"
	StatusStoreOwnerNotFound  = "StoreOwner Not Found!"
	StatusInsufficientPayment = "Insufficient Payment!"
	StatusInsufficientBalance = "Insufficient Balance!"
	StatusInsufficientStock   = "Insufficient Stock!"
	StatusInvalidInput        = "Invalid Input!"
	StatusInvalidIdentity     = "Invalid Identity!"
	StatusNumericOverflow     = "Numeric overflow!"
	StatusAlreadyAdmin        = "Already an Administrator!"
	StatusAlreadyStoreOwner   = "Already a StoreOwner!"
	StatusStoreFrontTaken     = "StoreFront name already taken!"
	StatusProductTaken        = "Product name already taken!"
)

// Error is the single domain error type. Status is the exact string placed
// on the failure event.
type Error struct {
	Kind    Kind
	Status  string
	Message string
	Cause   error

	// refused marks failures that stop the caller before authorization.
	refused bool
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Status
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// holds for every not-found status.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Kind sentinels for errors.Is.
var (
	ErrAuthorization     = &Error{Kind: KindAuthorization, Status: StatusNotAuthorized}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrInsufficientStock = &Error{Kind: KindInsufficientStock, Status: StatusInsufficientStock}
	ErrValidation        = &Error{Kind: KindValidation}
)

func newError(kind Kind, status, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

func unauthorized(caller Identity, capability Capability) *Error {
	return newError(KindAuthorization, StatusNotAuthorized, "%s lacks %s", caller, capability)
}

func invalid(status, format string, args ...any) *Error {
	return newError(KindValidation, status, format, args...)
}

// KindOf returns the kind of a domain error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// refusesCaller reports whether err denied the caller outright: an
// authorization failure or a malformed caller identity.
func refusesCaller(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindAuthorization || e.refused
}

// StatusOf returns the event status string for err.
func StatusOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusInvalidInput
}
