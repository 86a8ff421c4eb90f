package orders

import (
	"errors"
	"fmt"

	"github.com/slashbinslashnoname/p2p-market-orders/models"
)

// Kind classifies engine errors so callers can decide whether to re-read, retry or give up
type Kind string

const (
	// KindValidation rejects malformed input before anything is written
	KindValidation Kind = "validation"
	// KindNotFound means the order does not exist or the actor is not a party to it
	KindNotFound Kind = "not_found"
	// KindTransition means the actor or the current status does not allow the transition
	KindTransition Kind = "transition"
	// KindConflict means another write won the race; re-read before deciding again
	KindConflict Kind = "conflict"
	// KindInternal wraps storage and infrastructure failures
	KindInternal Kind = "internal"
)

// Error is returned by every Engine operation
type Error struct {
	Op      string
	Kind    Kind
	OrderID string
	// Status is the order's actual current status when it could be read
	Status models.Status
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + string(e.Kind)
	if e.OrderID != "" {
		msg += " (order " + e.OrderID
		if e.Status != "" {
			msg += ", status " + string(e.Status)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of an engine error, or KindInternal for anything else
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StatusOf returns the current order status carried by an engine error
func StatusOf(err error) models.Status {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return ""
}

func validationErr(op, orderID, format string, args ...any) *Error {
	return &Error{Op: op, Kind: KindValidation, OrderID: orderID, Err: fmt.Errorf(format, args...)}
}

func transitionErr(op string, o *models.Order, format string, args ...any) *Error {
	return &Error{Op: op, Kind: KindTransition, OrderID: o.ID, Status: o.Status, Err: fmt.Errorf(format, args...)}
}
