package settlement

import "errors"

var (
	// ErrInvalidOrder rejects bad construction arguments at initiation.
	ErrInvalidOrder = errors.New("settlement: invalid order")
	// ErrAlreadyExists rejects a duplicate order identifier.
	ErrAlreadyExists = errors.New("settlement: order already exists")
	// ErrNotFound rejects operations on unknown or cancelled orders.
	ErrNotFound = errors.New("settlement: order not found")
	// ErrUnauthorized rejects a leg deposit from anyone but the recorded party.
	ErrUnauthorized = errors.New("settlement: unauthorized caller")
	// ErrAlreadyLocked rejects a second deposit on an already locked leg.
	ErrAlreadyLocked = errors.New("settlement: leg already locked")
	// ErrNotFunded rejects settlement before both legs are locked.
	ErrNotFunded = errors.New("settlement: both legs must be locked")
	// ErrAlreadySettled rejects any transition on a settled order.
	ErrAlreadySettled = errors.New("settlement: order already settled")
	// ErrExpired rejects settlement after the deadline.
	ErrExpired = errors.New("settlement: deadline passed")
	// ErrNotExpired rejects cancellation at or before the deadline.
	ErrNotExpired = errors.New("settlement: deadline not reached")
	// ErrTransferFailed wraps any rejection from an external asset ledger.
	ErrTransferFailed = errors.New("settlement: asset transfer failed")
)
