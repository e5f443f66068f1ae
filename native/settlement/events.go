package settlement

import (
	"encoding/hex"
	"strconv"

	"dvpchain/core/types"
)

const (
	EventTypeInitiated      = "dvp.initiated"
	EventTypeSecurityLocked = "dvp.security_locked"
	EventTypeCashLocked     = "dvp.cash_locked"
	EventTypeSettled        = "dvp.settled"
	EventTypeCancelled      = "dvp.cancelled"
)

// NewInitiatedEvent returns the canonical payload for a newly recorded order.
func NewInitiatedEvent(o *Order) *types.Event {
	evt := newOrderEvent(EventTypeInitiated, o)
	if o == nil {
		return evt
	}
	evt.Attributes["securityAsset"] = o.SecurityAsset
	evt.Attributes["securityAmount"] = o.SecurityAmount.String()
	evt.Attributes["cashAsset"] = o.CashAsset
	evt.Attributes["cashAmount"] = o.CashAmount.String()
	evt.Attributes["deadline"] = strconv.FormatInt(o.Deadline, 10)
	return evt
}

// NewSecurityLockedEvent returns the payload emitted when the security leg is
// pulled into custody.
func NewSecurityLockedEvent(o *Order) *types.Event {
	return newOrderEvent(EventTypeSecurityLocked, o)
}

// NewCashLockedEvent returns the payload emitted when the cash leg is pulled
// into custody.
func NewCashLockedEvent(o *Order) *types.Event {
	return newOrderEvent(EventTypeCashLocked, o)
}

// NewSettledEvent returns the payload emitted when both legs release
// atomically.
func NewSettledEvent(o *Order) *types.Event {
	return newOrderEvent(EventTypeSettled, o)
}

// NewCancelledEvent returns the payload emitted when an expired order is
// refunded and deleted.
func NewCancelledEvent(o *Order) *types.Event {
	return newOrderEvent(EventTypeCancelled, o)
}

func newOrderEvent(eventType string, o *Order) *types.Event {
	attrs := make(map[string]string)
	if o != nil {
		attrs["id"] = hex.EncodeToString(o.ID[:])
		attrs["seller"] = hex.EncodeToString(o.Seller[:])
		attrs["buyer"] = hex.EncodeToString(o.Buyer[:])
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
