package settlement

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"dvpchain/core/events"
	"dvpchain/core/types"
)

var errNilState = errors.New("settlement engine: state not configured")

// AssetLedger is the engine's view of one external fungible asset ledger.
// TransferFrom pulls funds from an owner who granted the engine an allowance;
// Transfer releases funds out of the engine's own custody balance. Any
// rejection (insufficient balance, ineligible party, insufficient allowance)
// surfaces to the engine as a failed transfer.
type AssetLedger interface {
	TransferFrom(owner, to [20]byte, amount *big.Int) error
	Transfer(to [20]byte, amount *big.Int) error
}

// engineState is the narrow store contract the engine operates on. Order
// mutations touch exactly one key per call; Snapshot/RevertToSnapshot give
// the engine all-or-nothing execution across multi-transfer operations.
// Every snapshot must be balanced by a revert or a discard so the backend
// can release its undo journal.
type engineState interface {
	OrderCreate(*Order) error
	OrderGet(id [32]byte) (*Order, bool)
	OrderPut(*Order) error
	OrderRemove(id [32]byte) error
	AssetLedger(symbol string) (AssetLedger, error)
	Snapshot() int
	RevertToSnapshot(int)
	DiscardSnapshot(int)
}

type settlementEvent struct {
	evt *types.Event
}

func (e settlementEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e settlementEvent) Event() *types.Event { return e.evt }

// Engine is the delivery-versus-payment state machine. It never retains
// order state across calls: every operation re-reads from the store at
// entry and writes back before returning, so the store stays the single
// source of truth and a failed transfer leaves an order exactly as found.
//
// The engine carries no lock of its own; admission must be serialized by the
// host. Reentrancy from an asset ledger callback is defeated by state
// ordering: on settle the terminal flag is persisted before any release, and
// on deposits the lock flag is persisted only after the pull succeeds.
type Engine struct {
	state   engineState
	emitter events.Emitter
	custody [20]byte
	nowFn   func() int64
}

// NewEngine creates a settlement engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetCustody configures the account holding locked legs. Locked funds sit in
// this account between deposit and settlement or cancellation.
func (e *Engine) SetCustody(addr [20]byte) { e.custody = addr }

// Custody returns the engine's holding account.
func (e *Engine) Custody() [20]byte { return e.custody }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(settlementEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) loadOrder(id [32]byte) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	order, ok := e.state.OrderGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return SanitizeOrder(order)
}

// Get returns a copy of the stored order.
func (e *Engine) Get(id [32]byte) (*Order, error) {
	return e.loadOrder(id)
}

// Initiate records a new order. No funds move; both lock flags and the
// settled flag start false. The identifier, parties, assets, amounts and
// deadline are immutable for the order's lifetime. Self-trades
// (seller == buyer) are legal.
func (e *Engine) Initiate(id [32]byte, seller, buyer [20]byte, securityAsset string, securityAmount *big.Int, cashAsset string, cashAmount *big.Int, deadline int64) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if seller == ([20]byte{}) {
		return nil, fmt.Errorf("%w: seller must be non-zero", ErrInvalidOrder)
	}
	if buyer == ([20]byte{}) {
		return nil, fmt.Errorf("%w: buyer must be non-zero", ErrInvalidOrder)
	}
	normalizedSecurity, err := NormalizeAsset(securityAsset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	normalizedCash, err := NormalizeAsset(cashAsset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if _, err := e.state.AssetLedger(normalizedSecurity); err != nil {
		return nil, fmt.Errorf("%w: security asset: %v", ErrInvalidOrder, err)
	}
	if _, err := e.state.AssetLedger(normalizedCash); err != nil {
		return nil, fmt.Errorf("%w: cash asset: %v", ErrInvalidOrder, err)
	}
	if securityAmount == nil || securityAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: security amount must be positive", ErrInvalidOrder)
	}
	if cashAmount == nil || cashAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: cash amount must be positive", ErrInvalidOrder)
	}
	now := e.now()
	if deadline <= now {
		return nil, fmt.Errorf("%w: deadline must be in the future", ErrInvalidOrder)
	}
	if _, ok := e.state.OrderGet(id); ok {
		return nil, ErrAlreadyExists
	}
	order := &Order{
		ID:             id,
		Seller:         seller,
		Buyer:          buyer,
		SecurityAsset:  normalizedSecurity,
		CashAsset:      normalizedCash,
		SecurityAmount: new(big.Int).Set(securityAmount),
		CashAmount:     new(big.Int).Set(cashAmount),
		Deadline:       deadline,
		CreatedAt:      now,
	}
	if err := e.state.OrderCreate(order); err != nil {
		return nil, err
	}
	e.emit(NewInitiatedEvent(order))
	return order.Clone(), nil
}

// DepositSecurity locks the security leg. Only the recorded seller may fund
// it, exactly once; the lock flag is set only after the external pull
// succeeds, so a locked-but-unfunded state cannot exist.
func (e *Engine) DepositSecurity(id [32]byte, caller [20]byte) error {
	order, err := e.loadOrder(id)
	if err != nil {
		return err
	}
	if caller != order.Seller {
		return fmt.Errorf("%w: security leg is funded by the seller", ErrUnauthorized)
	}
	if order.SecurityLocked {
		return ErrAlreadyLocked
	}
	ledger, err := e.state.AssetLedger(order.SecurityAsset)
	if err != nil {
		return err
	}
	if err := ledger.TransferFrom(order.Seller, e.custody, order.SecurityAmount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	order.SecurityLocked = true
	if err := e.state.OrderPut(order); err != nil {
		return err
	}
	e.emit(NewSecurityLockedEvent(order))
	return nil
}

// DepositCash locks the cash leg. Only the recorded buyer may fund it,
// exactly once.
func (e *Engine) DepositCash(id [32]byte, caller [20]byte) error {
	order, err := e.loadOrder(id)
	if err != nil {
		return err
	}
	if caller != order.Buyer {
		return fmt.Errorf("%w: cash leg is funded by the buyer", ErrUnauthorized)
	}
	if order.CashLocked {
		return ErrAlreadyLocked
	}
	ledger, err := e.state.AssetLedger(order.CashAsset)
	if err != nil {
		return err
	}
	if err := ledger.TransferFrom(order.Buyer, e.custody, order.CashAmount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	order.CashLocked = true
	if err := e.state.OrderPut(order); err != nil {
		return err
	}
	e.emit(NewCashLockedEvent(order))
	return nil
}

// Settle releases both legs atomically once funded. Anyone may trigger it;
// the invariant that matters is custody, not the caller. The settled flag is
// persisted before either release so a reentrant call observes the terminal
// state and fails its precondition check; if a release then fails, the whole
// operation reverts to the snapshot taken at entry.
//
// Settlement at the exact deadline instant is permitted; cancellation takes
// over strictly after it.
func (e *Engine) Settle(id [32]byte) error {
	order, err := e.loadOrder(id)
	if err != nil {
		return err
	}
	if !order.SecurityLocked || !order.CashLocked {
		return ErrNotFunded
	}
	if order.Settled {
		return ErrAlreadySettled
	}
	if e.now() > order.Deadline {
		return ErrExpired
	}
	securityLedger, err := e.state.AssetLedger(order.SecurityAsset)
	if err != nil {
		return err
	}
	cashLedger, err := e.state.AssetLedger(order.CashAsset)
	if err != nil {
		return err
	}
	snapshot := e.state.Snapshot()
	order.Settled = true
	if err := e.state.OrderPut(order); err != nil {
		return err
	}
	if err := securityLedger.Transfer(order.Buyer, order.SecurityAmount); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return fmt.Errorf("%w: security leg: %v", ErrTransferFailed, err)
	}
	if err := cashLedger.Transfer(order.Seller, order.CashAmount); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return fmt.Errorf("%w: cash leg: %v", ErrTransferFailed, err)
	}
	e.state.DiscardSnapshot(snapshot)
	e.emit(NewSettledEvent(order))
	return nil
}

// Cancel refunds whatever was locked once the deadline has strictly passed
// and deletes the order. Anyone may trigger it. Partial funding is a legal
// outcome: only the locked leg is refunded. The record is removed before any
// refund is issued, mirroring the settle ordering, so a reentrant call
// observes the deleted record and fails with ErrNotFound instead of
// refunding a leg twice; if a refund then fails, the whole operation reverts
// to the snapshot, record included.
func (e *Engine) Cancel(id [32]byte) error {
	order, err := e.loadOrder(id)
	if err != nil {
		return err
	}
	if e.now() <= order.Deadline {
		return ErrNotExpired
	}
	if order.Settled {
		return ErrAlreadySettled
	}
	securityLedger, err := e.state.AssetLedger(order.SecurityAsset)
	if err != nil {
		return err
	}
	cashLedger, err := e.state.AssetLedger(order.CashAsset)
	if err != nil {
		return err
	}
	snapshot := e.state.Snapshot()
	if err := e.state.OrderRemove(order.ID); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return err
	}
	if order.SecurityLocked {
		if err := securityLedger.Transfer(order.Seller, order.SecurityAmount); err != nil {
			e.state.RevertToSnapshot(snapshot)
			return fmt.Errorf("%w: security refund: %v", ErrTransferFailed, err)
		}
	}
	if order.CashLocked {
		if err := cashLedger.Transfer(order.Buyer, order.CashAmount); err != nil {
			e.state.RevertToSnapshot(snapshot)
			return fmt.Errorf("%w: cash refund: %v", ErrTransferFailed, err)
		}
	}
	e.state.DiscardSnapshot(snapshot)
	e.emit(NewCancelledEvent(order))
	return nil
}
