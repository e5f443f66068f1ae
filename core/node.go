package core

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"dvpchain/core/events"
	"dvpchain/native/settlement"
	"dvpchain/native/token"
	"dvpchain/observability"
	"dvpchain/state"
	"dvpchain/storage"
)

// Node owns the settlement engine and its state backend and serializes
// admission of every engine call. One call executes at a time; the engine's
// flag ordering handles any reentrancy from asset ledger callbacks within a
// call.
type Node struct {
	mu       sync.Mutex
	log      *slog.Logger
	db       storage.Database
	state    *state.Manager
	engine   *settlement.Engine
	recorder *events.Recorder
	metrics  *observability.EngineMetrics
}

// NewNode wires storage, the order store, the asset registry and the engine
// with the supplied custody account.
func NewNode(db storage.Database, custody [20]byte, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	manager := state.NewManager(db, custody)
	recorder := events.NewRecorder(1024)
	engine := settlement.NewEngine()
	engine.SetState(manager)
	engine.SetCustody(custody)
	engine.SetEmitter(recorder)
	return &Node{
		log:      logger,
		db:       db,
		state:    manager,
		engine:   engine,
		recorder: recorder,
		metrics:  observability.Engine(),
	}
}

// RegisterAsset makes a ledger available to the engine under its symbol.
func (n *Node) RegisterAsset(ledger *token.Ledger) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.RegisterAsset(ledger)
}

// Custody returns the engine's holding account.
func (n *Node) Custody() [20]byte { return n.engine.Custody() }

// SetNowFunc overrides the engine time source, primarily for tests.
func (n *Node) SetNowFunc(now func() int64) { n.engine.SetNowFunc(now) }

// Initiate records a new order.
func (n *Node) Initiate(id [32]byte, seller, buyer [20]byte, securityAsset string, securityAmount *big.Int, cashAsset string, cashAmount *big.Int, deadline int64) (*settlement.Order, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	start := time.Now()
	order, err := n.engine.Initiate(id, seller, buyer, securityAsset, securityAmount, cashAsset, cashAmount, deadline)
	n.metrics.Observe("initiate", err, start)
	if err != nil {
		return nil, err
	}
	n.log.Info("order initiated", "id", hex.EncodeToString(id[:]), "deadline", deadline)
	return order, nil
}

// DepositSecurity locks the security leg on behalf of the caller.
func (n *Node) DepositSecurity(id [32]byte, caller [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	start := time.Now()
	err := n.engine.DepositSecurity(id, caller)
	n.metrics.Observe("deposit_security", err, start)
	return err
}

// DepositCash locks the cash leg on behalf of the caller.
func (n *Node) DepositCash(id [32]byte, caller [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	start := time.Now()
	err := n.engine.DepositCash(id, caller)
	n.metrics.Observe("deposit_cash", err, start)
	return err
}

// Settle releases both legs atomically.
func (n *Node) Settle(id [32]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	start := time.Now()
	err := n.engine.Settle(id)
	n.metrics.Observe("settle", err, start)
	if err == nil {
		n.log.Info("order settled", "id", hex.EncodeToString(id[:]))
	}
	return err
}

// Cancel refunds locked legs and deletes an expired order.
func (n *Node) Cancel(id [32]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	start := time.Now()
	err := n.engine.Cancel(id)
	n.metrics.Observe("cancel", err, start)
	if err == nil {
		n.log.Info("order cancelled", "id", hex.EncodeToString(id[:]))
	}
	return err
}

// GetOrder returns a copy of the stored order.
func (n *Node) GetOrder(id [32]byte) (*settlement.Order, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Get(id)
}

// Events returns all retained observations with sequence > after.
func (n *Node) Events(after uint64) []events.RecordedEvent {
	return n.recorder.After(after)
}

// Balance reads a holder balance from the named asset ledger.
func (n *Node) Balance(symbol string, holder [20]byte) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ledger, ok := n.state.Ledger(symbol)
	if !ok {
		return nil, fmt.Errorf("core: unknown asset %s", symbol)
	}
	return ledger.BalanceOf(holder), nil
}

// Approve sets the allowance that lets the custody account pull a leg from
// the owner.
func (n *Node) Approve(symbol string, owner, spender [20]byte, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	ledger, ok := n.state.Ledger(symbol)
	if !ok {
		return fmt.Errorf("core: unknown asset %s", symbol)
	}
	return ledger.Approve(owner, spender, amount)
}

// Assets lists the registered asset symbols.
func (n *Node) Assets() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.Assets()
}
