package state

import (
	"fmt"
	"sort"

	"dvpchain/native/settlement"
	"dvpchain/native/token"
	"dvpchain/storage"
)

// Manager glues the order store and the registered asset ledgers into the
// single state backend the settlement engine operates on. It provides
// snapshot/revert across both so multi-transfer operations execute
// all-or-nothing.
//
// The manager is not safe for concurrent use; the node serializes admission
// of every engine call.
type Manager struct {
	orders  *OrderStore
	custody [20]byte
	assets  map[string]*assetBinding

	nextRevision int
	revisions    []revision
	orderUndo    []func() error
}

type assetBinding struct {
	ledger *token.Ledger
	bound  *token.Bound
}

type revision struct {
	id        int
	orderUndo int
	ledgers   map[string]*token.LedgerSnapshot
}

// NewManager builds a manager over the supplied database with the given
// custody account.
func NewManager(db storage.Database, custody [20]byte) *Manager {
	return &Manager{
		orders:  NewOrderStore(db),
		custody: custody,
		assets:  make(map[string]*assetBinding),
	}
}

// RegisterAsset makes the ledger available to the engine under its symbol.
func (m *Manager) RegisterAsset(ledger *token.Ledger) error {
	if ledger == nil {
		return fmt.Errorf("state: nil asset ledger")
	}
	symbol := ledger.Symbol()
	if _, ok := m.assets[symbol]; ok {
		return fmt.Errorf("state: asset %s already registered", symbol)
	}
	m.assets[symbol] = &assetBinding{ledger: ledger, bound: ledger.Bind(m.custody)}
	return nil
}

// Ledger exposes the full ledger for query surfaces (balances, approvals).
func (m *Manager) Ledger(symbol string) (*token.Ledger, bool) {
	normalized, err := token.NormalizeSymbol(symbol)
	if err != nil {
		return nil, false
	}
	binding, ok := m.assets[normalized]
	if !ok {
		return nil, false
	}
	return binding.ledger, true
}

// Assets lists the registered asset symbols in stable order.
func (m *Manager) Assets() []string {
	symbols := make([]string, 0, len(m.assets))
	for symbol := range m.assets {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// AssetLedger returns the custody-bound view of the asset ledger.
func (m *Manager) AssetLedger(symbol string) (settlement.AssetLedger, error) {
	binding, ok := m.assets[symbol]
	if !ok {
		return nil, fmt.Errorf("state: unknown asset %s", symbol)
	}
	return binding.bound, nil
}

// OrderCreate inserts a new order record.
func (m *Manager) OrderCreate(order *settlement.Order) error {
	if err := m.orders.Create(order); err != nil {
		return err
	}
	m.journalOrder(order.ID, nil)
	return nil
}

// OrderGet reads the order record stored under id.
func (m *Manager) OrderGet(id [32]byte) (*settlement.Order, bool) {
	order, ok, err := m.orders.Get(id)
	if err != nil || !ok {
		return nil, false
	}
	return order, true
}

// OrderPut overwrites an existing order record.
func (m *Manager) OrderPut(order *settlement.Order) error {
	previous, _, err := m.orders.Get(order.ID)
	if err != nil {
		return err
	}
	if err := m.orders.Update(order); err != nil {
		return err
	}
	m.journalOrder(order.ID, previous)
	return nil
}

// OrderRemove deletes the order record stored under id.
func (m *Manager) OrderRemove(id [32]byte) error {
	previous, _, err := m.orders.Get(id)
	if err != nil {
		return err
	}
	if err := m.orders.Remove(id); err != nil {
		return err
	}
	m.journalOrder(id, previous)
	return nil
}

// journalOrder records how to restore the order key to its pre-mutation
// state. Undo entries are only needed while a snapshot is outstanding.
func (m *Manager) journalOrder(id [32]byte, previous *settlement.Order) {
	if len(m.revisions) == 0 {
		return
	}
	if previous == nil {
		m.orderUndo = append(m.orderUndo, func() error {
			return m.orders.Remove(id)
		})
		return
	}
	m.orderUndo = append(m.orderUndo, func() error {
		key := orderKey(previous.ID)
		return m.orders.write(key, previous)
	})
}

// Snapshot captures the current state of the order journal and every
// registered ledger, returning an identifier for RevertToSnapshot.
func (m *Manager) Snapshot() int {
	if len(m.revisions) == 0 {
		m.orderUndo = m.orderUndo[:0]
	}
	snaps := make(map[string]*token.LedgerSnapshot, len(m.assets))
	for symbol, binding := range m.assets {
		snaps[symbol] = binding.ledger.SnapshotState()
	}
	id := m.nextRevision
	m.nextRevision++
	m.revisions = append(m.revisions, revision{
		id:        id,
		orderUndo: len(m.orderUndo),
		ledgers:   snaps,
	})
	return id
}

// DiscardSnapshot commits the changes made since the snapshot was taken,
// releasing the revision and, once no revision remains outstanding, the
// order undo journal. Outer snapshots stay revertible: only the journal of a
// fully committed top-level operation is dropped.
func (m *Manager) DiscardSnapshot(id int) {
	for i := len(m.revisions) - 1; i >= 0; i-- {
		if m.revisions[i].id == id {
			m.revisions = append(m.revisions[:i], m.revisions[i+1:]...)
			break
		}
	}
	if len(m.revisions) == 0 {
		m.orderUndo = m.orderUndo[:0]
	}
}

// RevertToSnapshot unwinds every order mutation and ledger change applied
// since the snapshot was taken.
func (m *Manager) RevertToSnapshot(id int) {
	idx := -1
	for i := len(m.revisions) - 1; i >= 0; i-- {
		if m.revisions[i].id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	rev := m.revisions[idx]
	for i := len(m.orderUndo) - 1; i >= rev.orderUndo; i-- {
		_ = m.orderUndo[i]()
	}
	m.orderUndo = m.orderUndo[:rev.orderUndo]
	for symbol, snap := range rev.ledgers {
		if binding, ok := m.assets[symbol]; ok {
			binding.ledger.Restore(snap)
		}
	}
	m.revisions = m.revisions[:idx]
}
