package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"dvpchain/native/settlement"
	"dvpchain/storage"
)

var orderKeyPrefix = []byte("dvp/order/")

// storedOrder is the RLP wire form of an order. Signed fields are widened to
// uint64 because RLP has no signed integer encoding.
type storedOrder struct {
	ID             [32]byte
	Seller         [20]byte
	Buyer          [20]byte
	SecurityAsset  string
	CashAsset      string
	SecurityAmount *big.Int
	CashAmount     *big.Int
	Deadline       uint64
	CreatedAt      uint64
	SecurityLocked bool
	CashLocked     bool
	Settled        bool
}

// OrderStore is the authoritative mapping from order identifier to order
// record, persisted RLP-encoded in the underlying key-value database.
// Absence of a key is authoritative for "no order".
type OrderStore struct {
	db storage.Database
}

// NewOrderStore wraps the supplied database.
func NewOrderStore(db storage.Database) *OrderStore {
	return &OrderStore{db: db}
}

func orderKey(id [32]byte) []byte {
	return append(append([]byte(nil), orderKeyPrefix...), id[:]...)
}

// Create inserts a new order, failing if the identifier is already occupied.
func (s *OrderStore) Create(order *settlement.Order) error {
	sanitized, err := settlement.SanitizeOrder(order)
	if err != nil {
		return err
	}
	key := orderKey(sanitized.ID)
	occupied, err := s.db.Has(key)
	if err != nil {
		return err
	}
	if occupied {
		return settlement.ErrAlreadyExists
	}
	return s.write(key, sanitized)
}

// Get returns the order stored under id, if any.
func (s *OrderStore) Get(id [32]byte) (*settlement.Order, bool, error) {
	data, err := s.db.Get(orderKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	stored := new(storedOrder)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, fmt.Errorf("state: corrupt order record: %w", err)
	}
	return stored.toOrder(), true, nil
}

// Update overwrites an existing order, failing if the identifier is absent.
func (s *OrderStore) Update(order *settlement.Order) error {
	sanitized, err := settlement.SanitizeOrder(order)
	if err != nil {
		return err
	}
	key := orderKey(sanitized.ID)
	occupied, err := s.db.Has(key)
	if err != nil {
		return err
	}
	if !occupied {
		return settlement.ErrNotFound
	}
	return s.write(key, sanitized)
}

// Remove deletes the order stored under id.
func (s *OrderStore) Remove(id [32]byte) error {
	return s.db.Delete(orderKey(id))
}

func (s *OrderStore) write(key []byte, order *settlement.Order) error {
	stored := &storedOrder{
		ID:             order.ID,
		Seller:         order.Seller,
		Buyer:          order.Buyer,
		SecurityAsset:  order.SecurityAsset,
		CashAsset:      order.CashAsset,
		SecurityAmount: order.SecurityAmount,
		CashAmount:     order.CashAmount,
		Deadline:       uint64(order.Deadline),
		CreatedAt:      uint64(order.CreatedAt),
		SecurityLocked: order.SecurityLocked,
		CashLocked:     order.CashLocked,
		Settled:        order.Settled,
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return s.db.Put(key, encoded)
}

func (o *storedOrder) toOrder() *settlement.Order {
	return &settlement.Order{
		ID:             o.ID,
		Seller:         o.Seller,
		Buyer:          o.Buyer,
		SecurityAsset:  o.SecurityAsset,
		CashAsset:      o.CashAsset,
		SecurityAmount: new(big.Int).Set(o.SecurityAmount),
		CashAmount:     new(big.Int).Set(o.CashAmount),
		Deadline:       int64(o.Deadline),
		CreatedAt:      int64(o.CreatedAt),
		SecurityLocked: o.SecurityLocked,
		CashLocked:     o.CashLocked,
		Settled:        o.Settled,
	}
}
