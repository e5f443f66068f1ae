package settlement

import (
	"fmt"
	"math/big"

	"dvpchain/native/token"
)

// Order captures the immutable terms and runtime flags of a single two-leg
// delivery-versus-payment order. Seller delivers the security leg, buyer the
// cash leg; the lock flags and Settled are monotonic false to true.
type Order struct {
	ID             [32]byte
	Seller         [20]byte
	Buyer          [20]byte
	SecurityAsset  string
	CashAsset      string
	SecurityAmount *big.Int
	CashAmount     *big.Int
	Deadline       int64
	CreatedAt      int64
	SecurityLocked bool
	CashLocked     bool
	Settled        bool
}

// Clone returns a deep copy of the order so callers can safely mutate the
// copy without affecting the stored instance.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	if o.SecurityAmount != nil {
		clone.SecurityAmount = new(big.Int).Set(o.SecurityAmount)
	} else {
		clone.SecurityAmount = big.NewInt(0)
	}
	if o.CashAmount != nil {
		clone.CashAmount = new(big.Int).Set(o.CashAmount)
	} else {
		clone.CashAmount = big.NewInt(0)
	}
	return &clone
}

// NormalizeAsset canonicalises an asset reference to the ledger registry's
// symbol form.
func NormalizeAsset(symbol string) (string, error) {
	return token.NormalizeSymbol(symbol)
}

// SanitizeOrder validates and normalises the supplied order, returning a
// cloned instance with canonical asset casing and non-nil amounts. The
// function does not mutate the original value.
func SanitizeOrder(o *Order) (*Order, error) {
	if o == nil {
		return nil, fmt.Errorf("settlement: nil order")
	}
	clone := o.Clone()
	securityAsset, err := NormalizeAsset(clone.SecurityAsset)
	if err != nil {
		return nil, err
	}
	clone.SecurityAsset = securityAsset
	cashAsset, err := NormalizeAsset(clone.CashAsset)
	if err != nil {
		return nil, err
	}
	clone.CashAsset = cashAsset
	if clone.SecurityAmount.Sign() < 0 {
		return nil, fmt.Errorf("settlement: security amount must be non-negative")
	}
	if clone.CashAmount.Sign() < 0 {
		return nil, fmt.Errorf("settlement: cash amount must be non-negative")
	}
	if clone.Settled && (!clone.SecurityLocked || !clone.CashLocked) {
		return nil, fmt.Errorf("settlement: settled order missing leg locks")
	}
	return clone, nil
}
