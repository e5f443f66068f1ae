package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

var (
	ErrInvalidAmount         = errors.New("token: amount must be positive")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrNotEligible           = errors.New("token: party not eligible")
)

// Ledger is an in-memory fungible asset ledger with ERC-20-style balances and
// allowances. Every balance mutation consults the eligibility gate; a zero
// address always passes the gate so issuance and redemption stay possible.
//
// The ledger is deliberately not durable: the settlement service persists the
// order store only, and treats asset ledgers as external collaborators.
type Ledger struct {
	mu         sync.Mutex
	symbol     string
	gate       EligibilityGate
	balances   map[[20]byte]*big.Int
	allowances map[[20]byte]map[[20]byte]*big.Int
}

// NewLedger constructs a ledger for the given symbol. A nil gate admits every
// party.
func NewLedger(symbol string, gate EligibilityGate) (*Ledger, error) {
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if gate == nil {
		gate = OpenGate{}
	}
	return &Ledger{
		symbol:     normalized,
		gate:       gate,
		balances:   make(map[[20]byte]*big.Int),
		allowances: make(map[[20]byte]map[[20]byte]*big.Int),
	}, nil
}

// NormalizeSymbol canonicalises an asset symbol to trimmed upper case and
// rejects empty symbols.
func NormalizeSymbol(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("token: empty asset symbol")
	}
	return trimmed, nil
}

// Symbol returns the canonical asset symbol.
func (l *Ledger) Symbol() string { return l.symbol }

// BalanceOf returns a copy of the holder's balance.
func (l *Ledger) BalanceOf(holder [20]byte) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneAmount(l.balances[holder])
}

// Allowance returns a copy of the amount spender may pull from owner.
func (l *Ledger) Allowance(owner, spender [20]byte) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneAmount(l.allowances[owner][spender])
}

// Approve sets the amount spender may pull from owner.
func (l *Ledger) Approve(owner, spender [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	grants, ok := l.allowances[owner]
	if !ok {
		grants = make(map[[20]byte]*big.Int)
		l.allowances[owner] = grants
	}
	grants[spender] = new(big.Int).Set(amount)
	return nil
}

// Mint issues new units to the recipient. The gate sees the zero address as
// the sender, which always passes.
func (l *Ledger) Mint(to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.gate.IsEligible([20]byte{}, to, amount) {
		return fmt.Errorf("%w: %s mint recipient", ErrNotEligible, l.symbol)
	}
	l.credit(to, amount)
	return nil
}

// Transfer moves amount from the sender to the recipient.
func (l *Ledger) Transfer(from, to [20]byte, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(from, to, amount)
}

// TransferFrom moves amount from owner to the recipient on behalf of spender,
// consuming owner's allowance for spender.
func (l *Ledger) TransferFrom(spender, owner, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	granted := l.allowances[owner][spender]
	if granted == nil || granted.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s owner %x spender %x", ErrInsufficientAllowance, l.symbol, owner, spender)
	}
	if err := l.move(owner, to, amount); err != nil {
		return err
	}
	l.allowances[owner][spender] = new(big.Int).Sub(granted, amount)
	return nil
}

func (l *Ledger) move(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if !l.gate.IsEligible(from, to, amount) {
		return fmt.Errorf("%w: %s transfer %x -> %x", ErrNotEligible, l.symbol, from, to)
	}
	balance := l.balances[from]
	if balance == nil || balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holder %x", ErrInsufficientBalance, l.symbol, from)
	}
	l.balances[from] = new(big.Int).Sub(balance, amount)
	l.credit(to, amount)
	return nil
}

func (l *Ledger) credit(to [20]byte, amount *big.Int) {
	current := l.balances[to]
	if current == nil {
		current = big.NewInt(0)
	}
	l.balances[to] = new(big.Int).Add(current, amount)
}

// SnapshotState captures a deep copy of balances and allowances so a
// transactional caller can roll back a failed multi-transfer operation.
func (l *Ledger) SnapshotState() *LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := &LedgerSnapshot{
		balances:   make(map[[20]byte]*big.Int, len(l.balances)),
		allowances: make(map[[20]byte]map[[20]byte]*big.Int, len(l.allowances)),
	}
	for holder, bal := range l.balances {
		snap.balances[holder] = cloneAmount(bal)
	}
	for owner, grants := range l.allowances {
		cloned := make(map[[20]byte]*big.Int, len(grants))
		for spender, amt := range grants {
			cloned[spender] = cloneAmount(amt)
		}
		snap.allowances[owner] = cloned
	}
	return snap
}

// Restore replaces ledger state with a previously captured snapshot.
func (l *Ledger) Restore(snap *LedgerSnapshot) {
	if snap == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = snap.balances
	l.allowances = snap.allowances
}

// LedgerSnapshot is an opaque copy of ledger state.
type LedgerSnapshot struct {
	balances   map[[20]byte]*big.Int
	allowances map[[20]byte]map[[20]byte]*big.Int
}

// Bind returns the holder-scoped view the settlement engine consumes:
// TransferFrom pulls into the holder's custody using the allowance the owner
// granted to the holder, and Transfer spends the holder's own balance.
func (l *Ledger) Bind(holder [20]byte) *Bound {
	return &Bound{ledger: l, holder: holder}
}

// Bound is a ledger scoped to a single holding account.
type Bound struct {
	ledger *Ledger
	holder [20]byte
}

// TransferFrom pulls amount from owner to the recipient, spending the
// allowance owner granted to the bound holder.
func (b *Bound) TransferFrom(owner, to [20]byte, amount *big.Int) error {
	return b.ledger.TransferFrom(b.holder, owner, to, amount)
}

// Transfer moves amount out of the bound holder's balance.
func (b *Bound) Transfer(to [20]byte, amount *big.Int) error {
	return b.ledger.Transfer(b.holder, to, amount)
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
