package ledger

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Token is an in-process fungible asset with standard approve/allowance
// semantics: an approval overwrites the prior value, and a pull through
// transferFrom consumes allowance as it moves balance. It backs the
// MemoryLedger the same way the USD stablecoin backs the deployed escrow.
type Token struct {
	mu         sync.Mutex
	symbol     string
	decimals   int
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

func NewToken(symbol string, decimals int) *Token {
	return &Token{
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (t *Token) Symbol() string { return t.symbol }
func (t *Token) Decimals() int  { return t.decimals }

// Mint credits freshly issued units to an account.
func (t *Token) Mint(to common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(to, amount)
}

// Approve sets (not adds to) the amount spender may pull from owner.
func (t *Token) Approve(owner, spender common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inner, ok := t.allowances[owner]
	if !ok {
		inner = make(map[common.Address]*big.Int)
		t.allowances[owner] = inner
	}
	inner[spender] = clone(amount)
}

// Allowance reports the remaining amount spender may pull from owner.
func (t *Token) Allowance(owner, spender common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if inner, ok := t.allowances[owner]; ok {
		if v, ok := inner[spender]; ok {
			return clone(v)
		}
	}
	return big.NewInt(0)
}

// BalanceOf reports the current balance of addr.
func (t *Token) BalanceOf(addr common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.balances[addr]; ok {
		return clone(v)
	}
	return big.NewInt(0)
}

// transferFrom moves amount from owner to dest on behalf of spender,
// consuming allowance. Balance and allowance checks and the move itself
// happen under one lock so a failed pull leaves no partial state.
func (t *Token) transferFrom(owner, spender, dest common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := big.NewInt(0)
	if inner, ok := t.allowances[owner]; ok {
		if v, ok := inner[spender]; ok {
			allowed = v
		}
	}
	if allowed.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := t.move(owner, dest, amount); err != nil {
		return err
	}
	t.allowances[owner][spender] = new(big.Int).Sub(allowed, amount)
	return nil
}

// transfer moves amount directly between accounts, without allowance.
func (t *Token) transfer(from, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

func (t *Token) move(from, to common.Address, amount *big.Int) error {
	bal, ok := t.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient %s balance at %s", t.symbol, from.Hex())
	}
	t.balances[from] = new(big.Int).Sub(bal, amount)
	t.credit(to, amount)
	return nil
}

func (t *Token) credit(to common.Address, amount *big.Int) {
	cur, ok := t.balances[to]
	if !ok {
		cur = big.NewInt(0)
	}
	t.balances[to] = new(big.Int).Add(cur, amount)
}

func clone(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
