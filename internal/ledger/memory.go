package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryLedger is the in-process escrow backend. It enforces the full
// payment state machine against a Token and is the reference for the
// invariants the deployed contract guarantees: funds are pulled at stage
// time, a record transitions out of Staged at most once, ids are sequential
// and never reused, and the sum of staged amounts never exceeds the balance
// the ledger holds.
type MemoryLedger struct {
	mu       sync.Mutex
	token    *Token
	self     common.Address
	admin    common.Address
	payments []PaymentRecord
}

// NewMemoryLedger builds a ledger holding escrowed funds at escrowAddr and
// accepting release/refund only from admin.
func NewMemoryLedger(token *Token, escrowAddr, admin common.Address) *MemoryLedger {
	return &MemoryLedger{
		token: token,
		self:  escrowAddr,
		admin: admin,
	}
}

// Address returns the account at which the ledger holds escrowed funds,
// i.e. the spender payers must approve.
func (l *MemoryLedger) Address() common.Address { return l.self }

func (l *MemoryLedger) Stage(_ context.Context, payer common.Address, amount *big.Int, institution, invoiceRef string) (uint64, error) {
	if amount == nil || amount.Sign() <= 0 {
		return 0, ErrAmountNotPositive
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Pull and record creation are a single step under the ledger lock; a
	// failed pull creates no record and a created record always has its
	// funds in escrow.
	if err := l.token.transferFrom(payer, l.self, l.self, amount); err != nil {
		return 0, err
	}

	id := uint64(len(l.payments))
	l.payments = append(l.payments, PaymentRecord{
		ID:          id,
		Payer:       payer,
		Amount:      new(big.Int).Set(amount),
		Institution: institution,
		InvoiceRef:  invoiceRef,
		Status:      StatusStaged,
	})
	return id, nil
}

func (l *MemoryLedger) Release(_ context.Context, caller common.Address, id uint64, destination common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.admin {
		return ErrUnauthorized
	}
	if id >= uint64(len(l.payments)) {
		return ErrNotFound
	}
	rec := &l.payments[id]
	if rec.Status != StatusStaged {
		return ErrInvalidState
	}
	if err := l.token.transfer(l.self, destination, rec.Amount); err != nil {
		return err
	}
	rec.Status = StatusReleased
	dest := destination
	rec.ReleaseDestination = &dest
	return nil
}

func (l *MemoryLedger) Refund(_ context.Context, caller common.Address, id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.admin {
		return ErrUnauthorized
	}
	if id >= uint64(len(l.payments)) {
		return ErrNotFound
	}
	rec := &l.payments[id]
	if rec.Status != StatusStaged {
		return ErrInvalidState
	}
	if err := l.token.transfer(l.self, rec.Payer, rec.Amount); err != nil {
		return err
	}
	rec.Status = StatusRefunded
	return nil
}

func (l *MemoryLedger) GetPayments(_ context.Context) ([]PaymentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]PaymentRecord, len(l.payments))
	for i, rec := range l.payments {
		out[i] = rec
		out[i].Amount = new(big.Int).Set(rec.Amount)
		if rec.ReleaseDestination != nil {
			dest := *rec.ReleaseDestination
			out[i].ReleaseDestination = &dest
		}
	}
	return out, nil
}

func (l *MemoryLedger) CheckAllowance(_ context.Context, owner common.Address) (*big.Int, error) {
	return l.token.Allowance(owner, l.self), nil
}

// DevApprover broadcasts approvals against the in-process token. It mints
// the shortfall to the owner first so the local stack behaves like a funded
// testnet account; handles are deterministic payload hashes, mirroring how
// the service fakes tx hashes elsewhere in local mode.
type DevApprover struct {
	Token   *Token
	Spender common.Address
}

func (a DevApprover) Approve(_ context.Context, owner common.Address, amount *big.Int) (string, error) {
	if bal := a.Token.BalanceOf(owner); bal.Cmp(amount) < 0 {
		a.Token.Mint(owner, new(big.Int).Sub(amount, bal))
	}
	a.Token.Approve(owner, a.Spender, amount)
	sum := sha256.Sum256([]byte(owner.Hex() + a.Spender.Hex() + amount.String()))
	return "0x" + hex.EncodeToString(sum[:]), nil
}

// InstantConfirmer treats every broadcast as immediately confirmed.
type InstantConfirmer struct{}

func (InstantConfirmer) WaitConfirmed(ctx context.Context, _ string) error {
	return ctx.Err()
}
