package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Status tracks where a payment sits in its lifecycle. A payment starts
// Staged and moves exactly once to Released or Refunded; both are terminal.
type Status uint8

const (
	StatusStaged Status = iota
	StatusReleased
	StatusRefunded
)

func (s Status) String() string {
	switch s {
	case StatusStaged:
		return "staged"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus maps the wire/query representation back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "staged":
		return StatusStaged, nil
	case "released":
		return StatusReleased, nil
	case "refunded":
		return StatusRefunded, nil
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

var (
	ErrAmountNotPositive     = errors.New("amount must be positive")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrUnauthorized          = errors.New("caller is not the administrator")
	ErrNotFound              = errors.New("payment not found")
	ErrInvalidState          = errors.New("payment is not staged")
	ErrConfirmationTimeout   = errors.New("confirmation wait timed out")
)

// PaymentRecord is a single escrowed tuition payment. Amount is denominated
// in the asset's smallest unit. All fields except Status and
// ReleaseDestination are fixed at creation.
type PaymentRecord struct {
	ID                 uint64
	Payer              common.Address
	Amount             *big.Int
	Institution        string
	InvoiceRef         string
	Status             Status
	ReleaseDestination *common.Address
}

// Ledger is the escrow operation surface. Stage pulls funds from the payer
// through the asset's allowance and creates a record atomically; Release and
// Refund are restricted to the single configured administrator. Caller
// identities are explicit so both the in-process and the chain-backed
// implementations enforce the same authorization rules.
type Ledger interface {
	Stage(ctx context.Context, payer common.Address, amount *big.Int, institution, invoiceRef string) (uint64, error)
	Release(ctx context.Context, caller common.Address, id uint64, destination common.Address) error
	Refund(ctx context.Context, caller common.Address, id uint64) error
	GetPayments(ctx context.Context) ([]PaymentRecord, error)
	CheckAllowance(ctx context.Context, owner common.Address) (*big.Int, error)
}

// HealthChecker is implemented by backends that can probe their upstream.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
