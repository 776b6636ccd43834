// Package orchestrator sequences a payment submission as one logical
// operation: check the payer's allowance, approve the exact amount if
// needed, wait for that approval to confirm, then stage the payment. Each
// submission is a small explicit state machine so a duplicate confirmation
// notification can never double-submit the deposit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"edupay/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// State is the submission attempt's position in the two-phase flow.
type State int

const (
	StateIdle State = iota
	StateCheckingAllowance
	StateAwaitingApproval
	StateAwaitingApprovalConfirmation
	StateDepositing
	StateSettled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckingAllowance:
		return "checking_allowance"
	case StateAwaitingApproval:
		return "awaiting_approval"
	case StateAwaitingApprovalConfirmation:
		return "awaiting_approval_confirmation"
	case StateDepositing:
		return "depositing"
	case StateSettled:
		return "settled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Phase names the half of the flow an error came from, so a caller knows
// whether funds may already have moved.
type Phase string

const (
	PhaseApproval Phase = "approval"
	PhaseDeposit  Phase = "deposit"
)

// PhaseError wraps a failure with the phase it occurred in.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string { return fmt.Sprintf("%s phase: %v", e.Phase, e.Err) }
func (e *PhaseError) Unwrap() error { return e.Err }

var (
	ErrCancelled        = errors.New("submission cancelled")
	ErrAlreadyBroadcast = errors.New("submission already broadcast; cannot cancel")
	ErrAlreadyRun       = errors.New("submission already run")
)

// Approver broadcasts an exact-amount allowance approval for the escrow on
// behalf of owner and returns an opaque confirmation handle.
type Approver interface {
	Approve(ctx context.Context, owner common.Address, amount *big.Int) (string, error)
}

// Confirmer blocks until the instruction behind handle is confirmed, or the
// context ends.
type Confirmer interface {
	WaitConfirmed(ctx context.Context, handle string) error
}

// Orchestrator builds submissions against a ledger and asset pair.
type Orchestrator struct {
	ledger    ledger.Ledger
	approver  Approver
	confirmer Confirmer
}

func New(l ledger.Ledger, approver Approver, confirmer Confirmer) *Orchestrator {
	return &Orchestrator{ledger: l, approver: approver, confirmer: confirmer}
}

// Request is the payer's staging intent, amount already in base units.
type Request struct {
	Payer       common.Address
	Amount      *big.Int
	Institution string
	InvoiceRef  string
}

// Submission is one attempt to stage a payment. It is not reusable; a
// failed submission is re-tried by creating a new one.
type Submission struct {
	mu sync.Mutex

	id  string
	o   *Orchestrator
	req Request

	state            State
	started          bool
	cancelled        bool
	broadcast        bool
	approvalRequired bool
	approvalTx       string
	deposited        bool
	pending          *big.Int

	paymentID uint64
	err       error
}

// NewSubmission validates the request and returns a submission in Idle.
func (o *Orchestrator) NewSubmission(req Request) (*Submission, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, ledger.ErrAmountNotPositive
	}
	if req.Institution == "" {
		return nil, errors.New("institution is required")
	}
	if req.InvoiceRef == "" {
		return nil, errors.New("invoiceRef is required")
	}
	return &Submission{
		id:      uuid.NewString(),
		o:       o,
		req:     req,
		state:   StateIdle,
		pending: new(big.Int).Set(req.Amount),
	}, nil
}

// ID identifies this attempt; the deposit idempotency guard is keyed by it.
func (s *Submission) ID() string { return s.id }

func (s *Submission) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ApprovalTx is the outstanding approval handle, empty once settled.
func (s *Submission) ApprovalTx() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approvalTx
}

// ApprovalRequired reports whether the submission had to broadcast an
// approval before depositing.
func (s *Submission) ApprovalRequired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approvalRequired
}

// Cancel abandons the submission. It only succeeds before anything has been
// broadcast; once an approval or deposit is on the wire there is nothing to
// cancel, the caller can only wait or observe the failure.
func (s *Submission) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateSettled || s.state == StateFailed:
		return fmt.Errorf("submission is %s", s.state)
	case s.broadcast:
		return ErrAlreadyBroadcast
	}
	s.cancelled = true
	s.state = StateFailed
	s.err = ErrCancelled
	return nil
}

// Run drives the submission to Settled or Failed and returns the new
// payment id. It may be invoked once.
func (s *Submission) Run(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return 0, ErrAlreadyRun
	}
	if s.cancelled {
		s.mu.Unlock()
		return 0, ErrCancelled
	}
	s.started = true
	s.state = StateCheckingAllowance
	s.mu.Unlock()

	allowance, err := s.o.ledger.CheckAllowance(ctx, s.req.Payer)
	if err != nil {
		return s.fail(PhaseApproval, err)
	}

	if allowance.Cmp(s.req.Amount) >= 0 {
		// Standing allowance already covers the amount; skip straight to
		// the deposit.
		return s.confirmOnce(ctx)
	}

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return 0, ErrCancelled
	}
	s.state = StateAwaitingApproval
	s.approvalRequired = true
	s.broadcast = true
	s.mu.Unlock()

	// Approve exactly the requested amount, never unlimited, so a settled
	// or failed submission leaves no standing exposure behind.
	handle, err := s.o.approver.Approve(ctx, s.req.Payer, s.req.Amount)
	if err != nil {
		return s.fail(PhaseApproval, err)
	}

	s.mu.Lock()
	s.approvalTx = handle
	s.state = StateAwaitingApprovalConfirmation
	s.mu.Unlock()

	if err := s.o.confirmer.WaitConfirmed(ctx, handle); err != nil {
		return s.fail(PhaseApproval, mapWaitErr(err))
	}

	return s.ApprovalConfirmed(ctx)
}

// ApprovalConfirmed is the single designated transition out of the
// confirmation wait. Confirmation notifications can arrive more than once;
// only the first invocation per submission submits the deposit, later ones
// return the recorded outcome.
func (s *Submission) ApprovalConfirmed(ctx context.Context) (uint64, error) {
	return s.confirmOnce(ctx)
}

func (s *Submission) confirmOnce(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	if s.deposited {
		id, err := s.paymentID, s.err
		s.mu.Unlock()
		return id, err
	}
	if s.cancelled {
		s.mu.Unlock()
		return 0, ErrCancelled
	}
	s.deposited = true
	s.state = StateDepositing
	s.broadcast = true
	s.mu.Unlock()

	id, err := s.o.ledger.Stage(ctx, s.req.Payer, s.req.Amount, s.req.Institution, s.req.InvoiceRef)
	if err != nil {
		return s.fail(PhaseDeposit, mapWaitErr(err))
	}

	s.mu.Lock()
	s.paymentID = id
	s.state = StateSettled
	s.approvalTx = ""
	s.pending = nil
	s.mu.Unlock()
	return id, nil
}

func (s *Submission) fail(phase Phase, cause error) (uint64, error) {
	err := &PhaseError{Phase: phase, Err: cause}
	s.mu.Lock()
	s.state = StateFailed
	s.err = err
	s.mu.Unlock()
	return 0, err
}

// mapWaitErr rewrites a deadline expiry into the timeout the caller imposed
// on the confirmation wait.
func mapWaitErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ledger.ErrConfirmationTimeout
	}
	return err
}
