package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"edupay/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000000E5")
	adminAddr  = common.HexToAddress("0x00000000000000000000000000000000000000Ad")
	payerAddr  = common.HexToAddress("0x00000000000000000000000000000000000000Fa")
)

// countingApprover wraps the token so tests can observe broadcasts and
// force failures.
type countingApprover struct {
	mu       sync.Mutex
	token    *ledger.Token
	calls    int
	amounts  []*big.Int
	failWith error
}

func (a *countingApprover) Approve(_ context.Context, owner common.Address, amount *big.Int) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.amounts = append(a.amounts, new(big.Int).Set(amount))
	if a.failWith != nil {
		return "", a.failWith
	}
	a.token.Approve(owner, escrowAddr, amount)
	return "0xapproval", nil
}

type blockingConfirmer struct {
	err error
}

func (c blockingConfirmer) WaitConfirmed(ctx context.Context, _ string) error {
	if c.err != nil {
		return c.err
	}
	return ctx.Err()
}

func newHarness(t *testing.T) (*Orchestrator, *ledger.MemoryLedger, *ledger.Token, *countingApprover) {
	t.Helper()
	token := ledger.NewToken("USDC", 6)
	l := ledger.NewMemoryLedger(token, escrowAddr, adminAddr)
	approver := &countingApprover{token: token}
	return New(l, approver, blockingConfirmer{}), l, token, approver
}

func req(amount int64) Request {
	return Request{
		Payer:       payerAddr,
		Amount:      big.NewInt(amount),
		Institution: "MIT",
		InvoiceRef:  "INV-1",
	}
}

func TestSubmissionApprovesThenDeposits(t *testing.T) {
	o, l, token, approver := newHarness(t)
	token.Mint(payerAddr, big.NewInt(100_000000))

	sub, err := o.NewSubmission(req(100_000000))
	require.NoError(t, err)
	require.Equal(t, StateIdle, sub.State())

	id, err := sub.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0), id)
	require.Equal(t, StateSettled, sub.State())
	require.True(t, sub.ApprovalRequired())

	// Exactly the requested amount was approved, not unlimited.
	require.Equal(t, 1, approver.calls)
	require.Equal(t, big.NewInt(100_000000), approver.amounts[0])

	payments, err := l.GetPayments(context.Background())
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.Equal(t, ledger.StatusStaged, payments[0].Status)
	require.Equal(t, big.NewInt(100_000000), payments[0].Amount)

	// Settled clears the transient approval handle.
	require.Empty(t, sub.ApprovalTx())
}

func TestSubmissionSkipsApprovalWhenAllowanceSufficient(t *testing.T) {
	o, _, token, approver := newHarness(t)
	token.Mint(payerAddr, big.NewInt(100_000000))
	token.Approve(payerAddr, escrowAddr, big.NewInt(100_000000))

	sub, err := o.NewSubmission(req(100_000000))
	require.NoError(t, err)

	id, err := sub.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0), id)
	require.Equal(t, StateSettled, sub.State())
	require.False(t, sub.ApprovalRequired())
	require.Zero(t, approver.calls)
}

func TestDuplicateConfirmationDoesNotDoubleDeposit(t *testing.T) {
	o, l, token, _ := newHarness(t)
	token.Mint(payerAddr, big.NewInt(200_000000))

	sub, err := o.NewSubmission(req(100_000000))
	require.NoError(t, err)

	id, err := sub.Run(context.Background())
	require.NoError(t, err)

	// A second confirmation notification for the same attempt must return
	// the recorded outcome, not stage again.
	again, err := sub.ApprovalConfirmed(context.Background())
	require.NoError(t, err)
	require.Equal(t, id, again)

	payments, err := l.GetPayments(context.Background())
	require.NoError(t, err)
	require.Len(t, payments, 1)
}

func TestCancelBeforeBroadcast(t *testing.T) {
	o, _, _, _ := newHarness(t)

	sub, err := o.NewSubmission(req(100_000000))
	require.NoError(t, err)

	require.NoError(t, sub.Cancel())
	require.Equal(t, StateFailed, sub.State())

	_, err = sub.Run(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
}

// gatedLedger blocks CheckAllowance until the gate opens; entered is closed
// once the check is in flight.
type gatedLedger struct {
	ledger.Ledger
	gate    chan struct{}
	entered chan struct{}
}

func (g *gatedLedger) CheckAllowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	close(g.entered)
	<-g.gate
	return g.Ledger.CheckAllowance(ctx, owner)
}

func TestCancelDuringAllowanceCheckSkipsDeposit(t *testing.T) {
	token := ledger.NewToken("USDC", 6)
	l := ledger.NewMemoryLedger(token, escrowAddr, adminAddr)
	token.Mint(payerAddr, big.NewInt(100_000000))
	// Standing allowance already covers the amount, so Run would otherwise
	// go straight to the deposit.
	token.Approve(payerAddr, escrowAddr, big.NewInt(100_000000))

	gated := &gatedLedger{Ledger: l, gate: make(chan struct{}), entered: make(chan struct{})}
	o := New(gated, &countingApprover{token: token}, blockingConfirmer{})

	sub, err := o.NewSubmission(req(100_000000))
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() {
		_, err := sub.Run(context.Background())
		runErr <- err
	}()

	<-gated.entered
	require.NoError(t, sub.Cancel())
	close(gated.gate)

	require.ErrorIs(t, <-runErr, ErrCancelled)
	require.Equal(t, StateFailed, sub.State())

	payments, err := l.GetPayments(context.Background())
	require.NoError(t, err)
	require.Empty(t, payments, "cancelled submission must not deposit")
	require.Equal(t, big.NewInt(100_000000), token.BalanceOf(payerAddr))
}

func TestCancelAfterSettleFails(t *testing.T) {
	o, _, token, _ := newHarness(t)
	token.Mint(payerAddr, big.NewInt(100_000000))

	sub, err := o.NewSubmission(req(100_000000))
	require.NoError(t, err)
	_, err = sub.Run(context.Background())
	require.NoError(t, err)

	require.Error(t, sub.Cancel())
}

func TestApprovalFailureSurfacesApprovalPhase(t *testing.T) {
	o, _, _, approver := newHarness(t)
	approver.failWith = errors.New("nonce too low")

	sub, err := o.NewSubmission(req(100_000000))
	require.NoError(t, err)

	_, err = sub.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, StateFailed, sub.State())

	var perr *PhaseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, PhaseApproval, perr.Phase)
}

func TestDepositFailureSurfacesDepositPhase(t *testing.T) {
	token := ledger.NewToken("USDC", 6)
	l := ledger.NewMemoryLedger(token, escrowAddr, adminAddr)
	// Allowance is granted but the payer has no balance, so the pull fails
	// only at deposit time.
	token.Approve(payerAddr, escrowAddr, big.NewInt(100_000000))
	o := New(l, &countingApprover{token: token}, blockingConfirmer{})

	sub, err := o.NewSubmission(req(100_000000))
	require.NoError(t, err)

	_, err = sub.Run(context.Background())
	require.Error(t, err)

	var perr *PhaseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, PhaseDeposit, perr.Phase)
}

func TestConfirmationDeadlineMapsToTimeout(t *testing.T) {
	token := ledger.NewToken("USDC", 6)
	l := ledger.NewMemoryLedger(token, escrowAddr, adminAddr)
	token.Mint(payerAddr, big.NewInt(100_000000))
	o := New(l, &countingApprover{token: token}, blockingConfirmer{err: context.DeadlineExceeded})

	sub, err := o.NewSubmission(req(100_000000))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = sub.Run(ctx)
	require.ErrorIs(t, err, ledger.ErrConfirmationTimeout)

	var perr *PhaseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, PhaseApproval, perr.Phase)
}

func TestSubmissionRunsOnce(t *testing.T) {
	o, _, token, _ := newHarness(t)
	token.Mint(payerAddr, big.NewInt(100_000000))

	sub, err := o.NewSubmission(req(100_000000))
	require.NoError(t, err)
	_, err = sub.Run(context.Background())
	require.NoError(t, err)

	_, err = sub.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRun)
}

func TestNewSubmissionValidation(t *testing.T) {
	o, _, _, _ := newHarness(t)

	_, err := o.NewSubmission(Request{Payer: payerAddr, Amount: big.NewInt(0), Institution: "MIT", InvoiceRef: "INV"})
	require.ErrorIs(t, err, ledger.ErrAmountNotPositive)

	_, err = o.NewSubmission(Request{Payer: payerAddr, Amount: big.NewInt(1), InvoiceRef: "INV"})
	require.Error(t, err)

	_, err = o.NewSubmission(Request{Payer: payerAddr, Amount: big.NewInt(1), Institution: "MIT"})
	require.Error(t, err)
}
