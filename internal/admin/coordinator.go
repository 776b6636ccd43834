// Package admin is the administrative side of the escrow: read-path
// projections over the payment list and the release/refund write path,
// issued as the single configured administrator identity.
package admin

import (
	"context"
	"errors"
	"sync"
	"time"

	"edupay/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// ErrActionPending rejects a second release/refund dispatch for a record
// while one is still awaiting confirmation. The ledger's own invalid-state
// check remains the authoritative backstop if this guard is bypassed.
var ErrActionPending = errors.New("an action is already pending for this payment")

// Coordinator issues admin transitions and caches the latest ledger
// snapshot for the dashboard read path.
type Coordinator struct {
	ledger ledger.Ledger
	admin  common.Address

	mu       sync.Mutex
	pending  map[uint64]bool
	snapshot []ledger.PaymentRecord
	fetched  time.Time
}

func NewCoordinator(l ledger.Ledger, admin common.Address) *Coordinator {
	return &Coordinator{
		ledger:  l,
		admin:   admin,
		pending: make(map[uint64]bool),
	}
}

// Admin is the identity this coordinator signs actions as.
func (c *Coordinator) Admin() common.Address { return c.admin }

// Refresh fetches the full payment list and replaces the cached snapshot.
func (c *Coordinator) Refresh(ctx context.Context) ([]ledger.PaymentRecord, error) {
	records, err := c.ledger.GetPayments(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.snapshot = records
	c.fetched = time.Now()
	c.mu.Unlock()
	return records, nil
}

// Snapshot returns the records from the last successful Refresh.
func (c *Coordinator) Snapshot() []ledger.PaymentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// FetchedAt reports when the current snapshot was taken.
func (c *Coordinator) FetchedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetched
}

// Release dispatches a release for id to destination. On confirmed success
// the snapshot is refreshed so the dashboard reflects the terminal state.
func (c *Coordinator) Release(ctx context.Context, id uint64, destination common.Address) error {
	return c.dispatch(ctx, id, func() error {
		return c.ledger.Release(ctx, c.admin, id, destination)
	})
}

// Refund dispatches a refund for id back to the original payer.
func (c *Coordinator) Refund(ctx context.Context, id uint64) error {
	return c.dispatch(ctx, id, func() error {
		return c.ledger.Refund(ctx, c.admin, id)
	})
}

func (c *Coordinator) dispatch(ctx context.Context, id uint64, action func() error) error {
	c.mu.Lock()
	if c.pending[id] {
		c.mu.Unlock()
		return ErrActionPending
	}
	c.pending[id] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := action(); err != nil {
		return err
	}
	_, err := c.Refresh(ctx)
	return err
}
