package admin

import (
	"math/big"
	"strings"

	"edupay/internal/ledger"
)

// Filter narrows records by a case-insensitive free-text match over invoice
// reference, institution, and payer address, and optionally by status. It
// is a pure projection; the input slice is not modified.
func Filter(records []ledger.PaymentRecord, query string, status *ledger.Status) []ledger.PaymentRecord {
	query = strings.ToLower(strings.TrimSpace(query))

	out := make([]ledger.PaymentRecord, 0, len(records))
	for _, rec := range records {
		if status != nil && rec.Status != *status {
			continue
		}
		if query != "" && !matches(rec, query) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func matches(rec ledger.PaymentRecord, query string) bool {
	return strings.Contains(strings.ToLower(rec.InvoiceRef), query) ||
		strings.Contains(strings.ToLower(rec.Institution), query) ||
		strings.Contains(strings.ToLower(rec.Payer.Hex()), query)
}

// Summary aggregates counts and base-unit sums per status.
type Summary struct {
	Total          int
	StagedCount    int
	ReleasedCount  int
	RefundedCount  int
	TotalAmount    *big.Int
	StagedAmount   *big.Int
	ReleasedAmount *big.Int
	RefundedAmount *big.Int
}

// Summarize computes the dashboard aggregates over a snapshot.
func Summarize(records []ledger.PaymentRecord) Summary {
	s := Summary{
		TotalAmount:    big.NewInt(0),
		StagedAmount:   big.NewInt(0),
		ReleasedAmount: big.NewInt(0),
		RefundedAmount: big.NewInt(0),
	}
	for _, rec := range records {
		s.Total++
		s.TotalAmount.Add(s.TotalAmount, rec.Amount)
		switch rec.Status {
		case ledger.StatusStaged:
			s.StagedCount++
			s.StagedAmount.Add(s.StagedAmount, rec.Amount)
		case ledger.StatusReleased:
			s.ReleasedCount++
			s.ReleasedAmount.Add(s.ReleasedAmount, rec.Amount)
		case ledger.StatusRefunded:
			s.RefundedCount++
			s.RefundedAmount.Add(s.RefundedAmount, rec.Amount)
		}
	}
	return s
}
