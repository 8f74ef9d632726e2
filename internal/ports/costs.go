package ports

import (
	"context"
	"time"

	"orderpilot/internal/domain"
)

// CostRecord captures expected-vs-actual execution cost for one accepted
// fill. It is forwarded to the external cost-analysis collaborator.
type CostRecord struct {
	IntentID      string
	Symbol        string
	Side          domain.OrderSide
	Quantity      int64
	ExpectedPrice float64
	FillPrice     float64
	SlippagePct   float64 // (fill - expected) / expected * 100, signed
	SpreadPct     float64
	MidPrice      float64
	Style         domain.OrderStyle
	ExecutedAt    time.Time
}

// CostRecorder is the boundary to the cost-analysis collaborator.
type CostRecorder interface {
	Record(ctx context.Context, rec *CostRecord) error
}
