package domain

import "time"

// ExitStrategy selects how an exit plan is staged.
type ExitStrategy string

const (
	StrategyMultiTarget ExitStrategy = "multi_target"
	StrategyTrailing    ExitStrategy = "trailing"
	StrategyTimeBased   ExitStrategy = "time_based"
)

// TriggerKind identifies what condition fires an exit step.
type TriggerKind string

const (
	TriggerStopLoss     TriggerKind = "stop_loss"
	TriggerTarget       TriggerKind = "target"
	TriggerTrailingStop TriggerKind = "trailing_stop"
	TriggerTimeExit     TriggerKind = "time_exit"
	TriggerBreakeven    TriggerKind = "breakeven_trigger"
)

// ExitStep is one stage of an exit plan. A step fires at most once.
type ExitStep struct {
	Index    int         // Ordered index within the plan
	Kind     TriggerKind // What condition fires this step
	Price    float64     // Trigger price (zero for purely time-based steps)
	After    time.Duration
	Fraction float64 // Fraction of the original quantity to exit (0 = remainder)
}

// PositionExitPlan holds the staged exit state for one open position.
// Exactly one plan may exist per symbol at any time.
type PositionExitPlan struct {
	Symbol            string
	EntryPrice        float64
	OriginalQuantity  int64
	RemainingQuantity int64
	Strategy          ExitStrategy
	Steps             []ExitStep
	Fired             map[int]bool // Step indexes that already fired

	StopPrice         float64 // Hard stop, relocated once by the breakeven trigger
	TrailingStopPct   float64
	TrailingStopPrice float64 // Zero until armed; only ever moves favorably
	TrailingArmed     bool
	BreakevenMoved    bool

	EntryTime    time.Time
	Expiry       time.Time // Non-zero for expiring derivative contracts
	LastPrice    float64
	MaxProfitPct float64 // Best profit percent observed so far

	MaxHold      time.Duration // Time-exit threshold
	MinProfitPct float64       // Below this, the time exit flattens the position
}

// ProfitPct returns the percent gain of price over the entry price.
func (p *PositionExitPlan) ProfitPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// HighWaterPrice is the best price implied by the maximum profit seen.
func (p *PositionExitPlan) HighWaterPrice() float64 {
	return p.EntryPrice * (1 + p.MaxProfitPct/100)
}

// ExitAction is the kind of action an exit decision requests.
type ExitAction string

const (
	ActionNone        ExitAction = "none"
	ActionPartialExit ExitAction = "partial_exit"
	ActionExitAll     ExitAction = "exit_all"
)

// ExitDecision is emitted by the exit state machine on a price tick.
type ExitDecision struct {
	Action   ExitAction
	Reason   string
	Quantity int64
	Price    float64
	ExitType TriggerKind
}
