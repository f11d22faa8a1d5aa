package ledger

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Outcome is the settlement result of one position.
type Outcome struct {
	Result Result
	Profit decimal.Decimal
	// Return is what the owner gets back, stake included.
	Return decimal.Decimal
}

// Evaluate settles a position from its inputs alone. Equal prices tie in
// either direction.
func Evaluate(dir Direction, entry, exit float64, stake, payoutRatePercent decimal.Decimal) Outcome {
	switch {
	case exit == entry:
		return Outcome{Result: Tie, Profit: decimal.Zero, Return: stake}
	case dir == Up && exit > entry, dir == Down && exit < entry:
		profit := stake.Mul(payoutRatePercent).Div(hundred)
		return Outcome{Result: Win, Profit: profit, Return: stake.Add(profit)}
	default:
		return Outcome{Result: Loss, Profit: stake.Neg(), Return: decimal.Zero}
	}
}
