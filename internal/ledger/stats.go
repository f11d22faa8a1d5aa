package ledger

import "github.com/shopspring/decimal"

// Stats aggregates an owner's closed positions.
type Stats struct {
	Total       int             `json:"total"`
	Wins        int             `json:"wins"`
	Losses      int             `json:"losses"`
	Ties        int             `json:"ties"`
	WinRate     float64         `json:"win_rate"` // wins / total, 0 when empty
	TotalProfit decimal.Decimal `json:"total_profit"`
	TotalStaked decimal.Decimal `json:"total_staked"`
}

// Fold recomputes stats from the settled list.
func Fold(closed []Position) Stats {
	s := Stats{TotalProfit: decimal.Zero, TotalStaked: decimal.Zero}
	for _, p := range closed {
		if p.IsOpen() {
			continue
		}
		s.Total++
		switch p.Result {
		case Win:
			s.Wins++
		case Loss:
			s.Losses++
		case Tie:
			s.Ties++
		}
		s.TotalProfit = s.TotalProfit.Add(p.Profit)
		s.TotalStaked = s.TotalStaked.Add(p.Stake)
	}
	if s.Total > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Total)
	}
	return s
}
