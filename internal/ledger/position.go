package ledger

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidStake     = errors.New("stake must be positive")
	ErrInvalidDuration  = errors.New("duration must be positive and representable")
	ErrInvalidDirection = errors.New("direction must be up or down")
	ErrInvalidOwner     = errors.New("owner id is required")
	ErrInvalidSymbol    = errors.New("symbol is required")
	ErrPositionNotFound = errors.New("position not found")
	ErrNotExpired       = errors.New("position has not expired")
	// ErrAlreadySettled never leaves the ledger; a second settle is a no-op.
	ErrAlreadySettled = errors.New("position already settled")
)

// MaxDurationSeconds is the longest duration that still fits a time.Duration.
const MaxDurationSeconds = int64(math.MaxInt64 / int64(time.Second))

type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case Up:
		return Up, nil
	case Down:
		return Down, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
}

type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

type Result string

const (
	Win  Result = "win"
	Loss Result = "loss"
	Tie  Result = "tie"
)

// Position is a time-bound bet on price direction. Settlement fields are set
// once, when Status moves to closed.
type Position struct {
	ID                string          `json:"id"`
	OwnerID           string          `json:"owner_id"`
	Symbol            string          `json:"symbol"`
	Direction         Direction       `json:"direction"`
	Stake             decimal.Decimal `json:"stake"`
	EntryPrice        float64         `json:"entry_price"`
	PayoutRatePercent decimal.Decimal `json:"payout_rate_percent"`
	OpenedAt          time.Time       `json:"opened_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	Status            Status          `json:"status"`

	ExitPrice float64         `json:"exit_price,omitempty"`
	Result    Result          `json:"result,omitempty"`
	Profit    decimal.Decimal `json:"profit"`
	Return    decimal.Decimal `json:"return"`
	ClosedAt  *time.Time      `json:"closed_at,omitempty"`
}

func (p Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// Due reports whether an open position may be settled at now.
func (p Position) Due(now time.Time) bool {
	return p.IsOpen() && !now.Before(p.ExpiresAt)
}

// OpenRequest carries the inputs of an open. A non-positive payout rate
// means the asset's configured rate.
type OpenRequest struct {
	OwnerID           string          `json:"owner_id"`
	Symbol            string          `json:"symbol"`
	Direction         string          `json:"direction"`
	Stake             decimal.Decimal `json:"stake"`
	DurationSeconds   int64           `json:"duration_seconds"`
	PayoutRatePercent decimal.Decimal `json:"payout_rate_percent"`
}

func (r OpenRequest) validate() (Direction, error) {
	if strings.TrimSpace(r.OwnerID) == "" {
		return "", ErrInvalidOwner
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return "", ErrInvalidSymbol
	}
	if !r.Stake.IsPositive() {
		return "", ErrInvalidStake
	}
	if r.DurationSeconds <= 0 || r.DurationSeconds > MaxDurationSeconds {
		return "", ErrInvalidDuration
	}
	return ParseDirection(r.Direction)
}
