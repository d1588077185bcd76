package alert

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/coinpulse/alertfeed/market/types"
)

// Condition is the direction a price alert fires in. It is always derived
// from the initial price and target; the stored value is advisory only.
type Condition string

const (
	CondAbove Condition = "above"
	CondBelow Condition = "below"
)

var (
	// ErrInvalidSnapshot rejects a creation whose seed price is non-positive
	// or sits within tolerance of the target, which would leave the crossing
	// direction ambiguous.
	ErrInvalidSnapshot = errors.New("initial price invalid or too close to target")

	// ErrConditionMismatch rejects a creation whose requested condition
	// contradicts the derived one.
	ErrConditionMismatch = errors.New("condition contradicts derived direction")
)

type (
	// Alert is the durable price alert record, only the fields the engine
	// reads and writes.
	Alert struct {
		ID           int64              `db:"id"`
		UserID       int64              `db:"user_id"`
		Name         string             `db:"name"`
		Description  string             `db:"description"`
		Exchange     types.ExchangeName `db:"exchange"`
		Market       types.MarketType   `db:"market"`
		Symbols      pq.StringArray     `db:"symbols"`
		TargetValue  float64            `db:"target_value"`
		InitialPrice sql.NullFloat64    `db:"initial_price"`
		Condition    Condition          `db:"condition"`
		Active       bool               `db:"active"`
		Triggered    bool               `db:"triggered"`
		CreatedAt    time.Time          `db:"created_at"`
	}

	// TriggerPayload is what the push fabric transports to the user's room
	// when an alert fires.
	TriggerPayload struct {
		ID           string    `json:"id"`
		AlertID      int64     `json:"alertId"`
		Name         string    `json:"name"`
		Description  string    `json:"description,omitempty"`
		Triggered    bool      `json:"triggered"`
		TriggeredAt  time.Time `json:"triggeredAt"`
		CurrentPrice float64   `json:"currentPrice"`
		TargetValue  float64   `json:"targetValue"`
		Condition    Condition `json:"condition"`
		Symbol       string    `json:"symbol"`
		Coin         string    `json:"coin"`
		AlertType    string    `json:"alertType"`
		InitialPrice float64   `json:"initialPrice,omitempty"`
	}
)

// Symbol returns the alert's primary symbol in canonical form.
func (a *Alert) Symbol() string {
	if len(a.Symbols) == 0 {
		return ""
	}
	return types.Canonicalize(a.Symbols[0])
}

// DeriveCondition determines the crossing direction from the seed price:
// below when the price starts above target, above otherwise.
func DeriveCondition(initialPrice, target float64) Condition {
	if initialPrice > target {
		return CondBelow
	}
	return CondAbove
}

// ValidateNew enforces the creation invariants: positive finite target and
// seed price, seed strictly outside the tolerance band around target, and a
// requested condition (when present) that matches the derived one.
func ValidateNew(initialPrice, target float64, requested Condition) error {
	if !types.PositiveFinite(target) || !types.PositiveFinite(initialPrice) {
		return ErrInvalidSnapshot
	}
	if diff := initialPrice - target; diff <= types.Tolerance(target) && diff >= -types.Tolerance(target) {
		return ErrInvalidSnapshot
	}
	derived := DeriveCondition(initialPrice, target)
	if requested != "" && requested != derived {
		return fmt.Errorf("%w: derived %s, requested %s", ErrConditionMismatch, derived, requested)
	}
	return nil
}

// hasReached is the crossing predicate: the previous observation sat strictly
// on the originating side of the tolerance band and the current one reached
// or entered it.
func hasReached(previous, current, target float64, condition Condition) bool {
	eps := types.Tolerance(target)
	switch condition {
	case CondAbove:
		return previous < target-eps && current >= target-eps
	case CondBelow:
		return previous > target+eps && current <= target+eps
	default:
		return false
	}
}
