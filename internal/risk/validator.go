// Package risk decides whether a parent order may be copied to a child.
package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/db"
)

const (
	ReasonInvalidPrice  = "Invalid order price for position size calculation"
	WarningNoBalance    = "Could not validate position size due to missing balance data"
	reasonPositionLimit = "Position size (%s%%) exceeds maximum allowed (%s%%)"
	reasonInstrument    = "Instrument %s not allowed for copying"
)

var hundred = decimal.NewFromInt(100)

// Decision is the validator's verdict. Warning may be set on an allowed
// decision when a check could not run.
type Decision struct {
	Allowed     bool            `json:"allowed"`
	Reason      string          `json:"reason,omitempty"`
	Warning     string          `json:"warning,omitempty"`
	PositionPct decimal.Decimal `json:"positionPct"`
}

func reject(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Validate checks order against child's balance, position limit and
// instrument allow-list. It is pure: no I/O, no clock.
func Validate(order broker.Order, child db.Account) Decision {
	price := order.EffectivePrice()
	if !price.IsPositive() {
		return reject(ReasonInvalidPrice)
	}

	d := Decision{Allowed: true}
	net := decimal.NewFromFloat(child.Balance.Net)
	if net.IsPositive() {
		maxPct := child.Settings.MaxPositionSize
		if maxPct <= 0 {
			maxPct = db.DefaultMaxPositionSize
		}
		value := price.Mul(decimal.NewFromInt(int64(order.Quantity)))
		d.PositionPct = value.Div(net).Mul(hundred)
		if d.PositionPct.GreaterThan(decimal.NewFromFloat(maxPct)) {
			return reject(fmt.Sprintf(reasonPositionLimit,
				d.PositionPct.StringFixed(2), decimal.NewFromFloat(maxPct).String()))
		}
	} else {
		d.Warning = WarningNoBalance
	}

	symbol := strings.TrimSpace(order.Symbol)
	if !child.Settings.AllowsInstrument(symbol) {
		return reject(fmt.Sprintf(reasonInstrument, symbol))
	}
	return d
}
