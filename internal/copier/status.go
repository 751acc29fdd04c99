package copier

import (
	"strings"

	"github.com/shopspring/decimal"
)

// family groups broker order statuses by the copy action they drive.
type family int

const (
	familyOther family = iota
	familyOpen
	familyAmend
	familyCancel
	familyComplete
)

func (f family) String() string {
	switch f {
	case familyOpen:
		return "open"
	case familyAmend:
		return "amend"
	case familyCancel:
		return "cancel"
	case familyComplete:
		return "complete"
	default:
		return "other"
	}
}

var families = map[string]family{
	"new":                             familyOpen,
	"open":                            familyOpen,
	"pending":                         familyOpen,
	"open pending":                    familyOpen,
	"trigger pending":                 familyOpen,
	"validation pending":              familyOpen,
	"put order req received":          familyOpen,
	"after market order req received": familyOpen,

	"modified":       familyAmend,
	"replaced":       familyAmend,
	"amended":        familyAmend,
	"modify pending": familyAmend,

	"cancelled":      familyCancel,
	"canceled":       familyCancel,
	"cancel pending": familyCancel,
	"rejected":       familyCancel,

	"complete":  familyComplete,
	"completed": familyComplete,
	"filled":    familyComplete,
	"executed":  familyComplete,
	"traded":    familyComplete,
}

func classify(status string) family {
	return families[strings.ToLower(strings.TrimSpace(status))]
}

// ChildQuantity is floor(parentQty * ratio). The product is taken in
// decimal so ratios like 0.29 do not lose a unit to float rounding.
func ChildQuantity(parentQty int, ratio float64) int {
	if parentQty <= 0 || ratio <= 0 {
		return 0
	}
	q := decimal.NewFromInt(int64(parentQty)).Mul(decimal.NewFromFloat(ratio)).Floor()
	return int(q.IntPart())
}
