package deal

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the terminal state of a deal. Open deals carry OutcomeOpen.
type Outcome string

const (
	OutcomeOpen Outcome = ""
	OutcomeWon  Outcome = "Won"
	OutcomeLost Outcome = "Lost"
)

// Dimension names a categorical attribute used for grouping and encoding.
type Dimension string

const (
	Region      Dimension = "region"
	Industry    Dimension = "industry"
	ProductType Dimension = "product_type"
	LeadSource  Dimension = "lead_source"
)

// Dimensions lists every categorical dimension in canonical order.
var Dimensions = []Dimension{Region, Industry, ProductType, LeadSource}

// ParseDimension resolves a dimension name.
func ParseDimension(name string) (Dimension, bool) {
	for _, d := range Dimensions {
		if string(d) == name {
			return d, true
		}
	}
	return "", false
}

// Deal is a validated deal record from a single snapshot.
type Deal struct {
	ID          string          `json:"id"`
	Region      string          `json:"region"`
	Industry    string          `json:"industry"`
	ProductType string          `json:"product_type"`
	LeadSource  string          `json:"lead_source"`
	Amount      decimal.Decimal `json:"deal_amount"`
	CycleDays   int             `json:"sales_cycle_days"`
	Outcome     Outcome         `json:"outcome"`
	OpenedAt    time.Time       `json:"open_date"`
	ClosedAt    time.Time       `json:"close_date"`
	Period      Period          `json:"close_period"`
}

// Closed reports whether the deal has a Won/Lost outcome.
func (d Deal) Closed() bool {
	return d.Outcome == OutcomeWon || d.Outcome == OutcomeLost
}

// Won reports whether the deal closed as won.
func (d Deal) Won() bool {
	return d.Outcome == OutcomeWon
}

// Value returns the categorical level of the deal for dim.
func (d Deal) Value(dim Dimension) string {
	switch dim {
	case Region:
		return d.Region
	case Industry:
		return d.Industry
	case ProductType:
		return d.ProductType
	case LeadSource:
		return d.LeadSource
	default:
		return ""
	}
}

// ClosedOnly filters deals down to those with an outcome.
func ClosedOnly(deals []Deal) []Deal {
	out := make([]Deal, 0, len(deals))
	for _, d := range deals {
		if d.Closed() {
			out = append(out, d)
		}
	}
	return out
}
