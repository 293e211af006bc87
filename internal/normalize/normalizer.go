package normalize

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"winrate-watch/internal/deal"
)

// Reason classifies a rejected row.
type Reason string

const (
	ReasonMissingID        Reason = "missing_id"
	ReasonDuplicateID      Reason = "duplicate_id"
	ReasonMissingOutcome   Reason = "missing_outcome"
	ReasonInvalidOutcome   Reason = "invalid_outcome"
	ReasonInvalidAmount    Reason = "invalid_amount"
	ReasonNegativeAmount   Reason = "negative_amount"
	ReasonInvalidDate      Reason = "invalid_date"
	ReasonMissingCloseDate Reason = "missing_close_date"
	ReasonCloseBeforeOpen  Reason = "close_before_open"
	ReasonInvalidCycleDays Reason = "invalid_cycle_days"
	// ReasonMissingOpenDate a closed deal has neither open_date nor
	// sales_cycle_days, so its cycle length is unknown.
	ReasonMissingOpenDate Reason = "missing_open_date"
	// ReasonMalformedRow the CSV record itself could not be parsed.
	ReasonMalformedRow Reason = "malformed_row"
)

// DefaultDateLayouts are tried in order when parsing open/close dates.
var DefaultDateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006",
}

// Policy drives validation and canonicalization.
type Policy struct {
	Vocabulary  *deal.Vocabulary
	Granularity deal.Granularity
	DateLayouts []string
}

// Rejection describes one dropped row.
type Rejection struct {
	Row    int    `json:"row"`
	ID     string `json:"id,omitempty"`
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Report summarises a normalization pass for observability.
type Report struct {
	RowsIn      int                    `json:"rows_in"`
	Accepted    int                    `json:"accepted"`
	Rejected    int                    `json:"rejected"`
	OpenDeals   int                    `json:"open_deals"`
	Reasons     map[Reason]int         `json:"reasons"`
	OtherMapped map[deal.Dimension]int `json:"other_mapped"`
	Rejections  []Rejection            `json:"rejections,omitempty"`
}

// Normalizer turns raw rows into typed deals.
type Normalizer struct {
	policy Policy
	logger zerolog.Logger
}

// New constructs a Normalizer, filling policy defaults.
func New(policy Policy, logger zerolog.Logger) *Normalizer {
	if policy.Vocabulary == nil {
		policy.Vocabulary = deal.NewVocabulary(nil)
	}
	if policy.Granularity == "" {
		policy.Granularity = deal.Quarterly
	}
	if len(policy.DateLayouts) == 0 {
		policy.DateLayouts = DefaultDateLayouts
	}
	return &Normalizer{policy: policy, logger: logger.With().Str("component", "normalizer").Logger()}
}

// Normalize validates rows in a single pass. Rejected rows are counted, never
// fatal. Deals are returned sorted by ID. Every copy of a duplicated ID is
// rejected so the result does not depend on row order.
func (n *Normalizer) Normalize(rows []RawRow) ([]deal.Deal, Report) {
	report := Report{
		RowsIn:      len(rows),
		Reasons:     make(map[Reason]int),
		OtherMapped: make(map[deal.Dimension]int),
	}

	idCount := make(map[string]int, len(rows))
	for _, row := range rows {
		if id := strings.TrimSpace(row[ColID]); id != "" {
			idCount[id]++
		}
	}

	reject := func(idx int, id string, reason Reason, detail string) {
		report.Rejected++
		report.Reasons[reason]++
		report.Rejections = append(report.Rejections, Rejection{Row: idx + 1, ID: id, Reason: reason, Detail: detail})
	}

	deals := make([]deal.Deal, 0, len(rows))
	for idx, row := range rows {
		if detail, bad := row.Malformed(); bad {
			reject(idx, "", ReasonMalformedRow, detail)
			continue
		}
		id := strings.TrimSpace(row[ColID])
		if id == "" {
			reject(idx, "", ReasonMissingID, "")
			continue
		}
		if idCount[id] > 1 {
			reject(idx, id, ReasonDuplicateID, fmt.Sprintf("%d rows share this id", idCount[id]))
			continue
		}

		d, reason, detail := n.normalizeRow(id, row, &report)
		if reason != "" {
			reject(idx, id, reason, detail)
			continue
		}
		if !d.Closed() {
			report.OpenDeals++
		}
		deals = append(deals, d)
	}

	sort.Slice(deals, func(i, j int) bool { return deals[i].ID < deals[j].ID })
	report.Accepted = len(deals)

	n.logger.Info().
		Int("rows_in", report.RowsIn).
		Int("accepted", report.Accepted).
		Int("rejected", report.Rejected).
		Int("open", report.OpenDeals).
		Interface("reasons", report.Reasons).
		Msg("snapshot normalized")

	return deals, report
}

func (n *Normalizer) normalizeRow(id string, row RawRow, report *Report) (deal.Deal, Reason, string) {
	d := deal.Deal{ID: id}

	amountRaw := strings.TrimSpace(strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(row[ColAmount]), "$"), ",", ""))
	amount, err := decimal.NewFromString(amountRaw)
	if err != nil {
		return d, ReasonInvalidAmount, row[ColAmount]
	}
	if amount.IsNegative() {
		return d, ReasonNegativeAmount, amount.String()
	}
	d.Amount = amount

	outcome, ok := parseOutcome(row[ColOutcome])
	if !ok {
		return d, ReasonInvalidOutcome, row[ColOutcome]
	}

	var opened, closed time.Time
	if raw := strings.TrimSpace(row[ColOpenDate]); raw != "" {
		if opened, err = n.parseDate(raw); err != nil {
			return d, ReasonInvalidDate, raw
		}
	}
	if raw := strings.TrimSpace(row[ColCloseDate]); raw != "" {
		if closed, err = n.parseDate(raw); err != nil {
			return d, ReasonInvalidDate, raw
		}
	}

	switch {
	case !closed.IsZero() && outcome == deal.OutcomeOpen:
		return d, ReasonMissingOutcome, ""
	case closed.IsZero() && outcome != deal.OutcomeOpen:
		return d, ReasonMissingCloseDate, ""
	}
	if !opened.IsZero() && !closed.IsZero() && closed.Before(opened) {
		return d, ReasonCloseBeforeOpen, fmt.Sprintf("open %s close %s", opened.Format("2006-01-02"), closed.Format("2006-01-02"))
	}
	d.Outcome = outcome
	d.OpenedAt = opened
	d.ClosedAt = closed

	if raw := strings.TrimSpace(row[ColCycleDays]); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 0 {
			return d, ReasonInvalidCycleDays, raw
		}
		d.CycleDays = days
	} else if !closed.IsZero() {
		if opened.IsZero() {
			return d, ReasonMissingOpenDate, ""
		}
		d.CycleDays = int(closed.Sub(opened).Hours() / 24)
	}

	if d.Closed() {
		d.Period = deal.PeriodOf(closed, n.policy.Granularity)
	}

	for _, dim := range deal.Dimensions {
		level, known := n.policy.Vocabulary.Canonicalize(dim, row[string(dim)])
		if !known {
			report.OtherMapped[dim]++
		}
		switch dim {
		case deal.Region:
			d.Region = level
		case deal.Industry:
			d.Industry = level
		case deal.ProductType:
			d.ProductType = level
		case deal.LeadSource:
			d.LeadSource = level
		}
	}

	return d, "", ""
}

func (n *Normalizer) parseDate(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range n.policy.DateLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func parseOutcome(raw string) (deal.Outcome, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return deal.OutcomeOpen, true
	case "won", "win", "closed won":
		return deal.OutcomeWon, true
	case "lost", "loss", "closed lost":
		return deal.OutcomeLost, true
	default:
		return deal.OutcomeOpen, false
	}
}
