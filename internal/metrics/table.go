package metrics

import (
	"sort"

	"winrate-watch/internal/deal"
)

// Field names a numeric column of Record.
type Field string

const (
	FieldWinRate         Field = "win_rate"
	FieldVolumeShare     Field = "volume_share"
	FieldDealCount       Field = "deal_count"
	FieldWinCount        Field = "win_count"
	FieldImpactScore     Field = "segment_impact_score"
	FieldCycleOutcomeGap Field = "cycle_outcome_gap"
	FieldTrendDelta      Field = "trend_delta"
)

// Fields lists every rule-addressable metric field.
var Fields = []Field{FieldWinRate, FieldVolumeShare, FieldDealCount, FieldWinCount, FieldImpactScore, FieldCycleOutcomeGap, FieldTrendDelta}

// Value returns the field value, or nil when the record holds null.
func (r Record) Value(f Field) *float64 {
	var v float64
	switch f {
	case FieldWinRate:
		return r.WinRate
	case FieldCycleOutcomeGap:
		return r.CycleOutcomeGap
	case FieldTrendDelta:
		return r.TrendDelta
	case FieldVolumeShare:
		v = r.VolumeShare
	case FieldDealCount:
		v = float64(r.DealCount)
	case FieldWinCount:
		v = float64(r.WinCount)
	case FieldImpactScore:
		v = r.ImpactScore
	default:
		return nil
	}
	return &v
}

// LatestPeriod returns the greatest period in the table.
func LatestPeriod(records []Record) (deal.Period, bool) {
	var latest deal.Period
	for _, r := range records {
		if r.Period > latest {
			latest = r.Period
		}
	}
	return latest, latest != ""
}

// Index looks records up by grouping, segment and period.
type Index map[string]Record

// NewIndex indexes records.
func NewIndex(records []Record) Index {
	idx := make(Index, len(records))
	for _, r := range records {
		idx[recordID(r.Grouping, r.Key, r.Period)] = r
	}
	return idx
}

// Get fetches one record.
func (idx Index) Get(grouping string, key deal.SegmentKey, period deal.Period) (Record, bool) {
	r, ok := idx[recordID(grouping, key, period)]
	return r, ok
}

// RankByCycleGap orders records with a defined Cycle-Outcome Gap by gap
// descending, then segment key. Records with a null gap are left out.
func RankByCycleGap(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.CycleOutcomeGap != nil {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := *out[i].CycleOutcomeGap, *out[j].CycleOutcomeGap
		if a != b {
			return a > b
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// ForPeriod filters records to one period, keeping table order.
func ForPeriod(records []Record, period deal.Period) []Record {
	out := make([]Record, 0)
	for _, r := range records {
		if r.Period == period {
			out = append(out, r)
		}
	}
	return out
}
