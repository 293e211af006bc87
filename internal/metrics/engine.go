package metrics

import (
	"context"
	"fmt"
	"sort"

	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"winrate-watch/internal/deal"
)

// DefaultMinSampleSize is the per-class minimum for the Cycle-Outcome Gap.
const DefaultMinSampleSize = 5

// Record holds the aggregates of one segment in one period.
type Record struct {
	Grouping        string          `json:"grouping"`
	Key             deal.SegmentKey `json:"segment_key"`
	Period          deal.Period     `json:"period"`
	DealCount       int             `json:"deal_count"`
	WinCount        int             `json:"win_count"`
	WinRate         *float64        `json:"win_rate"`
	VolumeShare     float64         `json:"volume_share"`
	ImpactScore     float64         `json:"segment_impact_score"`
	CycleOutcomeGap *float64        `json:"cycle_outcome_gap"`
	TrendDelta      *float64        `json:"trend_delta"`
	ImpactRank      int             `json:"impact_rank"`
}

// Options configure the engine.
type Options struct {
	// Groupings lists the dimension sets to aggregate over. The overall
	// population is always emitted in addition.
	Groupings [][]deal.Dimension
	// MinSampleSize is the minimum count of Won and of Lost deals needed
	// for the Cycle-Outcome Gap.
	MinSampleSize int
	// ImpactFloor clamps the win-rate deficit at zero.
	ImpactFloor bool
	Workers     int
}

// Engine computes per-segment, per-period metrics.
type Engine struct {
	opts   Options
	logger zerolog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(opts Options, logger zerolog.Logger) *Engine {
	if opts.MinSampleSize <= 0 {
		opts.MinSampleSize = DefaultMinSampleSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if len(opts.Groupings) == 0 {
		opts.Groupings = [][]deal.Dimension{{deal.Region}}
	}
	return &Engine{opts: opts, logger: logger.With().Str("component", "metric_engine").Logger()}
}

// periodTotals is read-only once built and shared by all partitions.
type periodTotals struct {
	deals int
	wins  int
}

type partition struct {
	grouping string
	key      deal.SegmentKey
	deals    []deal.Deal
}

// Compute aggregates closed deals into records. prior is the previously
// committed table and is used only for trend joins the snapshot cannot serve.
func (e *Engine) Compute(ctx context.Context, deals []deal.Deal, prior []Record) ([]Record, error) {
	closed := deal.ClosedOnly(deals)
	sort.Slice(closed, func(i, j int) bool { return closed[i].ID < closed[j].ID })

	totals := make(map[deal.Period]periodTotals)
	for _, d := range closed {
		t := totals[d.Period]
		t.deals++
		if d.Won() {
			t.wins++
		}
		totals[d.Period] = t
	}
	periods := make([]deal.Period, 0, len(totals))
	for p := range totals {
		periods = append(periods, p)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i] < periods[j] })

	parts := []partition{{grouping: "", key: nil, deals: closed}}
	for _, dims := range e.opts.Groupings {
		parts = append(parts, partitionBy(closed, dims)...)
	}

	results := make([][]Record, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i := range parts {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = e.computePartition(parts[i], periods, totals)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compute segments: %w", err)
	}

	records := make([]Record, 0, len(parts)*len(periods))
	for _, r := range results {
		records = append(records, r...)
	}

	joinTrend(records, prior)
	rankImpact(records)
	e.sortTable(records)

	e.logger.Debug().Int("partitions", len(parts)).Int("periods", len(periods)).Int("records", len(records)).Msg("metrics computed")
	return records, nil
}

func partitionBy(deals []deal.Deal, dims []deal.Dimension) []partition {
	grouping := deal.Grouping(dims)
	byKey := make(map[string]*partition)
	for _, d := range deals {
		key := deal.KeyFor(d, dims)
		id := key.String()
		p, ok := byKey[id]
		if !ok {
			p = &partition{grouping: grouping, key: key}
			byKey[id] = p
		}
		p.deals = append(p.deals, d)
	}
	ids := make([]string, 0, len(byKey))
	for id := range byKey {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]partition, 0, len(ids))
	for _, id := range ids {
		out = append(out, *byKey[id])
	}
	return out
}

// computePartition emits one record per period for the partition, including
// periods where the segment had no deals.
func (e *Engine) computePartition(p partition, periods []deal.Period, totals map[deal.Period]periodTotals) []Record {
	type cell struct {
		deals, wins int
		won, lost   []float64
	}
	cells := make(map[deal.Period]*cell, len(periods))
	for _, d := range p.deals {
		c, ok := cells[d.Period]
		if !ok {
			c = &cell{}
			cells[d.Period] = c
		}
		c.deals++
		if d.Won() {
			c.wins++
			c.won = append(c.won, float64(d.CycleDays))
		} else {
			c.lost = append(c.lost, float64(d.CycleDays))
		}
	}

	out := make([]Record, 0, len(periods))
	for _, period := range periods {
		total := totals[period]
		rec := Record{Grouping: p.grouping, Key: p.key, Period: period}
		c, ok := cells[period]
		if ok {
			rec.DealCount = c.deals
			rec.WinCount = c.wins
			rec.CycleOutcomeGap = cycleOutcomeGap(c.won, c.lost, e.opts.MinSampleSize)
		}
		if rec.DealCount > 0 {
			wr := float64(rec.WinCount) / float64(rec.DealCount)
			rec.WinRate = &wr
		}
		if total.deals > 0 {
			rec.VolumeShare = float64(rec.DealCount) / float64(total.deals)
			if rec.WinRate != nil && !rec.Key.IsGlobal() {
				baseline := float64(total.wins) / float64(total.deals)
				rec.ImpactScore = ImpactScore(rec.VolumeShare, baseline, *rec.WinRate, e.opts.ImpactFloor)
			}
		}
		out = append(out, rec)
	}
	return out
}

// ImpactScore is volume_share × (baseline − segment), floored at zero when
// floor is set.
func ImpactScore(volumeShare, baselineWinRate, segmentWinRate float64, floor bool) float64 {
	deficit := baselineWinRate - segmentWinRate
	if floor && deficit < 0 {
		deficit = 0
	}
	return volumeShare * deficit
}

func cycleOutcomeGap(won, lost []float64, minSample int) *float64 {
	if len(won) < minSample || len(lost) < minSample {
		return nil
	}
	lostMedian, err := stats.Median(lost)
	if err != nil {
		return nil
	}
	wonMedian, err := stats.Median(won)
	if err != nil {
		return nil
	}
	gap := lostMedian - wonMedian
	return &gap
}

func recordID(grouping string, key deal.SegmentKey, period deal.Period) string {
	return grouping + "#" + key.String() + "#" + string(period)
}

// joinTrend sets trend_delta from the immediately preceding period of the same
// segment, preferring the current table over the committed one.
func joinTrend(records []Record, prior []Record) {
	current := make(map[string]*float64, len(records))
	for _, r := range records {
		current[recordID(r.Grouping, r.Key, r.Period)] = r.WinRate
	}
	previous := make(map[string]*float64, len(prior))
	for _, r := range prior {
		previous[recordID(r.Grouping, r.Key, r.Period)] = r.WinRate
	}

	for i := range records {
		r := &records[i]
		if r.WinRate == nil {
			continue
		}
		prev, ok := r.Period.Prev()
		if !ok {
			continue
		}
		id := recordID(r.Grouping, r.Key, prev)
		wr, found := current[id]
		if !found {
			wr, found = previous[id]
		}
		if !found || wr == nil {
			continue
		}
		delta := *r.WinRate - *wr
		r.TrendDelta = &delta
	}
}

// Less orders records by descending impact score, then descending volume,
// then segment key.
func Less(a, b Record) bool {
	if a.ImpactScore != b.ImpactScore {
		return a.ImpactScore > b.ImpactScore
	}
	if a.DealCount != b.DealCount {
		return a.DealCount > b.DealCount
	}
	return a.Key.String() < b.Key.String()
}

func rankImpact(records []Record) {
	groups := make(map[string][]int)
	for i, r := range records {
		id := r.Grouping + "#" + string(r.Period)
		groups[id] = append(groups[id], i)
	}
	for _, idx := range groups {
		sort.Slice(idx, func(i, j int) bool { return Less(records[idx[i]], records[idx[j]]) })
		for rank, i := range idx {
			records[i].ImpactRank = rank + 1
		}
	}
}

func (e *Engine) sortTable(records []Record) {
	order := map[string]int{"": 0}
	for i, dims := range e.opts.Groupings {
		if _, seen := order[deal.Grouping(dims)]; !seen {
			order[deal.Grouping(dims)] = i + 1
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Grouping != b.Grouping {
			return order[a.Grouping] < order[b.Grouping]
		}
		if a.Period != b.Period {
			return a.Period < b.Period
		}
		return a.ImpactRank < b.ImpactRank
	})
}
