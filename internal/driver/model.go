package driver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"winrate-watch/internal/deal"
)

var (
	// ErrInsufficientData means fewer closed deals than the configured minimum.
	ErrInsufficientData = errors.New("insufficient closed deals")
	// ErrPerfectSeparation means some feature value occurs in only one outcome class.
	ErrPerfectSeparation = errors.New("perfect separation")
	// ErrReferenceLevelMissing means a reference level has no closed deals.
	ErrReferenceLevelMissing = errors.New("reference level has no closed deals")
	// ErrNotConverged means the IRLS iterations did not settle.
	ErrNotConverged = errors.New("model did not converge")
)

// Numeric feature names.
const (
	FeatureDealAmount = "deal_amount"
	FeatureCycleDays  = "sales_cycle_days"
)

const maxCoefficient = 30.0

// Direction is the sign of a driver's association with winning.
type Direction string

const (
	Positive Direction = "positive"
	Negative Direction = "negative"
)

// Result is one ranked driver.
type Result struct {
	FeatureName    string    `json:"feature_name"`
	ReferenceLevel string    `json:"reference_level"`
	Unit           string    `json:"unit,omitempty"`
	Coefficient    float64   `json:"coefficient"`
	MarginalEffect float64   `json:"marginal_effect"`
	Direction      Direction `json:"direction"`
	Rank           int       `json:"rank"`
}

// Key identifies a driver across runs.
func (r Result) Key() string {
	return r.FeatureName + "@" + r.ReferenceLevel
}

// Fit is the output of one successful model fit.
type Fit struct {
	Results     []Result `json:"results"`
	Intercept   float64  `json:"intercept"`
	Iterations  int      `json:"iterations"`
	ClosedDeals int      `json:"closed_deals"`
	Accuracy    float64  `json:"accuracy"`
}

// Options configure the model.
type Options struct {
	Dimensions      []deal.Dimension
	Vocabulary      *deal.Vocabulary
	ReferenceLevels map[deal.Dimension]string
	// AmountUnit and CycleUnit scale numeric effects, e.g. per $10k and per 30 days.
	AmountUnit     float64
	CycleUnit      float64
	MinClosedDeals int
	MaxIterations  int
	Tolerance      float64
	Ridge          float64
}

// Model fits a logistic regression of outcome on deal features.
type Model struct {
	opts   Options
	logger zerolog.Logger
}

// NewModel constructs a Model with defaults applied.
func NewModel(opts Options, logger zerolog.Logger) *Model {
	if len(opts.Dimensions) == 0 {
		opts.Dimensions = deal.Dimensions
	}
	if opts.Vocabulary == nil {
		opts.Vocabulary = deal.NewVocabulary(nil)
	}
	if opts.AmountUnit <= 0 {
		opts.AmountUnit = 10000
	}
	if opts.CycleUnit <= 0 {
		opts.CycleUnit = 30
	}
	if opts.MinClosedDeals <= 0 {
		opts.MinClosedDeals = 30
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 100
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = 1e-8
	}
	if opts.Ridge < 0 {
		opts.Ridge = 0
	}
	return &Model{opts: opts, logger: logger.With().Str("component", "driver_model").Logger()}
}

// ReferenceLevel returns the fixed baseline level for dim: the configured
// level, or else the alphabetically first vocabulary entry.
func (m *Model) ReferenceLevel(dim deal.Dimension) string {
	if ref, ok := m.opts.ReferenceLevels[dim]; ok && ref != "" {
		return ref
	}
	return m.opts.Vocabulary.DefaultReference(dim)
}

type column struct {
	name      string
	reference string
	unit      string
	numeric   bool
	dim       deal.Dimension
	level     string
	mean      float64
	scale     float64
	value     func(deal.Deal) float64
}

// Fit trains the model on closed deals. Deals are sorted by ID first so the
// result is independent of input order.
func (m *Model) Fit(ctx context.Context, deals []deal.Deal) (*Fit, error) {
	closed := deal.ClosedOnly(deals)
	sort.Slice(closed, func(i, j int) bool { return closed[i].ID < closed[j].ID })

	if len(closed) < m.opts.MinClosedDeals {
		return nil, fmt.Errorf("%w: %d closed deals, need %d", ErrInsufficientData, len(closed), m.opts.MinClosedDeals)
	}

	cols, err := m.design(closed)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n, p := len(closed), len(cols)+1
	data := make([]float64, n*p)
	y := make([]float64, n)
	for i, d := range closed {
		row := data[i*p : (i+1)*p]
		row[0] = 1
		for j, c := range cols {
			row[j+1] = (c.value(d) - c.mean) / c.scale
		}
		if d.Won() {
			y[i] = 1
		}
	}
	X := mat.NewDense(n, p, data)

	beta, iterations, err := m.irls(ctx, X, y)
	if err != nil {
		return nil, err
	}

	means := make([]float64, p)
	for j := 0; j < p; j++ {
		var sum float64
		for i := 0; i < n; i++ {
			sum += X.At(i, j)
		}
		means[j] = sum / float64(n)
	}
	baseProb := sigmoid(dot(means, beta))

	results := make([]Result, 0, len(cols))
	for j, c := range cols {
		col := j + 1
		x1 := append([]float64(nil), means...)
		var effect float64
		if c.numeric {
			x1[col] = means[col] + 1
			effect = sigmoid(dot(x1, beta)) - baseProb
		} else {
			x0 := append([]float64(nil), means...)
			x1[col], x0[col] = 1, 0
			effect = sigmoid(dot(x1, beta)) - sigmoid(dot(x0, beta))
		}
		dir := Positive
		if beta[col] < 0 {
			dir = Negative
		}
		results = append(results, Result{
			FeatureName:    c.name,
			ReferenceLevel: c.reference,
			Unit:           c.unit,
			Coefficient:    beta[col],
			MarginalEffect: effect * 100,
			Direction:      dir,
		})
	}
	Rank(results)

	var correct int
	for i := 0; i < n; i++ {
		predicted := 0.0
		if sigmoid(dot(X.RawRowView(i), beta)) >= 0.5 {
			predicted = 1
		}
		if predicted == y[i] {
			correct++
		}
	}

	fit := &Fit{
		Results:     results,
		Intercept:   beta[0],
		Iterations:  iterations,
		ClosedDeals: n,
		Accuracy:    float64(correct) / float64(n),
	}
	m.logger.Info().
		Int("closed_deals", n).
		Int("features", len(cols)).
		Int("iterations", iterations).
		Float64("accuracy", fit.Accuracy).
		Msg("driver model fitted")
	return fit, nil
}

// design validates the data and lays out the feature columns: one dummy per
// observed non-reference level, then the numeric features.
func (m *Model) design(closed []deal.Deal) ([]column, error) {
	var wins int
	for _, d := range closed {
		if d.Won() {
			wins++
		}
	}
	if wins == 0 || wins == len(closed) {
		return nil, fmt.Errorf("%w: every closed deal has the same outcome", ErrPerfectSeparation)
	}

	var cols []column
	for _, dim := range m.opts.Dimensions {
		type tally struct{ n, wins int }
		levels := make(map[string]*tally)
		for _, d := range closed {
			t, ok := levels[d.Value(dim)]
			if !ok {
				t = &tally{}
				levels[d.Value(dim)] = t
			}
			t.n++
			if d.Won() {
				t.wins++
			}
		}

		ref := m.ReferenceLevel(dim)
		if _, ok := levels[ref]; !ok {
			return nil, fmt.Errorf("%w: %s=%s", ErrReferenceLevelMissing, dim, ref)
		}

		names := make([]string, 0, len(levels))
		for level := range levels {
			names = append(names, level)
		}
		sort.Strings(names)
		for _, level := range names {
			t := levels[level]
			if t.wins == 0 || t.wins == t.n {
				class := "Won"
				if t.wins == 0 {
					class = "Lost"
				}
				return nil, fmt.Errorf("%w: %s=%s has only %s deals", ErrPerfectSeparation, dim, level, class)
			}
			if level == ref {
				continue
			}
			cols = append(cols, column{
				name:      string(dim) + "=" + level,
				reference: ref,
				dim:       dim,
				level:     level,
				scale:     1,
				value: func(d deal.Deal) float64 {
					if d.Value(dim) == level {
						return 1
					}
					return 0
				},
			})
		}
	}

	numeric := []column{
		{
			name:    FeatureDealAmount,
			unit:    fmt.Sprintf("per %g", m.opts.AmountUnit),
			numeric: true,
			scale:   m.opts.AmountUnit,
			value:   func(d deal.Deal) float64 { return d.Amount.InexactFloat64() },
		},
		{
			name:    FeatureCycleDays,
			unit:    fmt.Sprintf("per %g days", m.opts.CycleUnit),
			numeric: true,
			scale:   m.opts.CycleUnit,
			value:   func(d deal.Deal) float64 { return float64(d.CycleDays) },
		},
	}
	for _, c := range numeric {
		minWon, maxWon := math.Inf(1), math.Inf(-1)
		minLost, maxLost := math.Inf(1), math.Inf(-1)
		var sum float64
		for _, d := range closed {
			v := c.value(d)
			sum += v
			if d.Won() {
				minWon, maxWon = math.Min(minWon, v), math.Max(maxWon, v)
			} else {
				minLost, maxLost = math.Min(minLost, v), math.Max(maxLost, v)
			}
		}
		if math.Min(minWon, minLost) == math.Max(maxWon, maxLost) {
			m.logger.Debug().Str("feature", c.name).Msg("constant feature skipped")
			continue
		}
		if maxLost < minWon || maxWon < minLost {
			return nil, fmt.Errorf("%w: %s splits Won and Lost deals", ErrPerfectSeparation, c.name)
		}
		c.mean = sum / float64(len(closed))
		cols = append(cols, c)
	}

	return cols, nil
}

// irls runs Newton-Raphson (iteratively reweighted least squares) from a zero
// start, with an optional ridge penalty on the non-intercept terms.
func (m *Model) irls(ctx context.Context, X *mat.Dense, y []float64) ([]float64, int, error) {
	n, p := X.Dims()
	beta := make([]float64, p)
	eta := mat.NewVecDense(n, nil)
	step := mat.NewVecDense(p, nil)
	grad := mat.NewVecDense(p, nil)
	hess := mat.NewSymDense(p, nil)
	var chol mat.Cholesky

	for iter := 1; iter <= m.opts.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, iter, err
		}

		eta.MulVec(X, mat.NewVecDense(p, beta))
		h := make([]float64, p*p)
		g := make([]float64, p)
		for i := 0; i < n; i++ {
			mu := sigmoid(eta.AtVec(i))
			w := mu * (1 - mu)
			r := y[i] - mu
			row := X.RawRowView(i)
			for a := 0; a < p; a++ {
				g[a] += row[a] * r
				wa := w * row[a]
				for b := a; b < p; b++ {
					h[a*p+b] += wa * row[b]
				}
			}
		}
		for a := 0; a < p; a++ {
			if a > 0 {
				h[a*p+a] += m.opts.Ridge
				g[a] -= m.opts.Ridge * beta[a]
			}
			grad.SetVec(a, g[a])
			for b := a; b < p; b++ {
				hess.SetSym(a, b, h[a*p+b])
			}
		}

		if ok := chol.Factorize(hess); !ok {
			return nil, iter, fmt.Errorf("%w: information matrix is singular", ErrNotConverged)
		}
		if err := chol.SolveVecTo(step, grad); err != nil {
			return nil, iter, fmt.Errorf("%w: %v", ErrNotConverged, err)
		}

		var maxStep float64
		for a := 0; a < p; a++ {
			delta := step.AtVec(a)
			beta[a] += delta
			maxStep = math.Max(maxStep, math.Abs(delta))
			if math.IsNaN(beta[a]) || math.Abs(beta[a]) > maxCoefficient {
				return nil, iter, fmt.Errorf("%w: coefficients diverged", ErrNotConverged)
			}
		}
		if maxStep < m.opts.Tolerance {
			return beta, iter, nil
		}
	}
	return nil, m.opts.MaxIterations, fmt.Errorf("%w after %d iterations", ErrNotConverged, m.opts.MaxIterations)
}

// Rank orders results by |marginal effect| descending, breaking ties by
// feature name, and assigns 1-based ranks.
func Rank(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := math.Abs(results[i].MarginalEffect), math.Abs(results[j].MarginalEffect)
		if a != b {
			return a > b
		}
		return results[i].FeatureName < results[j].FeatureName
	})
	for i := range results {
		results[i].Rank = i + 1
	}
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
