package deal

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Granularity controls how close dates map to periods.
type Granularity string

const (
	Monthly   Granularity = "month"
	Quarterly Granularity = "quarter"
)

// Period is a close period label: "2024-03" for months, "2024-Q1" for quarters.
// Labels of the same granularity sort chronologically as strings.
type Period string

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time, g Granularity) Period {
	t = t.UTC()
	if g == Quarterly {
		q := (int(t.Month())-1)/3 + 1
		return Period(fmt.Sprintf("%04d-Q%d", t.Year(), q))
	}
	return Period(fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month())))
}

// Prev returns the immediately preceding period.
func (p Period) Prev() (Period, bool) {
	s := string(p)
	year, rest, ok := strings.Cut(s, "-")
	if !ok {
		return "", false
	}
	y, err := strconv.Atoi(year)
	if err != nil {
		return "", false
	}

	if strings.HasPrefix(rest, "Q") {
		q, err := strconv.Atoi(rest[1:])
		if err != nil || q < 1 || q > 4 {
			return "", false
		}
		if q == 1 {
			return Period(fmt.Sprintf("%04d-Q4", y-1)), true
		}
		return Period(fmt.Sprintf("%04d-Q%d", y, q-1)), true
	}

	m, err := strconv.Atoi(rest)
	if err != nil || m < 1 || m > 12 {
		return "", false
	}
	if m == 1 {
		return Period(fmt.Sprintf("%04d-12", y-1)), true
	}
	return Period(fmt.Sprintf("%04d-%02d", y, m-1)), true
}

// Window returns up to n periods immediately preceding p, nearest first.
func (p Period) Window(n int) []Period {
	out := make([]Period, 0, n)
	cur := p
	for i := 0; i < n; i++ {
		prev, ok := cur.Prev()
		if !ok {
			break
		}
		out = append(out, prev)
		cur = prev
	}
	return out
}
