package deal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodOf(t *testing.T) {
	ts := time.Date(2024, time.February, 29, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, Period("2024-02"), PeriodOf(ts, Monthly))
	assert.Equal(t, Period("2024-Q1"), PeriodOf(ts, Quarterly))
	assert.Equal(t, Period("2024-Q4"), PeriodOf(time.Date(2024, time.December, 1, 0, 0, 0, 0, time.UTC), Quarterly))
}

func TestPeriodPrev(t *testing.T) {
	cases := map[Period]Period{
		"2024-03": "2024-02",
		"2024-01": "2023-12",
		"2024-Q2": "2024-Q1",
		"2024-Q1": "2023-Q4",
	}
	for in, want := range cases {
		got, ok := in.Prev()
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := Period("garbage").Prev()
	assert.False(t, ok)
	_, ok = Period("2024-Q5").Prev()
	assert.False(t, ok)
}

func TestPeriodWindow(t *testing.T) {
	assert.Equal(t, []Period{"2024-01", "2023-12", "2023-11"}, Period("2024-02").Window(3))
}

func TestVocabularyCanonicalize(t *testing.T) {
	v := NewVocabulary(nil)

	level, ok := v.Canonicalize(Region, "  apac ")
	assert.True(t, ok)
	assert.Equal(t, "APAC", level)

	level, ok = v.Canonicalize(LeadSource, "cold call")
	assert.False(t, ok)
	assert.Equal(t, OtherLevel, level)

	assert.Equal(t, "Inbound", v.DefaultReference(LeadSource))
}

func TestSegmentKeyString(t *testing.T) {
	d := Deal{Region: "APAC", ProductType: "Enterprise"}
	key := KeyFor(d, []Dimension{Region, ProductType})
	assert.Equal(t, "region=APAC|product_type=Enterprise", key.String())
	assert.Equal(t, "APAC/Enterprise", key.Label())
	assert.True(t, SegmentKey(nil).IsGlobal())
	assert.True(t, key.Equal(SegmentKey{{Region, "APAC"}, {ProductType, "Enterprise"}}))
}
