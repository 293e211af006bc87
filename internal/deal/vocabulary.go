package deal

import (
	"sort"
	"strings"
)

// OtherLevel collects categorical values outside the vocabulary.
const OtherLevel = "Other"

// Vocabulary fixes the allowed levels of each categorical dimension.
type Vocabulary struct {
	levels map[Dimension][]string
	lookup map[Dimension]map[string]string
}

// DefaultLevels is the vocabulary of the CRM export this tool was built for.
var DefaultLevels = map[Dimension][]string{
	Region:      {"APAC", "Europe", "India", "North America"},
	Industry:    {"EdTech", "Ecommerce", "FinTech", "HealthTech", "SaaS"},
	ProductType: {"Core", "Enterprise", "Pro"},
	LeadSource:  {"Inbound", "Outbound", "Partner", "Referral"},
}

// NewVocabulary builds a vocabulary; dimensions missing from levels fall back
// to DefaultLevels.
func NewVocabulary(levels map[Dimension][]string) *Vocabulary {
	v := &Vocabulary{
		levels: make(map[Dimension][]string, len(Dimensions)),
		lookup: make(map[Dimension]map[string]string, len(Dimensions)),
	}
	for _, dim := range Dimensions {
		src, ok := levels[dim]
		if !ok || len(src) == 0 {
			src = DefaultLevels[dim]
		}
		lookup := make(map[string]string, len(src))
		canon := make([]string, 0, len(src))
		for _, raw := range src {
			level := strings.TrimSpace(raw)
			if level == "" {
				continue
			}
			norm := strings.ToLower(level)
			if _, dup := lookup[norm]; dup {
				continue
			}
			lookup[norm] = level
			canon = append(canon, level)
		}
		sort.Strings(canon)
		v.levels[dim] = canon
		v.lookup[dim] = lookup
	}
	return v
}

// Canonicalize maps a raw value to its vocabulary level, case-insensitively and
// ignoring surrounding whitespace. The second result is false when the value
// was bucketed into OtherLevel.
func (v *Vocabulary) Canonicalize(dim Dimension, raw string) (string, bool) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	if level, ok := v.lookup[dim][norm]; ok {
		return level, true
	}
	return OtherLevel, false
}

// Levels returns the sorted vocabulary of dim, without OtherLevel unless it
// was configured explicitly.
func (v *Vocabulary) Levels(dim Dimension) []string {
	out := make([]string, len(v.levels[dim]))
	copy(out, v.levels[dim])
	return out
}

// DefaultReference is the alphabetically first level of dim.
func (v *Vocabulary) DefaultReference(dim Dimension) string {
	levels := v.levels[dim]
	if len(levels) == 0 {
		return OtherLevel
	}
	return levels[0]
}
