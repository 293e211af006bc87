package service

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"time"

	"github.com/google/uuid"

	"winrate-watch/internal/deal"
	"winrate-watch/internal/rules"
)

// runNamespace scopes run ids generated by this tool.
var runNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://winratewatch/run"))

// RunID derives a deterministic id from the normalized snapshot, the rules and
// the previous committed run. Identical inputs always produce the same id.
func RunID(deals []deal.Deal, ruleSet []rules.Rule, previous string) string {
	h := sha256.New()
	fmt.Fprintf(h, "previous=%s\n", previous)
	for _, d := range deals {
		writeDeal(h, d)
	}
	for _, r := range ruleSet {
		writeRule(h, r)
	}
	return uuid.NewSHA1(runNamespace, h.Sum(nil)).String()
}

func writeDeal(h hash.Hash, d deal.Deal) {
	fmt.Fprintf(h, "deal|%s|%s|%s|%s|%s|%s|%d|%s|%s|%s|%s\n",
		d.ID, d.Region, d.Industry, d.ProductType, d.LeadSource,
		d.Amount.String(), d.CycleDays, d.Outcome,
		d.OpenedAt.UTC().Format(time.RFC3339Nano), d.ClosedAt.UTC().Format(time.RFC3339Nano), d.Period)
}

func writeRule(h hash.Hash, r rules.Rule) {
	fmt.Fprintf(h, "rule|%s|%s|%s|%v|%s|%s|%s|%s|%s",
		r.ID, r.Metric, r.Comparator, r.Threshold, r.Cooldown, r.Severity, r.Scope, r.Grouping, r.Feature)
	if r.Baseline != nil {
		fmt.Fprintf(h, "|%s|%v|%d", r.Baseline.Source, r.Baseline.Value, r.Baseline.Periods)
	}
	fmt.Fprintln(h)
}
