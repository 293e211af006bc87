package rules

import (
	"sort"
	"sync"
	"time"
)

// Cooldown blocks re-firing of one (rule, subject) pair until ExpiresAt.
type Cooldown struct {
	RuleID    string    `json:"rule_id"`
	Subject   string    `json:"subject"`
	FiredAt   time.Time `json:"fired_at"`
	ExpiresAt time.Time `json:"cooldown_expires_at"`
}

// Ledger is the cooldown state of a run. All mutation goes through
// TryAcquire, which checks and extends an entry under one lock, so two
// concurrent evaluations of the same pair cannot both fire.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]Cooldown
}

// NewLedger seeds a ledger from committed state.
func NewLedger(entries []Cooldown) *Ledger {
	l := &Ledger{entries: make(map[string]Cooldown, len(entries))}
	for _, e := range entries {
		k := ledgerKey(e.RuleID, e.Subject)
		if cur, ok := l.entries[k]; ok && cur.ExpiresAt.After(e.ExpiresAt) {
			continue
		}
		l.entries[k] = e
	}
	return l
}

func ledgerKey(ruleID, subject string) string {
	return ruleID + "\x00" + subject
}

// Holds reports whether c still blocks firing at now. The window
// [FiredAt, ExpiresAt] is closed, so the expiry instant is still inside it.
func (c Cooldown) Holds(now time.Time) bool {
	return !now.After(c.ExpiresAt)
}

// TryAcquire fires the pair at now unless a cooldown still holds.
func (l *Ledger) TryAcquire(ruleID, subject string, now time.Time, cooldown time.Duration) (Cooldown, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := ledgerKey(ruleID, subject)
	if cur, ok := l.entries[k]; ok && cur.Holds(now) {
		return cur, false
	}
	entry := Cooldown{RuleID: ruleID, Subject: subject, FiredAt: now, ExpiresAt: now.Add(cooldown)}
	l.entries[k] = entry
	return entry, true
}

// Active returns the entries still holding at now, sorted by rule and subject.
func (l *Ledger) Active(now time.Time) []Cooldown {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Cooldown, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Holds(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RuleID != out[j].RuleID {
			return out[i].RuleID < out[j].RuleID
		}
		return out[i].Subject < out[j].Subject
	})
	return out
}
