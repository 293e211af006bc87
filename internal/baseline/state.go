package baseline

import (
	"context"
	"errors"
	"time"

	"winrate-watch/internal/driver"
	"winrate-watch/internal/metrics"
	"winrate-watch/internal/rules"
)

// ErrNotConfigured indicates the store backend was not initialised.
var ErrNotConfigured = errors.New("baseline: store not configured")

// State is one committed run. It is immutable once committed; a new run
// replaces it wholesale.
type State struct {
	RunID       string    `json:"run_id"`
	CommittedAt time.Time `json:"committed_at"`
	// Metrics is the full metric table of the run.
	Metrics []metrics.Record `json:"metrics"`
	// Drivers is the last successful driver ranking, carried forward
	// unchanged by runs whose fit failed.
	Drivers      []driver.Result `json:"drivers"`
	DriversRunID string          `json:"drivers_run_id"`
	// Cooldowns holds the unexpired cooldown entries.
	Cooldowns []rules.Cooldown `json:"cooldowns"`
	// Alerts fired by this run.
	Alerts []rules.Alert `json:"alerts"`
}

// Empty reports whether nothing has been committed yet.
func (s State) Empty() bool {
	return s.RunID == ""
}

// Store holds the latest committed State. Commit swaps it atomically: readers
// observe either the old or the new state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Commit(ctx context.Context, state State) error
}

// AlertLog lists alerts across committed runs.
type AlertLog interface {
	ListRecentAlerts(ctx context.Context, limit int) ([]rules.Alert, error)
}

// AdvisoryLocker serializes runs across processes.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}
