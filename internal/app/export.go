package app

import (
	"context"
	"errors"

	"winrate-watch/internal/metrics"
	"winrate-watch/internal/service"
)

// Export rewrites the output tables and charts of the last committed run
// without recomputing anything.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	state, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if state.Empty() {
		return errors.New("no committed run to export")
	}

	dir := opts.OutDir
	if dir == "" {
		dir = a.Config.Output.Dir
	}
	period, _ := metrics.LatestPeriod(state.Metrics)
	result := &service.RunResult{
		RunID:        state.RunID,
		Period:       period,
		StartedAt:    state.CommittedAt,
		Metrics:      state.Metrics,
		Drivers:      state.Drivers,
		DriversStale: state.DriversRunID != "" && state.DriversRunID != state.RunID,
		DriversRunID: state.DriversRunID,
		Alerts:       state.Alerts,
		Committed:    true,
	}

	writer := &OutputWriter{
		Dir:    dir,
		Chart:  a.Config.Output.DriverChart && !opts.NoChart,
		Logger: a.Logger,
	}
	if err := writer.Write(ctx, result); err != nil {
		return err
	}
	a.Logger.Info().Str("run_id", state.RunID).Str("dir", dir).Msg("exported committed run")
	return nil
}
