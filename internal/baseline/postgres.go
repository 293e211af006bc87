package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"winrate-watch/internal/deal"
	"winrate-watch/internal/rules"
)

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS baseline_runs (
        run_id       TEXT PRIMARY KEY,
        committed_at TIMESTAMPTZ NOT NULL,
        state        JSONB NOT NULL
    );
    CREATE TABLE IF NOT EXISTS baseline_head (
        id         SMALLINT PRIMARY KEY CHECK (id = 1),
        run_id     TEXT NOT NULL REFERENCES baseline_runs (run_id),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE TABLE IF NOT EXISTS alerts (
        run_id              TEXT NOT NULL,
        rule_id             TEXT NOT NULL,
        subject             TEXT NOT NULL,
        segment_key         JSONB,
        feature             TEXT,
        metric_name         TEXT NOT NULL,
        observed_value      DOUBLE PRECISION NOT NULL,
        baseline_value      DOUBLE PRECISION NOT NULL,
        severity            TEXT NOT NULL,
        fired_at            TIMESTAMPTZ NOT NULL,
        cooldown_expires_at TIMESTAMPTZ NOT NULL,
        created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (rule_id, subject, fired_at)
    );`

	loadHeadSQL = `SELECT r.state
    FROM baseline_head h
    JOIN baseline_runs r ON r.run_id = h.run_id
    WHERE h.id = 1;`

	insertRunSQL = `INSERT INTO baseline_runs (run_id, committed_at, state)
    VALUES ($1, $2, $3)
    ON CONFLICT (run_id) DO UPDATE
    SET committed_at = EXCLUDED.committed_at,
        state        = EXCLUDED.state;`

	swapHeadSQL = `INSERT INTO baseline_head (id, run_id, updated_at)
    VALUES (1, $1, now())
    ON CONFLICT (id) DO UPDATE
    SET run_id     = EXCLUDED.run_id,
        updated_at = EXCLUDED.updated_at;`

	insertAlertSQL = `INSERT INTO alerts (
        run_id,
        rule_id,
        subject,
        segment_key,
        feature,
        metric_name,
        observed_value,
        baseline_value,
        severity,
        fired_at,
        cooldown_expires_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (rule_id, subject, fired_at) DO NOTHING;`

	listRecentAlertsSQL = `SELECT
        run_id,
        rule_id,
        segment_key,
        feature,
        metric_name,
        observed_value,
        baseline_value,
        severity,
        fired_at,
        cooldown_expires_at
    FROM alerts
    ORDER BY fired_at DESC, rule_id, subject
    LIMIT $1;`

	deleteRunsBeforeSQL = `DELETE FROM baseline_runs
    WHERE committed_at < $1
      AND run_id NOT IN (SELECT run_id FROM baseline_head);`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PostgresStore keeps every committed run and a single-row head pointer that
// is swapped inside the commit transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Load returns the state the head points at, or the empty state.
func (s *PostgresStore) Load(ctx context.Context) (State, error) {
	pool, err := s.getPool()
	if err != nil {
		return State{}, err
	}

	var raw []byte
	if err := pool.QueryRow(ctx, loadHeadSQL).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("load baseline head: %w", err)
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, fmt.Errorf("decode baseline state: %w", err)
	}
	return state, nil
}

// Commit stores the run, its alerts, and moves the head in one transaction.
func (s *PostgresStore) Commit(ctx context.Context, state State) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode baseline state: %w", err)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, insertRunSQL, state.RunID, state.CommittedAt, raw); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	batch := &pgx.Batch{}
	for _, a := range state.Alerts {
		var key []byte
		if !a.SegmentKey.IsGlobal() {
			if key, err = json.Marshal(a.SegmentKey); err != nil {
				return fmt.Errorf("encode segment key: %w", err)
			}
		}
		var feature any
		if a.Feature != "" {
			feature = a.Feature
		}
		batch.Queue(insertAlertSQL,
			state.RunID,
			a.RuleID,
			a.Subject(),
			key,
			feature,
			a.MetricName,
			a.ObservedValue,
			a.BaselineValue,
			string(a.Severity),
			a.FiredAt,
			a.CooldownExpiresAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert alerts: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, swapHeadSQL, state.RunID); err != nil {
		return fmt.Errorf("swap head: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit baseline: %w", err)
	}
	return nil
}

// ListRecentAlerts lists the most recently fired alerts across runs.
func (s *PostgresStore) ListRecentAlerts(ctx context.Context, limit int) ([]rules.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]rules.Alert, 0, limit)
	for rows.Next() {
		var (
			a        rules.Alert
			key      []byte
			feature  *string
			severity string
		)
		if err := rows.Scan(
			&a.RunID,
			&a.RuleID,
			&key,
			&feature,
			&a.MetricName,
			&a.ObservedValue,
			&a.BaselineValue,
			&severity,
			&a.FiredAt,
			&a.CooldownExpiresAt,
		); err != nil {
			return nil, err
		}
		if len(key) > 0 {
			var sk deal.SegmentKey
			if err := json.Unmarshal(key, &sk); err != nil {
				return nil, fmt.Errorf("decode segment key: %w", err)
			}
			a.SegmentKey = sk
		}
		if feature != nil {
			a.Feature = *feature
		}
		a.Severity = rules.Severity(severity)
		alerts = append(alerts, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteRunsBefore prunes superseded runs committed before olderThan.
func (s *PostgresStore) DeleteRunsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteRunsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete runs before: %w", execErr)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock also dies with the connection
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

var (
	_ Store          = (*PostgresStore)(nil)
	_ AlertLog       = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
)
