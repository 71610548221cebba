package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGConfig holds PostgreSQL connection configuration.
type PGConfig struct {
	URL             string        `yaml:"url" env:"URL"`
	MaxConns        int32         `yaml:"max_conns" env:"MAX_CONNS"`
	MinConns        int32         `yaml:"min_conns" env:"MIN_CONNS"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"MAX_CONN_IDLE_TIME"`
}

// OpenPGPool connects to PostgreSQL and verifies the connection.
func OpenPGPool(ctx context.Context, cfg PGConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return pool, nil
}

// PGHistoryStore implements HistoryStore backed by PostgreSQL using pgxpool.
type PGHistoryStore struct {
	pool *pgxpool.Pool
}

// NewPGHistoryStore creates a PGHistoryStore backed by the given pool and
// ensures the required schema exists.
func NewPGHistoryStore(ctx context.Context, pool *pgxpool.Pool) (*PGHistoryStore, error) {
	s := &PGHistoryStore{pool: pool}
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGHistoryStore) init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS history_events (
			id            UUID        PRIMARY KEY,
			instance_id   TEXT        NOT NULL,
			sequence_num  BIGINT      NOT NULL,
			event_type    TEXT        NOT NULL,
			event_data    JSONB,
			final         BOOLEAN     NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(instance_id, sequence_num)
		);
		CREATE INDEX IF NOT EXISTS idx_history_events_instance_id ON history_events(instance_id);
		CREATE INDEX IF NOT EXISTS idx_history_events_created_at  ON history_events(created_at);
	`)
	if err != nil {
		return fmt.Errorf("create history_events table: %w", err)
	}
	return nil
}

func (s *PGHistoryStore) Append(ctx context.Context, evt HistoryEvent) (HistoryEvent, error) {
	if err := validateAppend(evt); err != nil {
		return HistoryEvent{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return HistoryEvent{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var maxSeq *int64
	var closed *bool
	err = tx.QueryRow(ctx,
		`SELECT MAX(sequence_num), BOOL_OR(final) FROM history_events WHERE instance_id = $1`,
		evt.InstanceID,
	).Scan(&maxSeq, &closed)
	if err != nil {
		return HistoryEvent{}, fmt.Errorf("get max sequence: %w", err)
	}
	if closed != nil && *closed {
		return HistoryEvent{}, fmt.Errorf("%w: instance %s is closed", ErrConflict, evt.InstanceID)
	}
	want := int64(1)
	if maxSeq != nil {
		want = *maxSeq + 1
	}
	if evt.SequenceNum != want {
		return HistoryEvent{}, fmt.Errorf("%w: instance %s sequence %d, expected %d", ErrConflict, evt.InstanceID, evt.SequenceNum, want)
	}

	evt = stamp(evt)
	var data []byte
	if len(evt.EventData) > 0 {
		data = evt.EventData
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO history_events (id, instance_id, sequence_num, event_type, event_data, final, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		evt.ID, evt.InstanceID, evt.SequenceNum, evt.EventType, data, evt.Final, evt.CreatedAt,
	)
	if err != nil {
		// Two writers that read the same MAX race on the unique index.
		if isPGUniqueViolation(err) {
			return HistoryEvent{}, fmt.Errorf("%w: instance %s sequence %d", ErrConflict, evt.InstanceID, evt.SequenceNum)
		}
		return HistoryEvent{}, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		if isPGUniqueViolation(err) {
			return HistoryEvent{}, fmt.Errorf("%w: instance %s sequence %d", ErrConflict, evt.InstanceID, evt.SequenceNum)
		}
		return HistoryEvent{}, fmt.Errorf("commit event: %w", err)
	}
	return evt, nil
}

func (s *PGHistoryStore) Events(ctx context.Context, instanceID string) ([]HistoryEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, instance_id, sequence_num, event_type, event_data, final, created_at
		 FROM history_events
		 WHERE instance_id = $1
		 ORDER BY sequence_num ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []HistoryEvent
	for rows.Next() {
		var ev HistoryEvent
		var data []byte
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.SequenceNum, &ev.EventType, &data, &ev.Final, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if data != nil {
			ev.EventData = data
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PGHistoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]InstanceSummary, error) {
	query := `
		SELECT instance_id, COUNT(*), MAX(sequence_num), MIN(created_at), MAX(created_at), BOOL_OR(final)
		FROM history_events`
	var args []any
	if filter.AfterID != "" {
		args = append(args, filter.AfterID)
		query += fmt.Sprintf(` WHERE instance_id > $%d`, len(args))
	}
	query += ` GROUP BY instance_id`
	switch filter.Status {
	case InstanceOpen:
		query += ` HAVING NOT BOOL_OR(final)`
	case InstanceClosed:
		query += ` HAVING BOOL_OR(final)`
	}
	if filter.Order == OrderByID {
		query += ` ORDER BY instance_id ASC`
	} else {
		query += ` ORDER BY MIN(created_at) ASC, instance_id ASC`
	}
	args = append(args, max(filter.Offset, 0))
	query += fmt.Sprintf(` OFFSET $%d`, len(args))
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (InstanceSummary, error) {
		var sum InstanceSummary
		var final bool
		if err := row.Scan(&sum.InstanceID, &sum.EventCount, &sum.LastSequence, &sum.StartedAt, &sum.UpdatedAt, &final); err != nil {
			return sum, err
		}
		sum.StartedAt = sum.StartedAt.UTC()
		sum.UpdatedAt = sum.UpdatedAt.UTC()
		sum.Status = InstanceOpen
		if final {
			sum.Status = InstanceClosed
			t := sum.UpdatedAt
			sum.ClosedAt = &t
		}
		return sum, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan instances: %w", err)
	}
	return results, nil
}

// isPGUniqueViolation reports a unique_violation (SQLSTATE 23505).
func isPGUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ HistoryStore = (*PGHistoryStore)(nil)
