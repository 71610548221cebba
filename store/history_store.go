package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ---------------------------------------------------------------------------
// Core types
// ---------------------------------------------------------------------------

// HistoryEvent is one immutable entry of an instance history.
type HistoryEvent struct {
	ID          uuid.UUID       `json:"id"`
	InstanceID  string          `json:"instance_id"`
	SequenceNum int64           `json:"sequence_num"`
	EventType   string          `json:"event_type"`
	EventData   json.RawMessage `json:"event_data,omitempty"`
	// Final marks the event that closed the instance. No event may follow it.
	Final     bool      `json:"final"`
	CreatedAt time.Time `json:"created_at"`
}

// InstanceStatus is the coarse status derived from a history.
type InstanceStatus string

const (
	InstanceOpen   InstanceStatus = "open"
	InstanceClosed InstanceStatus = "closed"
)

// InstanceSummary describes one instance without loading its events.
type InstanceSummary struct {
	InstanceID   string         `json:"instance_id"`
	Status       InstanceStatus `json:"status"`
	EventCount   int            `json:"event_count"`
	LastSequence int64          `json:"last_sequence"`
	StartedAt    time.Time      `json:"started_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ClosedAt     *time.Time     `json:"closed_at,omitempty"`
}

// InstanceOrder selects the order of listed instances.
type InstanceOrder string

const (
	// OrderByStart lists the oldest instances first. It is the default.
	OrderByStart InstanceOrder = ""
	// OrderByID lists instances by id, for keyset paging with AfterID.
	OrderByID InstanceOrder = "id"
)

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	Status InstanceStatus
	Order  InstanceOrder
	// AfterID keeps only instances whose id sorts after it. Paging with the
	// last id of the previous page is stable while instances close.
	AfterID string
	Limit   int
	Offset  int
}

// ---------------------------------------------------------------------------
// HistoryStore interface
// ---------------------------------------------------------------------------

// HistoryStore persists instance histories as append-only event logs.
type HistoryStore interface {
	// Append writes evt at evt.SequenceNum, which must be exactly one past the
	// last stored sequence of the instance. A taken sequence, or any append
	// after a final event, fails with ErrConflict. The stored event, with ID
	// and CreatedAt filled in, is returned.
	Append(ctx context.Context, evt HistoryEvent) (HistoryEvent, error)
	// Events returns the history of an instance ordered by sequence number.
	// An unknown instance has an empty history.
	Events(ctx context.Context, instanceID string) ([]HistoryEvent, error)
	// ListInstances summarizes the stored instances matching filter.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]InstanceSummary, error)
}

func validateAppend(evt HistoryEvent) error {
	switch {
	case evt.InstanceID == "":
		return fmt.Errorf("%w: instance id is required", ErrInvalidEvent)
	case evt.SequenceNum < 1:
		return fmt.Errorf("%w: sequence %d", ErrInvalidEvent, evt.SequenceNum)
	case evt.EventType == "":
		return fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	}
	return nil
}

// stamp fills the store-assigned fields.
func stamp(evt HistoryEvent) HistoryEvent {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	evt.CreatedAt = time.Now().UTC()
	return evt
}

// summarize folds a history into its summary.
func summarize(events []HistoryEvent) InstanceSummary {
	first, last := events[0], events[len(events)-1]
	s := InstanceSummary{
		InstanceID:   first.InstanceID,
		Status:       InstanceOpen,
		EventCount:   len(events),
		LastSequence: last.SequenceNum,
		StartedAt:    first.CreatedAt,
		UpdatedAt:    last.CreatedAt,
	}
	if last.Final {
		s.Status = InstanceClosed
		t := last.CreatedAt
		s.ClosedAt = &t
	}
	return s
}

// page applies offset and limit.
func page(results []InstanceSummary, filter InstanceFilter) []InstanceSummary {
	if filter.Offset > 0 {
		if filter.Offset >= len(results) {
			return nil
		}
		results = results[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(results) {
		results = results[:filter.Limit]
	}
	return results
}

// ===========================================================================
// InMemoryHistoryStore
// ===========================================================================

// InMemoryHistoryStore is a thread-safe in-memory implementation of
// HistoryStore. Histories do not survive the process.
type InMemoryHistoryStore struct {
	mu     sync.RWMutex
	events map[string][]HistoryEvent
}

// NewInMemoryHistoryStore creates a new InMemoryHistoryStore.
func NewInMemoryHistoryStore() *InMemoryHistoryStore {
	return &InMemoryHistoryStore{events: make(map[string][]HistoryEvent)}
}

func (s *InMemoryHistoryStore) Append(_ context.Context, evt HistoryEvent) (HistoryEvent, error) {
	if err := validateAppend(evt); err != nil {
		return HistoryEvent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.events[evt.InstanceID]
	var last int64
	if n := len(history); n > 0 {
		if history[n-1].Final {
			return HistoryEvent{}, fmt.Errorf("%w: instance %s is closed", ErrConflict, evt.InstanceID)
		}
		last = history[n-1].SequenceNum
	}
	if evt.SequenceNum != last+1 {
		return HistoryEvent{}, fmt.Errorf("%w: instance %s sequence %d, expected %d", ErrConflict, evt.InstanceID, evt.SequenceNum, last+1)
	}

	evt = stamp(evt)
	evt.EventData = append(json.RawMessage(nil), evt.EventData...)
	s.events[evt.InstanceID] = append(history, evt)
	return evt, nil
}

func (s *InMemoryHistoryStore) Events(_ context.Context, instanceID string) ([]HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, ok := s.events[instanceID]
	if !ok {
		return nil, nil
	}
	// Return a copy to avoid data races.
	result := make([]HistoryEvent, len(events))
	copy(result, events)
	return result, nil
}

func (s *InMemoryHistoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]InstanceSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []InstanceSummary
	for _, events := range s.events {
		if len(events) == 0 {
			continue
		}
		sum := summarize(events)
		if filter.Status != "" && sum.Status != filter.Status {
			continue
		}
		if filter.AfterID != "" && sum.InstanceID <= filter.AfterID {
			continue
		}
		results = append(results, sum)
	}

	sort.Slice(results, func(i, j int) bool {
		if filter.Order != OrderByID && !results[i].StartedAt.Equal(results[j].StartedAt) {
			return results[i].StartedAt.Before(results[j].StartedAt)
		}
		return results[i].InstanceID < results[j].InstanceID
	})
	return page(results, filter), nil
}

// ===========================================================================
// SQLiteHistoryStore
// ===========================================================================

// sqliteTimeLayout is fixed width so that text ordering matches time
// ordering in MIN/MAX aggregates.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteHistoryStore implements HistoryStore backed by SQLite using
// database/sql. Writes are serialized with a mutex to avoid SQLITE_BUSY
// errors under concurrent load.
type SQLiteHistoryStore struct {
	mu sync.Mutex // serializes writes
	db *sql.DB
}

// NewSQLiteHistoryStore opens the database at dbPath and creates the history
// table if it does not exist.
func NewSQLiteHistoryStore(dbPath string) (*SQLiteHistoryStore, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(5)

	s := &SQLiteHistoryStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteHistoryStoreFromDB wraps an existing *sql.DB connection.
func NewSQLiteHistoryStoreFromDB(db *sql.DB) (*SQLiteHistoryStore, error) {
	s := &SQLiteHistoryStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteHistoryStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS history_events (
		id            TEXT PRIMARY KEY,
		instance_id   TEXT NOT NULL,
		sequence_num  INTEGER NOT NULL,
		event_type    TEXT NOT NULL,
		event_data    TEXT,
		final         INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL,
		UNIQUE(instance_id, sequence_num)
	);
	CREATE INDEX IF NOT EXISTS idx_history_events_instance_id ON history_events(instance_id);
	CREATE INDEX IF NOT EXISTS idx_history_events_created_at ON history_events(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create history_events table: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteHistoryStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteHistoryStore) Append(ctx context.Context, evt HistoryEvent) (HistoryEvent, error) {
	if err := validateAppend(evt); err != nil {
		return HistoryEvent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return HistoryEvent{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	var closed sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(sequence_num), MAX(final) FROM history_events WHERE instance_id = ?`,
		evt.InstanceID,
	).Scan(&maxSeq, &closed)
	if err != nil {
		return HistoryEvent{}, fmt.Errorf("get max sequence: %w", err)
	}
	if closed.Valid && closed.Int64 == 1 {
		return HistoryEvent{}, fmt.Errorf("%w: instance %s is closed", ErrConflict, evt.InstanceID)
	}
	if want := maxSeq.Int64 + 1; evt.SequenceNum != want {
		return HistoryEvent{}, fmt.Errorf("%w: instance %s sequence %d, expected %d", ErrConflict, evt.InstanceID, evt.SequenceNum, want)
	}

	evt = stamp(evt)
	var data sql.NullString
	if len(evt.EventData) > 0 {
		data = sql.NullString{String: string(evt.EventData), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO history_events (id, instance_id, sequence_num, event_type, event_data, final, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.ID.String(), evt.InstanceID, evt.SequenceNum, evt.EventType, data, evt.Final,
		evt.CreatedAt.Format(sqliteTimeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return HistoryEvent{}, fmt.Errorf("%w: instance %s sequence %d", ErrConflict, evt.InstanceID, evt.SequenceNum)
		}
		return HistoryEvent{}, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return HistoryEvent{}, fmt.Errorf("commit event: %w", err)
	}
	return evt, nil
}

func (s *SQLiteHistoryStore) Events(ctx context.Context, instanceID string) ([]HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, sequence_num, event_type, event_data, final, created_at
		 FROM history_events
		 WHERE instance_id = ?
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
		var idStr, createdStr string
		var data sql.NullString

		if err := rows.Scan(&idStr, &ev.InstanceID, &ev.SequenceNum, &ev.EventType, &data, &ev.Final, &createdStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("parse event id: %w", err)
		}
		if data.Valid {
			ev.EventData = json.RawMessage(data.String)
		}
		if ev.CreatedAt, err = time.Parse(sqliteTimeLayout, createdStr); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteHistoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]InstanceSummary, error) {
	query := `
		SELECT instance_id, COUNT(*), MAX(sequence_num), MIN(created_at), MAX(created_at), MAX(final)
		FROM history_events`
	var args []any
	if filter.AfterID != "" {
		query += ` WHERE instance_id > ?`
		args = append(args, filter.AfterID)
	}
	query += ` GROUP BY instance_id`
	switch filter.Status {
	case InstanceOpen:
		query += ` HAVING MAX(final) = 0`
	case InstanceClosed:
		query += ` HAVING MAX(final) = 1`
	}
	if filter.Order == OrderByID {
		query += ` ORDER BY instance_id ASC`
	} else {
		query += ` ORDER BY MIN(created_at) ASC, instance_id ASC`
	}
	query += ` LIMIT ? OFFSET ?`
	limit := -1
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var results []InstanceSummary
	for rows.Next() {
		var sum InstanceSummary
		var startedStr, updatedStr string
		var final int64
		if err := rows.Scan(&sum.InstanceID, &sum.EventCount, &sum.LastSequence, &startedStr, &updatedStr, &final); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		if sum.StartedAt, err = time.Parse(sqliteTimeLayout, startedStr); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if sum.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedStr); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		sum.Status = InstanceOpen
		if final == 1 {
			sum.Status = InstanceClosed
			t := sum.UpdatedAt
			sum.ClosedAt = &t
		}
		results = append(results, sum)
	}
	return results, rows.Err()
}

// isUniqueViolation checks if an error is a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite returns errors containing "UNIQUE constraint failed"
	return strings.Contains(err.Error(), "UNIQUE")
}

// ---------------------------------------------------------------------------
// Compile-time interface assertions
// ---------------------------------------------------------------------------

var (
	_ HistoryStore = (*InMemoryHistoryStore)(nil)
	_ HistoryStore = (*SQLiteHistoryStore)(nil)
)
