package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/marketdeck/tradebus/pkg/tradebus/event"
)

// SQLiteStore persists the event log to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.RWMutex
	closed bool
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithLogger sets the logger used for degradation warnings
// (payload serialization failures, skipped rows).
func WithLogger(logger *slog.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		s.logger = logger
	}
}

// NewSQLiteStore opens (or creates) the event log at path.
// The path should be a file path (e.g., "./events.db") or ":memory:" for testing.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS event_store (
			event_id          TEXT PRIMARY KEY,
			event_type        TEXT NOT NULL,
			aggregate_id      TEXT NOT NULL,
			aggregate_type    TEXT NOT NULL,
			event_data        TEXT NOT NULL,
			metadata          TEXT NOT NULL,
			version           INTEGER NOT NULL DEFAULT 1,
			occurred_at       TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			is_processed      INTEGER NOT NULL DEFAULT 0,
			processed_at      TEXT,
			processing_result TEXT
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create event_store table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS event_processing_log (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id           TEXT NOT NULL REFERENCES event_store(event_id),
			handler_name       TEXT NOT NULL,
			success            INTEGER NOT NULL,
			error_message      TEXT,
			processing_time_ms REAL NOT NULL,
			retry_attempt      INTEGER NOT NULL,
			processed_at       TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create event_processing_log table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_event_store_aggregate ON event_store(aggregate_id, aggregate_type)`,
		`CREATE INDEX IF NOT EXISTS idx_event_store_type ON event_store(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_event_store_occurred ON event_store(occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_event_store_processed ON event_store(is_processed)`,
		`CREATE INDEX IF NOT EXISTS idx_processing_log_event ON event_processing_log(event_id)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// rowMeta is the JSON shape of the metadata column: the envelope fields that
// don't get their own column, plus the event's open annotation map.
type rowMeta struct {
	Source        string         `json:"source,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Annotations   map[string]any `json:"annotations,omitempty"`
}

// AppendEvent implements Store.
func (s *SQLiteStore) AppendEvent(ctx context.Context, evt event.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	eventID := evt.ID()
	if eventID == "" {
		eventID = uuid.New().String()
	}

	data, err := json.Marshal(evt.Data())
	if err != nil {
		// Durability of the event's occurrence beats durability of its
		// content: keep the row, store a placeholder payload.
		s.warn("payload serialization failed, storing placeholder",
			slog.String("event_id", eventID),
			slog.String("event_type", evt.Type()),
			slog.String("error", err.Error()))
		data = []byte("{}")
	}

	meta, err := json.Marshal(rowMeta{
		Source:        evt.Source(),
		CorrelationID: evt.CorrelationID(),
		CausationID:   evt.CausationID(),
		Annotations:   evt.Metadata(),
	})
	if err != nil {
		s.warn("metadata serialization failed, storing placeholder",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()))
		meta = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_store (
			event_id, event_type, aggregate_id, aggregate_type,
			event_data, metadata, version, occurred_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		eventID, evt.Type(), evt.AggregateID(), evt.AggregateType(),
		string(data), string(meta), evt.Version(),
		evt.OccurredAt().UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("append event: %w", err)
	}

	return eventID, nil
}

// GetEvent implements Store.
func (s *SQLiteStore) GetEvent(ctx context.Context, eventID string) (*StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, event_type, aggregate_id, aggregate_type,
		       event_data, metadata, version, occurred_at, created_at,
		       is_processed, processed_at, processing_result
		FROM event_store
		WHERE event_id = ?
	`, eventID)

	stored, err := scanStoredEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	if stored.Event() == nil {
		// An undecodable payload reads as absent, same as the list paths.
		s.warn("skipping event with undecodable payload",
			slog.String("event_id", stored.Envelope.EventID),
			slog.String("event_type", stored.Envelope.EventType))
		return nil, ErrNotFound
	}
	return stored, nil
}

// EventsByAggregate implements Store.
func (s *SQLiteStore) EventsByAggregate(ctx context.Context, aggregateID, aggregateType string) ([]*StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, aggregate_id, aggregate_type,
		       event_data, metadata, version, occurred_at, created_at,
		       is_processed, processed_at, processing_result
		FROM event_store
		WHERE aggregate_id = ? AND aggregate_type = ?
		ORDER BY occurred_at ASC, version ASC
	`, aggregateID, aggregateType)
	if err != nil {
		return nil, fmt.Errorf("query aggregate events: %w", err)
	}
	defer rows.Close()

	return s.collectRows(rows)
}

// UnprocessedEvents implements Store.
func (s *SQLiteStore) UnprocessedEvents(ctx context.Context, limit int) ([]*StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, aggregate_id, aggregate_type,
		       event_data, metadata, version, occurred_at, created_at,
		       is_processed, processed_at, processing_result
		FROM event_store
		WHERE is_processed = 0
		ORDER BY occurred_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed events: %w", err)
	}
	defer rows.Close()

	return s.collectRows(rows)
}

// MarkProcessed implements Store.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, eventID string, result event.ProcessingResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	summary, err := json.Marshal(result)
	if err != nil {
		summary = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark processed: %w", err)
	}
	defer tx.Rollback()

	processedAt := result.ProcessedAt.UTC().Format(time.RFC3339Nano)

	if _, err := tx.ExecContext(ctx, `
		UPDATE event_store
		SET is_processed = 1, processed_at = ?, processing_result = ?
		WHERE event_id = ?
	`, processedAt, string(summary), eventID); err != nil {
		return fmt.Errorf("update processed flag: %w", err)
	}

	var errMsg any
	if result.ErrorMessage != "" {
		errMsg = result.ErrorMessage
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_processing_log (
			event_id, handler_name, success, error_message,
			processing_time_ms, retry_attempt, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		eventID, result.Handler, boolToInt(result.Success), errMsg,
		float64(result.ProcessingTime.Microseconds())/1000.0,
		result.RetryAttempt, processedAt,
	); err != nil {
		return fmt.Errorf("append processing log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark processed: %w", err)
	}
	return nil
}

// ProcessingLog returns the recorded attempts for an event, oldest first.
func (s *SQLiteStore) ProcessingLog(ctx context.Context, eventID string) ([]event.ProcessingResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT handler_name, success, error_message, processing_time_ms, retry_attempt, processed_at
		FROM event_processing_log
		WHERE event_id = ?
		ORDER BY id ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("query processing log: %w", err)
	}
	defer rows.Close()

	var results []event.ProcessingResult
	for rows.Next() {
		var (
			r         event.ProcessingResult
			success   int
			errMsg    sql.NullString
			elapsedMs float64
			at        string
		)
		if err := rows.Scan(&r.Handler, &success, &errMsg, &elapsedMs, &r.RetryAttempt, &at); err != nil {
			return nil, fmt.Errorf("scan processing log: %w", err)
		}
		r.EventID = eventID
		r.Success = success != 0
		r.ErrorMessage = errMsg.String
		r.ProcessingTime = time.Duration(elapsedMs * float64(time.Millisecond))
		r.ProcessedAt, _ = time.Parse(time.RFC3339Nano, at)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processing log: %w", err)
	}
	return results, nil
}

// Statistics implements Store.
func (s *SQLiteStore) Statistics(ctx context.Context) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &Statistics{CountsByType: make(map[string]int64)}

	var earliest, latest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(is_processed), 0),
		       COUNT(DISTINCT event_type),
		       COUNT(DISTINCT aggregate_id),
		       MIN(occurred_at),
		       MAX(occurred_at)
		FROM event_store
	`).Scan(&stats.TotalEvents, &stats.ProcessedEvents, &stats.EventTypes,
		&stats.Aggregates, &earliest, &latest)
	if err != nil {
		return nil, fmt.Errorf("aggregate statistics: %w", err)
	}
	stats.PendingEvents = stats.TotalEvents - stats.ProcessedEvents
	if earliest.Valid {
		stats.EarliestOccurred, _ = time.Parse(time.RFC3339Nano, earliest.String)
	}
	if latest.Valid {
		stats.LatestOccurred, _ = time.Parse(time.RFC3339Nano, latest.String)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) FROM event_store GROUP BY event_type
	`)
	if err != nil {
		return nil, fmt.Errorf("per-type statistics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ string
		var count int64
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("scan per-type count: %w", err)
		}
		stats.CountsByType[typ] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate per-type counts: %w", err)
	}

	return stats, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// collectRows scans and decodes result rows, skipping undecodable payloads.
func (s *SQLiteStore) collectRows(rows *sql.Rows) ([]*StoredEvent, error) {
	var events []*StoredEvent
	for rows.Next() {
		stored, err := scanStoredEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if stored.Event() == nil {
			s.warn("skipping event with undecodable payload",
				slog.String("event_id", stored.Envelope.EventID),
				slog.String("event_type", stored.Envelope.EventType))
			continue
		}
		events = append(events, stored)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanStoredEvent(row rowScanner) (*StoredEvent, error) {
	var (
		stored      StoredEvent
		data        string
		meta        string
		occurredAt  string
		createdAt   string
		isProcessed int
		processedAt sql.NullString
		result      sql.NullString
	)

	err := row.Scan(
		&stored.Envelope.EventID, &stored.Envelope.EventType,
		&stored.Envelope.AggregateID, &stored.Envelope.AggregateType,
		&data, &meta, &stored.Envelope.SchemaVersion,
		&occurredAt, &createdAt, &isProcessed, &processedAt, &result,
	)
	if err != nil {
		return nil, err
	}

	stored.Data = []byte(data)
	stored.Envelope.OccurredAt, _ = time.Parse(time.RFC3339Nano, occurredAt)
	stored.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	stored.Processed = isProcessed != 0
	if processedAt.Valid {
		stored.ProcessedAt, _ = time.Parse(time.RFC3339Nano, processedAt.String)
	}
	stored.ProcessingResult = result.String

	var rm rowMeta
	if err := json.Unmarshal([]byte(meta), &rm); err == nil {
		stored.Envelope.EventSource = rm.Source
		stored.Envelope.CorrelationID = rm.CorrelationID
		stored.Envelope.CausationID = rm.CausationID
		stored.Envelope.Metadata = rm.Annotations
	}

	return &stored, nil
}

func (s *SQLiteStore) warn(msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(msg, attrs...)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
