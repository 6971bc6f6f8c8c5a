package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tidwall/gjson"

	"Droidlink/pkg/logging"
)

// ========================================
// Store - SQLite journal
// ========================================

// Store persists events to SQLite. Writes are buffered and flushed in
// batches by a background goroutine.
type Store struct {
	db     *sql.DB
	dbPath string

	writeBuffer    []Event
	writeBufferMu  sync.Mutex
	flushInterval  time.Duration
	flushThreshold int
	stopChan       chan struct{}
	doneChan       chan struct{}
	closeOnce      sync.Once

	stmtInsertEvent *sql.Stmt
}

const schemaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA temp_store = MEMORY;

CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    serial TEXT NOT NULL,
    kind TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    duration_ms INTEGER DEFAULT 0,
    success INTEGER NOT NULL,
    details TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_serial_time ON events(serial, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(serial, kind);
`

// OpenStore opens (creating if needed) the journal database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-16000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// SQLite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:             db,
		dbPath:         path,
		writeBuffer:    make([]Event, 0, 256),
		flushInterval:  500 * time.Millisecond,
		flushThreshold: 200,
		stopChan:       make(chan struct{}),
		doneChan:       make(chan struct{}),
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init journal schema: %w", err)
	}

	s.stmtInsertEvent, err = db.Prepare(`
		INSERT OR REPLACE INTO events (id, serial, kind, timestamp, duration_ms, success, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert event: %w", err)
	}

	s.startBackgroundWriter()
	logging.Debug("journal").Str("path", path).Msg("Journal opened")
	return s, nil
}

// Path returns the database file path
func (s *Store) Path() string { return s.dbPath }

func (s *Store) startBackgroundWriter() {
	ticker := time.NewTicker(s.flushInterval)
	go func() {
		defer close(s.doneChan)
		for {
			select {
			case <-ticker.C:
				s.Flush()
			case <-s.stopChan:
				ticker.Stop()
				s.Flush()
				return
			}
		}
	}()
}

// Record buffers e for the next flush.
func (s *Store) Record(e Event) {
	s.writeBufferMu.Lock()
	s.writeBuffer = append(s.writeBuffer, e)
	shouldFlush := len(s.writeBuffer) >= s.flushThreshold
	s.writeBufferMu.Unlock()

	if shouldFlush {
		go s.Flush()
	}
}

// Flush writes all buffered events.
func (s *Store) Flush() {
	s.writeBufferMu.Lock()
	if len(s.writeBuffer) == 0 {
		s.writeBufferMu.Unlock()
		return
	}
	events := s.writeBuffer
	s.writeBuffer = make([]Event, 0, 256)
	s.writeBufferMu.Unlock()

	if err := s.writeBatch(events); err != nil {
		logging.Error("journal").Err(err).Int("events", len(events)).Msg("Failed to flush events")
	}
}

func (s *Store) writeBatch(events []Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.Stmt(s.stmtInsertEvent)
	for _, e := range events {
		var details interface{}
		if len(e.Details) > 0 {
			details = string(e.Details)
		}
		success := 0
		if e.Success {
			success = 1
		}
		if _, err := stmt.Exec(e.ID, e.Serial, string(e.Kind), e.Timestamp.UnixMilli(), e.DurationMs, success, details); err != nil {
			return fmt.Errorf("insert event %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// Recent returns up to limit events for serial, newest first. An empty serial
// matches every device.
func (s *Store) Recent(serial string, limit int) ([]Event, error) {
	s.Flush()
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, serial, kind, timestamp, duration_ms, success, details FROM events`
	args := []interface{}{}
	if serial != "" {
		query += ` WHERE serial = ?`
		args = append(args, serial)
	}
	query += ` ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			kind    string
			ts      int64
			success int
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Serial, &kind, &ts, &e.DurationMs, &success, &details); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = Kind(kind)
		e.Timestamp = time.UnixMilli(ts)
		e.Success = success == 1
		if details.Valid {
			e.Details = []byte(details.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Stats aggregates the journal of serial.
func (s *Store) Stats(serial string) (*Stats, error) {
	s.Flush()
	stats := &Stats{Serial: serial, ByKind: make(map[string]int)}

	rows, err := s.db.Query(`
		SELECT kind, COUNT(*), SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), AVG(duration_ms)
		FROM events WHERE serial = ?
		GROUP BY kind
	`, serial)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	var weighted float64
	for rows.Next() {
		var (
			kind     string
			count    int
			failures int
			avg      float64
		)
		if err := rows.Scan(&kind, &count, &failures, &avg); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.ByKind[kind] = count
		stats.Total += count
		stats.Failures += failures
		weighted += avg * float64(count)
	}
	rows.Close()
	if stats.Total > 0 {
		stats.AvgDurationMs = weighted / float64(stats.Total)
	}

	// details is free-form JSON; pull the fields we aggregate with gjson
	detailRows, err := s.db.Query(`
		SELECT success, details FROM events
		WHERE serial = ? AND details IS NOT NULL
		ORDER BY timestamp ASC, rowid ASC
	`, serial)
	if err != nil {
		return nil, fmt.Errorf("query details: %w", err)
	}
	defer detailRows.Close()
	for detailRows.Next() {
		var (
			success int
			details string
		)
		if err := detailRows.Scan(&success, &details); err != nil {
			return nil, fmt.Errorf("scan details: %w", err)
		}
		if b := gjson.Get(details, "bytes"); b.Exists() {
			stats.BytesMoved += b.Int()
		}
		if success == 0 {
			if msg := gjson.Get(details, "error"); msg.Exists() {
				stats.LastError = msg.String()
			}
		}
	}
	return stats, detailRows.Err()
}

// Prune deletes events older than before and returns how many were removed.
func (s *Store) Prune(before time.Time) (int64, error) {
	s.Flush()
	res, err := s.db.Exec(`DELETE FROM events WHERE timestamp < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes pending events and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopChan)
		<-s.doneChan
		if s.stmtInsertEvent != nil {
			s.stmtInsertEvent.Close()
		}
		err = s.db.Close()
	})
	return err
}
