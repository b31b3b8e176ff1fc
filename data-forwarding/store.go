// Package dataforwarding owns the durable side of the gateway: the sqlite
// time-series store (variable history, system metrics, audit trail, the
// configured connection set) and the external sinks fed by the notification
// queue.
package dataforwarding

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/sirupsen/logrus"
)

const (
	historyBatchSize  = 256
	historyBatchDelay = 50 * time.Millisecond
	historyQueueDepth = 8192
)

// Schema is applied additively; every statement must be idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS variable_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		variable_id TEXT NOT NULL,
		variable_name TEXT NOT NULL,
		value TEXT NOT NULL,
		numeric_value REAL,
		timestamp INTEGER NOT NULL,
		quality TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_history_var_ts ON variable_history (variable_id, timestamp DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_history_ts ON variable_history (timestamp DESC);`,

	`CREATE TABLE IF NOT EXISTS system_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		metric_type TEXT NOT NULL,
		value REAL NOT NULL,
		metadata TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_ts ON system_metrics (timestamp DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_type_ts ON system_metrics (metric_type, timestamp DESC);`,

	`CREATE TABLE IF NOT EXISTS audit (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		action TEXT NOT NULL,
		variable_id TEXT,
		variable_name TEXT,
		actor TEXT NOT NULL,
		actor_address TEXT,
		old_value TEXT,
		new_value TEXT,
		details TEXT,
		status TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit (timestamp DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_var_ts ON audit (variable_id, timestamp DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_actor_ts ON audit (actor, timestamp DESC);`,

	`CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		target_address TEXT NOT NULL,
		target_port INTEGER NOT NULL,
		source_port INTEGER NOT NULL,
		enabled INTEGER NOT NULL,
		discovery_config TEXT
	);`,

	`CREATE TABLE IF NOT EXISTS variables (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		type TEXT NOT NULL,
		sample_period_ms INTEGER NOT NULL,
		use_notification INTEGER NOT NULL,
		topic TEXT NOT NULL
	);`,
}

// Store is safe for concurrent readers; history writes funnel through one
// writer goroutine that batches transactions.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes the low-rate direct writes

	historyCh chan HistoryEntry
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// OpenStore creates/opens the single database file under dir and applies the
// schema.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %v", err)
	}
	path := filepath.Join(dir, "gateway.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %v", err)
		}
	}

	s := &Store{
		db:        db,
		historyCh: make(chan HistoryEntry, historyQueueDepth),
		done:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.historyWriter()

	logrus.Infof("STORE: opened %s", path)
	return s, nil
}

// AppendHistory queues a sample for the batch writer. When the writer queue
// is saturated the sample is dropped with a warning; the ring buffer still
// holds it.
func (s *Store) AppendHistory(e HistoryEntry) {
	select {
	case s.historyCh <- e:
	default:
		logrus.Warnf("STORE: history queue full, dropping sample for %s", e.VariableID)
	}
}

// AppendHistoryBatch queues several samples at once.
func (s *Store) AppendHistoryBatch(entries []HistoryEntry) {
	for _, e := range entries {
		s.AppendHistory(e)
	}
}

// historyWriter batches inserts into one transaction, up to historyBatchSize
// entries or historyBatchDelay, whichever comes first.
func (s *Store) historyWriter() {
	defer s.wg.Done()

	batch := make([]HistoryEntry, 0, historyBatchSize)
	ticker := time.NewTicker(historyBatchDelay)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.writeHistoryBatch(batch); err != nil {
			logrus.Errorf("STORE: history batch write failed: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-s.historyCh:
			batch = append(batch, e)
			if len(batch) >= historyBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// drain what is left
			for {
				select {
				case e := <-s.historyCh:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Store) writeHistoryBatch(batch []HistoryEntry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO variable_history
		(variable_id, variable_name, value, numeric_value, timestamp, quality)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		var numeric sql.NullFloat64
		if f, ok := toFloat(e.Value); ok {
			numeric = sql.NullFloat64{Float64: f, Valid: true}
		}
		if _, err := stmt.Exec(e.VariableID, e.VariableName, formatValue(e.Value), numeric, e.Timestamp, e.Quality); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// QueryHistory returns samples newest-first. A start of 0 sets no lower
// bound; an end of 0 is taken as the current time.
func (s *Store) QueryHistory(variableID string, start, end int64, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if end == 0 {
		end = time.Now().UnixMilli()
	}

	rows, err := s.db.Query(`SELECT variable_id, variable_name, value, numeric_value, timestamp, quality
		FROM variable_history
		WHERE variable_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC LIMIT ?`, variableID, start, end, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var value string
		var numeric sql.NullFloat64
		if err := rows.Scan(&e.VariableID, &e.VariableName, &value, &numeric, &e.Timestamp, &e.Quality); err != nil {
			return nil, err
		}
		if numeric.Valid {
			e.Value = numeric.Float64
		} else {
			e.Value = value
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Statistics aggregates the persisted samples of a variable. Min/max/avg are
// computed over numeric samples only; the latest value is returned regardless
// of type.
func (s *Store) Statistics(variableID string) (HistoryStats, error) {
	var stats HistoryStats

	row := s.db.QueryRow(`SELECT COUNT(*),
		COUNT(numeric_value),
		COALESCE(MIN(numeric_value), 0),
		COALESCE(MAX(numeric_value), 0),
		COALESCE(AVG(numeric_value), 0)
		FROM variable_history WHERE variable_id = ?`, variableID)
	if err := row.Scan(&stats.Count, &stats.NumericCount, &stats.Min, &stats.Max, &stats.Avg); err != nil {
		return stats, err
	}

	if stats.Count > 0 {
		var value string
		var numeric sql.NullFloat64
		row = s.db.QueryRow(`SELECT value, numeric_value, timestamp FROM variable_history
			WHERE variable_id = ? ORDER BY timestamp DESC LIMIT 1`, variableID)
		if err := row.Scan(&value, &numeric, &stats.LatestTimestamp); err != nil {
			return stats, err
		}
		if numeric.Valid {
			stats.Latest = numeric.Float64
		} else {
			stats.Latest = value
		}
	}
	return stats, nil
}

// AppendMetric writes one system metric row.
func (s *Store) AppendMetric(m SystemMetric) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`INSERT INTO system_metrics (timestamp, metric_type, value, metadata)
		VALUES (?, ?, ?, ?)`, m.Timestamp, m.MetricType, m.Value, m.Metadata)
	return err
}

// QueryMetrics returns metric rows newest-first, optionally filtered by type.
func (s *Store) QueryMetrics(metricType string, since int64, limit int) ([]SystemMetric, error) {
	if limit <= 0 {
		limit = 500
	}

	query := `SELECT timestamp, metric_type, value, COALESCE(metadata, '')
		FROM system_metrics WHERE timestamp >= ?`
	args := []interface{}{since}
	if metricType != "" {
		query += ` AND metric_type = ?`
		args = append(args, metricType)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SystemMetric
	for rows.Next() {
		var m SystemMetric
		if err := rows.Scan(&m.Timestamp, &m.MetricType, &m.Value, &m.Metadata); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Cleanup deletes rows strictly older than the retention cutoff from history,
// metrics and audit, then reclaims space. Returns the number of rows removed.
func (s *Store) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var removed int64
	for _, table := range []string{"variable_history", "system_metrics", "audit"} {
		res, err := s.db.Exec(`DELETE FROM `+table+` WHERE timestamp < ?`, cutoff)
		if err != nil {
			return removed, fmt.Errorf("cleanup %s: %v", table, err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	if _, err := s.db.Exec(`VACUUM`); err != nil {
		logrus.Warnf("STORE: vacuum failed: %v", err)
	}
	logrus.Infof("STORE: cleanup removed %d rows older than %d days", removed, retentionDays)
	return removed, nil
}

// Close flushes the history writer and closes the database.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.db.Close()
	})
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
