package dataforwarding

import (
	"database/sql"
)

// AppendAudit writes one audit record.
func (s *Store) AppendAudit(rec AuditRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`INSERT INTO audit
		(id, timestamp, action, variable_id, variable_name, actor, actor_address, old_value, new_value, details, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp, rec.Action,
		nullable(rec.VariableID), nullable(rec.VariableName),
		rec.Actor, nullable(rec.ActorAddress),
		nullable(rec.OldValue), nullable(rec.NewValue),
		nullable(rec.Details), rec.Status)
	return err
}

// QueryAudit returns records newest-first. variableID and actor are optional
// filters; empty strings match everything.
func (s *Store) QueryAudit(variableID, actor string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, timestamp, action,
		COALESCE(variable_id, ''), COALESCE(variable_name, ''),
		actor, COALESCE(actor_address, ''),
		COALESCE(old_value, ''), COALESCE(new_value, ''),
		COALESCE(details, ''), status
		FROM audit WHERE 1=1`
	var args []interface{}
	if variableID != "" {
		query += ` AND variable_id = ?`
		args = append(args, variableID)
	}
	if actor != "" {
		query += ` AND actor = ?`
		args = append(args, actor)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Action,
			&r.VariableID, &r.VariableName,
			&r.Actor, &r.ActorAddress,
			&r.OldValue, &r.NewValue,
			&r.Details, &r.Status); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// QueryAuditStats aggregates the audit trail.
func (s *Store) QueryAuditStats() (AuditStats, error) {
	stats := AuditStats{ByAction: make(map[string]int64)}

	row := s.db.QueryRow(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM audit`)
	if err := row.Scan(&stats.Total, &stats.Succeeded, &stats.Failed); err != nil {
		return stats, err
	}

	rows, err := s.db.Query(`SELECT action, COUNT(*) FROM audit GROUP BY action`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return stats, err
		}
		stats.ByAction[action] = count
	}
	return stats, rows.Err()
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
