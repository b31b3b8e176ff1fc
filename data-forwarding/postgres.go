package dataforwarding

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// postgresSink mirrors samples into an external Postgres table for sites
// that aggregate several gateways.
type postgresSink struct {
	db *sql.DB
}

func newPostgresSink(cfg SinkConfig) (Sink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres sink needs a dsn")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS gateway_samples (
		id BIGSERIAL PRIMARY KEY,
		connection_id TEXT NOT NULL,
		variable_id TEXT NOT NULL,
		variable_name TEXT NOT NULL,
		value TEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		quality TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare samples table: %v", err)
	}

	return &postgresSink{db: db}, nil
}

func (s *postgresSink) Name() string { return "postgres" }

func (s *postgresSink) Forward(sample Sample) error {
	_, err := s.db.Exec(`INSERT INTO gateway_samples
		(connection_id, variable_id, variable_name, value, timestamp, quality)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sample.ConnectionID, sample.VariableID, sample.VariableName,
		formatValue(sample.Value), sample.Timestamp, sample.Quality)
	return err
}

func (s *postgresSink) Close() {
	s.db.Close()
}
