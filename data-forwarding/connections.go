package dataforwarding

// SaveConnection upserts a configured endpoint so restarts reconstruct state.
func (s *Store) SaveConnection(c StoredConnection) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`INSERT INTO connections
		(id, name, host, port, target_address, target_port, source_port, enabled, discovery_config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			host = excluded.host,
			port = excluded.port,
			target_address = excluded.target_address,
			target_port = excluded.target_port,
			source_port = excluded.source_port,
			enabled = excluded.enabled,
			discovery_config = excluded.discovery_config`,
		c.ID, c.Name, c.Host, c.Port, c.TargetAddress, c.TargetPort, c.SourcePort,
		boolToInt(c.Enabled), c.DiscoveryConfig)
	return err
}

// DeleteConnection removes the endpoint and its variables.
func (s *Store) DeleteConnection(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM variables WHERE connection_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM connections WHERE id = ?`, id)
	return err
}

// LoadConnections returns every configured endpoint.
func (s *Store) LoadConnections() ([]StoredConnection, error) {
	rows, err := s.db.Query(`SELECT id, name, host, port, target_address, target_port,
		source_port, enabled, COALESCE(discovery_config, '') FROM connections`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredConnection
	for rows.Next() {
		var c StoredConnection
		var enabled int
		if err := rows.Scan(&c.ID, &c.Name, &c.Host, &c.Port, &c.TargetAddress,
			&c.TargetPort, &c.SourcePort, &enabled, &c.DiscoveryConfig); err != nil {
			return nil, err
		}
		c.Enabled = enabled != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveVariable upserts a variable subscription.
func (s *Store) SaveVariable(v StoredVariable) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`INSERT INTO variables
		(id, connection_id, name, path, type, sample_period_ms, use_notification, topic)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			connection_id = excluded.connection_id,
			name = excluded.name,
			path = excluded.path,
			type = excluded.type,
			sample_period_ms = excluded.sample_period_ms,
			use_notification = excluded.use_notification,
			topic = excluded.topic`,
		v.ID, v.ConnectionID, v.Name, v.Path, v.Type, v.SamplePeriodMs,
		boolToInt(v.UseNotification), v.Topic)
	return err
}

// DeleteVariable removes one variable subscription.
func (s *Store) DeleteVariable(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`DELETE FROM variables WHERE id = ?`, id)
	return err
}

// LoadVariables returns every persisted variable subscription.
func (s *Store) LoadVariables() ([]StoredVariable, error) {
	rows, err := s.db.Query(`SELECT id, connection_id, name, path, type,
		sample_period_ms, use_notification, topic FROM variables`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredVariable
	for rows.Next() {
		var v StoredVariable
		var useNotification int
		if err := rows.Scan(&v.ID, &v.ConnectionID, &v.Name, &v.Path, &v.Type,
			&v.SamplePeriodMs, &useNotification, &v.Topic); err != nil {
			return nil, err
		}
		v.UseNotification = useNotification != 0
		out = append(out, v)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
