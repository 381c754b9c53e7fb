package store

import (
	"database/sql"
	"fmt"
)

// SaveLayout upserts a named layout blob (the opaque output of
// internal/layout's binary codec).
func (s *Store) SaveLayout(name string, blob []byte) error {
	_, err := s.db.Exec(`INSERT INTO layouts (name, blob, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		name, blob)
	if err != nil {
		return fmt.Errorf("store: save layout %q: %w", name, err)
	}
	return nil
}

// LoadLayout returns the blob stored under name, or (nil, nil) if absent.
func (s *Store) LoadLayout(name string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT blob FROM layouts WHERE name = ?", name).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load layout %q: %w", name, err)
	}
	return blob, nil
}

// DeleteLayout removes a named layout blob.
func (s *Store) DeleteLayout(name string) error {
	_, err := s.db.Exec("DELETE FROM layouts WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("store: delete layout %q: %w", name, err)
	}
	return nil
}

// LayoutNames lists every saved layout's name.
func (s *Store) LayoutNames() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM layouts ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("store: list layouts: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: scan layout name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
