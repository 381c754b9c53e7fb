package store

import "testing"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRunsMigrations(t *testing.T) {
	s := openTestStore(t)

	var count int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count == 0 {
		t.Fatal("expected at least one migration recorded")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	// A second Open against the same in-memory handle isn't meaningful (each
	// :memory: dsn is its own database), but re-running migrate() on an
	// already-migrated Store must not error.
	s := openTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
}
