package store

import (
	"os"
	"testing"
)

// TestPostgreSQLIntegration tests PostgreSQL store with a real database
// Set DATABASE_DSN environment variable to run: export DATABASE_DSN="postgresql://..."
func TestPostgreSQLIntegration(t *testing.T) {
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL integration test: DATABASE_DSN not set")
	}

	store, err := NewStore(Config{
		Type: "postgres",
		DSN:  dsn,
	})
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL store: %v", err)
	}
	defer store.Close()

	if err := store.HealthCheck(); err != nil {
		t.Fatalf("Health check failed: %v", err)
	}

	t.Run("JobOperations", func(t *testing.T) {
		testJobOperations(t, store)
	})
}
