package config

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"cocktail-auth/internal/observability"
)

// NewPostgresConnection creates a new PostgreSQL database connection
func NewPostgresConnection(dbURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, err
	}

	configurePool(db)

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func configurePool(db *sql.DB) {
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
}

// ReportPoolStats publishes connection pool gauges until ctx is done
func ReportPoolStats(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		recordPoolStats(db)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func recordPoolStats(db *sql.DB) {
	stats := db.Stats()
	observability.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	observability.DBConnectionsInUse.Set(float64(stats.InUse))
	observability.DBConnectionsIdle.Set(float64(stats.Idle))
}
