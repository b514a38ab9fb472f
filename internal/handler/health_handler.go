package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Health returns basic health check
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Status    string         `json:"status"`
	LatencyMs int64          `json:"latency_ms"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Check probes one dependency
type Check func(ctx context.Context) HealthCheckResult

// Ready runs every check in parallel and answers 503 unless all are up
func Ready(checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		var (
			mu      sync.Mutex
			results = make(map[string]HealthCheckResult, len(checks))
		)
		g, gctx := errgroup.WithContext(ctx)
		for name, check := range checks {
			g.Go(func() error {
				result := check(gctx)
				mu.Lock()
				results[name] = result
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		allHealthy := true
		for _, result := range results {
			if result.Status != "up" {
				allHealthy = false
			}
		}

		response := map[string]any{
			"status":    "ready",
			"timestamp": time.Now().Format(time.RFC3339),
			"checks":    results,
		}
		status := http.StatusOK
		if !allHealthy {
			response["status"] = "not_ready"
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// DatabaseCheck pings db and reports pool usage
func DatabaseCheck(db *sql.DB) Check {
	return func(ctx context.Context) HealthCheckResult {
		start := time.Now()
		err := db.PingContext(ctx)
		latency := time.Since(start)

		if err != nil {
			return down(latency, err)
		}

		stats := db.Stats()
		return HealthCheckResult{
			Status:    "up",
			LatencyMs: latency.Milliseconds(),
			Metadata: map[string]any{
				"connections_open":   stats.OpenConnections,
				"connections_in_use": stats.InUse,
				"connections_idle":   stats.Idle,
				"max_open":           stats.MaxOpenConnections,
			},
		}
	}
}

// BrokerConn is the part of the broker connection a readiness check needs
type BrokerConn interface {
	IsClosed() bool
}

// RabbitMQCheck reports whether the broker connection is still open
func RabbitMQCheck(conn BrokerConn) Check {
	return func(ctx context.Context) HealthCheckResult {
		if conn == nil || conn.IsClosed() {
			return down(0, errors.New("connection closed"))
		}
		return HealthCheckResult{Status: "up"}
	}
}

// PingCheck adapts a Ping-style function, such as a cache client's
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) HealthCheckResult {
		start := time.Now()
		if err := ping(ctx); err != nil {
			return down(time.Since(start), err)
		}
		return HealthCheckResult{Status: "up", LatencyMs: time.Since(start).Milliseconds()}
	}
}

func down(latency time.Duration, err error) HealthCheckResult {
	return HealthCheckResult{
		Status:    "down",
		LatencyMs: latency.Milliseconds(),
		Error:     err.Error(),
	}
}
