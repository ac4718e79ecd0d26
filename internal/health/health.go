// Package health reports service and dependency status for the /health
// endpoints and gates startup on store connectivity.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/quotad/quotad/internal/ratelimit"
)

const (
	pingTimeout = 5 * time.Second

	// A ping slower than this marks the store degraded: reachable, but
	// checks are going to hurt.
	slowPingMS = 1000
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

type Dependency struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
}

type Status struct {
	Status        string                `json:"status"`
	Timestamp     time.Time             `json:"timestamp"`
	Version       string                `json:"version"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Dependencies  map[string]Dependency `json:"dependencies"`
}

type Checker struct {
	store   ratelimit.Store
	version string
	started time.Time
}

func NewChecker(store ratelimit.Store, version string) *Checker {
	return &Checker{store: store, version: version, started: time.Now()}
}

// Check pings the counter store and folds the result into an overall
// status. The store is the only dependency and every check needs it, so
// an unreachable store makes the whole service unhealthy.
func (c *Checker) Check(ctx context.Context) Status {
	now := time.Now()
	st := Status{
		Status:        StatusHealthy,
		Timestamp:     now,
		Version:       c.version,
		UptimeSeconds: int64(now.Sub(c.started).Seconds()),
		Dependencies:  map[string]Dependency{},
	}

	dep := c.checkStore(ctx)
	st.Dependencies["store"] = dep
	switch dep.Status {
	case StatusUnhealthy:
		st.Status = StatusUnhealthy
	case StatusDegraded:
		st.Status = StatusDegraded
	}
	return st
}

// ValidateStartup fails fast when the store is unreachable, so a
// misconfigured deployment dies at boot instead of erroring on every check.
func (c *Checker) ValidateStartup(ctx context.Context) error {
	if dep := c.checkStore(ctx); dep.Status == StatusUnhealthy {
		return fmt.Errorf("startup validation: store: %s", dep.Error)
	}
	return nil
}

func (c *Checker) checkStore(ctx context.Context) Dependency {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	start := time.Now()
	err := c.store.Ping(ctx)
	dep := Dependency{
		Name:      "store",
		Status:    StatusHealthy,
		LatencyMS: time.Since(start).Milliseconds(),
		LastCheck: time.Now(),
	}
	switch {
	case err != nil:
		dep.Status = StatusUnhealthy
		dep.Error = err.Error()
	case dep.LatencyMS > slowPingMS:
		dep.Status = StatusDegraded
	}
	return dep
}
