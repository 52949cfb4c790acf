// Package health runs the dependency checks behind /health and
// /health/ready.
//
// Required checks (the database, the lock and queue broker) gate readiness.
// Optional checks (the payment gateway circuit) only mark the service
// degraded: a provider outage should not pull every replica out of the load
// balancer when reads and the sweeps can still run.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// Checker returns nil when the dependency is usable.
type Checker func(ctx context.Context) error

// Status is the outcome of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Required  bool   `json:"required"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Report aggregates a run of all checks.
type Report struct {
	// Ready is false when a required check failed.
	Ready bool `json:"ready"`
	// Degraded is true when any check failed.
	Degraded bool     `json:"degraded"`
	Checks   []Status `json:"checks"`
}

// Registry holds named checks and runs them on demand.
type Registry struct {
	mu      sync.RWMutex
	checks  []check
	timeout time.Duration
}

type check struct {
	name     string
	required bool
	fn       Checker
}

// NewRegistry creates a registry whose runs are bounded by timeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a check that gates readiness.
func (r *Registry) Register(name string, fn Checker) {
	r.add(check{name: name, required: true, fn: fn})
}

// RegisterOptional adds a check that can only degrade the service.
func (r *Registry) RegisterOptional(name string, fn Checker) {
	r.add(check{name: name, fn: fn})
}

func (r *Registry) add(c check) {
	r.mu.Lock()
	r.checks = append(r.checks, c)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently and returns them in registration
// order.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	checks := make([]check, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	statuses := make([]Status, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			start := time.Now()
			err := c.fn(ctx)
			statuses[i] = Status{
				Name:      c.name,
				Healthy:   err == nil,
				Required:  c.required,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				statuses[i].Detail = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Ready: true, Checks: statuses}
	for _, st := range statuses {
		if !st.Healthy {
			rep.Degraded = true
			if st.Required {
				rep.Ready = false
			}
		}
	}
	return rep
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

var _ Pinger = (*sql.DB)(nil)

// Ping checks a Pinger.
func Ping(p Pinger) Checker {
	return p.PingContext
}

// LiveHandler always answers 200 while the process is serving.
func LiveHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReadyHandler answers 503 when a required check fails.
func (r *Registry) ReadyHandler(c *gin.Context) {
	rep := r.CheckAll(c.Request.Context())
	code := http.StatusOK
	status := "ok"
	switch {
	case !rep.Ready:
		code = http.StatusServiceUnavailable
		status = "unavailable"
	case rep.Degraded:
		status = "degraded"
	}
	c.JSON(code, gin.H{"status": status, "checks": rep.Checks})
}
