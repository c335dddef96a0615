package health

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/x402-io/x402/services/facilitator/internal/cache"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check represents a single health check
type Check struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response
type Response struct {
	Status  Status  `json:"status"`
	Checks  []Check `json:"checks,omitempty"`
	Version string  `json:"version,omitempty"`
}

// Checker performs health checks
type Checker struct {
	redis   *cache.Client
	rpcURL  string
	version string
}

// NewChecker creates a new health checker. rpcURL is pinged as a lightweight
// liveness check against the configured default chain; an empty rpcURL
// skips that check.
func NewChecker(redis *cache.Client, rpcURL string, version string) *Checker {
	return &Checker{
		redis:   redis,
		rpcURL:  rpcURL,
		version: version,
	}
}

// HealthHandler returns a handler for the /health endpoint (liveness)
func (h *Checker) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, Response{
			Status:  StatusHealthy,
			Version: h.version,
		})
	}
}

// ReadyHandler returns a handler for the /ready endpoint (readiness)
func (h *Checker) ReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		checks := h.runChecks(ctx)
		overallStatus := h.calculateOverallStatus(checks)

		status := http.StatusOK
		if overallStatus != StatusHealthy {
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, Response{
			Status:  overallStatus,
			Checks:  checks,
			Version: h.version,
		})
	}
}

// runChecks runs all health checks concurrently and waits for them all to
// finish, tolerating individual check failures rather than aborting early.
func (h *Checker) runChecks(ctx context.Context) []Check {
	checks := make([]Check, 2)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checks[0] = h.checkRedis(gctx)
		return nil
	})
	g.Go(func() error {
		checks[1] = h.checkRPC(gctx)
		return nil
	})
	_ = g.Wait()

	return checks
}

// checkRedis checks Redis connectivity
func (h *Checker) checkRedis(ctx context.Context) Check {
	check := Check{Name: "redis"}

	if h.redis == nil {
		check.Status = StatusUnhealthy
		check.Message = "redis client not configured"
		return check
	}

	if err := h.redis.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
		return check
	}

	check.Status = StatusHealthy
	return check
}

// checkRPC pings the configured chain RPC with a single block-number call.
// A missing RPC is reported as degraded rather than unhealthy since the
// facilitator may still serve other configured chains.
func (h *Checker) checkRPC(ctx context.Context) Check {
	check := Check{Name: "rpc"}

	if h.rpcURL == "" {
		check.Status = StatusDegraded
		check.Message = "no default RPC endpoint configured"
		return check
	}

	client, err := ethclient.DialContext(ctx, h.rpcURL)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
		return check
	}
	defer client.Close()

	if _, err := client.BlockNumber(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
		return check
	}

	check.Status = StatusHealthy
	return check
}

// calculateOverallStatus determines the overall health status
func (h *Checker) calculateOverallStatus(checks []Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}
