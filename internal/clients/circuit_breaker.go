package clients

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/isaccanedo/microsservico02/internal/discovery"
)

// NewCircuitBreaker returns a gobreaker configured to trip after 3 consecutive
// failures and reset after 30 seconds in the open state. State changes are
// logged so a flapping registry is visible without metrics.
func NewCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// Lease describes how long a registration lives without renewal and how often
// the agent renews it.
type Lease struct {
	RenewalInterval time.Duration
	Duration        time.Duration
}

// breakerErr rewrites gobreaker rejections as "circuit open".
func breakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("circuit open: %w", err)
	}
	return err
}

// probeResult converts the outcome of a breaker-wrapped check into a
// ProbeResult.
func probeResult(name string, start time.Time, err error) discovery.ProbeResult {
	latency := time.Since(start).Milliseconds()
	if err != nil {
		errMsg := err.Error()
		if errors.Is(err, gobreaker.ErrOpenState) {
			errMsg = "circuit open"
		}
		return discovery.ProbeResult{
			Name:      name,
			OK:        false,
			LatencyMs: latency,
			Error:     errMsg,
		}
	}
	return discovery.ProbeResult{
		Name:      name,
		OK:        true,
		LatencyMs: latency,
	}
}

// notRegistered builds the error Renew returns when a registry has no record
// of the instance.
func notRegistered(registry string, inst discovery.Instance) error {
	return fmt.Errorf("%s: %s/%s: %w", registry, inst.Service, inst.ID, discovery.ErrNotRegistered)
}
