package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotRegistered is returned by Registry.Renew when the registry has no
	// record of the instance, typically because its lease expired.
	ErrNotRegistered = errors.New("instance not registered")

	// ErrRegistrationInProgress is returned when Register is called while a
	// registration round is already running.
	ErrRegistrationInProgress = errors.New("registration already in progress")

	// ErrAgentStopped is returned by Register and SetStatus once the agent
	// has deregistered the instance.
	ErrAgentStopped = errors.New("agent stopped")

	// ErrInvalidStatus is returned by ParseStatus for unknown status names.
	ErrInvalidStatus = errors.New("invalid instance status")

	// ErrServiceNotFound is returned when no registry knows the service.
	ErrServiceNotFound = errors.New("service not found")
)

// Status is the lifecycle state advertised for an instance.
type Status string

const (
	StatusUp           Status = "UP"
	StatusDown         Status = "DOWN"
	StatusStarting     Status = "STARTING"
	StatusOutOfService Status = "OUT_OF_SERVICE"
	StatusUnknown      Status = "UNKNOWN"
)

// ParseStatus converts s (case-insensitive) to a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusUp, StatusDown, StatusStarting, StatusOutOfService, StatusUnknown:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Instance is one running copy of a service as seen by a registry.
type Instance struct {
	ID        string            `json:"id"`
	Service   string            `json:"service"`
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	Secure    bool              `json:"secure"`
	Status    Status            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Addr returns host:port.
func (i Instance) Addr() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// URI returns the base URL other services use to reach the instance.
func (i Instance) URI() string {
	scheme := "http"
	if i.Secure {
		scheme = "https"
	}
	return scheme + "://" + i.Addr()
}

// Registry is a service registry backend. Implementations live in
// internal/clients.
type Registry interface {
	// Name identifies the registry in results, logs and metrics.
	Name() string
	Register(ctx context.Context, inst Instance) error
	// Renew extends the instance lease. It returns an error wrapping
	// ErrNotRegistered when the registry no longer holds the instance.
	Renew(ctx context.Context, inst Instance) error
	Deregister(ctx context.Context, inst Instance) error
	Instances(ctx context.Context, service string) ([]Instance, error)
	Services(ctx context.Context) ([]string, error)
	Probe(ctx context.Context) ProbeResult
	Close() error
}

// Result status values used across RegistrationResult and PhaseResult.
const (
	ResultOK         = "ok"
	ResultError      = "error"
	ResultInProgress = "in-progress"
)

// RegistrationResult is the aggregate result of one registration round.
type RegistrationResult struct {
	Status     string                 `json:"status"`
	Registries map[string]PhaseResult `json:"registries"`
	FinishedAt time.Time              `json:"finishedAt"`
}

// PhaseResult is the outcome of registering with a single registry.
type PhaseResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ProbeResult is returned by Registry.Probe.
type ProbeResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}
