package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const tracerName = "microsservico02/discovery"

// DefaultHeartbeatInterval matches the renewal interval registries such as
// Eureka expect when the client does not say otherwise.
const DefaultHeartbeatInterval = 30 * time.Second

// Observer receives registration and heartbeat outcomes.
// *telemetry.Metrics satisfies it.
type Observer interface {
	ObserveRegistration(registry string, err error)
	ObserveHeartbeat(registry string, err error)
	SetRegistered(registry string, registered bool)
}

type noopObserver struct{}

func (noopObserver) ObserveRegistration(string, error) {}
func (noopObserver) ObserveHeartbeat(string, error)    {}
func (noopObserver) SetRegistered(string, bool)        {}

// Option configures an Agent.
type Option func(*Agent)

// WithHeartbeatInterval sets how often Run renews the instance lease.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithObserver installs an Observer for registration and heartbeat events.
func WithObserver(o Observer) Option {
	return func(a *Agent) {
		if o != nil {
			a.observer = o
		}
	}
}

// Agent keeps one instance registered with every configured registry: it
// registers on start, renews the lease on a fixed interval, re-registers when
// a registry has forgotten the instance and deregisters on shutdown.
type Agent struct {
	registries []Registry
	interval   time.Duration
	observer   Observer

	inProgress atomic.Bool
	stopped    atomic.Bool

	mu         sync.RWMutex
	instance   Instance
	registered map[string]bool
	limiters   map[string]*rate.Limiter
	lastResult *RegistrationResult
}

// NewAgent constructs an Agent for inst. No registry is contacted until
// Register or Run is called.
func NewAgent(inst Instance, registries []Registry, opts ...Option) *Agent {
	a := &Agent{
		registries: registries,
		interval:   DefaultHeartbeatInterval,
		observer:   noopObserver{},
		instance:   inst,
		registered: make(map[string]bool, len(registries)),
		limiters:   make(map[string]*rate.Limiter, len(registries)),
	}
	if a.instance.Status == "" {
		a.instance.Status = StatusStarting
	}
	for _, opt := range opts {
		opt(a)
	}
	for _, r := range registries {
		a.limiters[r.Name()] = rate.NewLimiter(rate.Every(a.interval), 1)
	}
	return a
}

// Register registers the instance with all registries concurrently. A failure
// in one registry is recorded in the result but does not cancel the others.
// Returns ErrRegistrationInProgress if a round is already running and
// ErrAgentStopped once Deregister has run.
func (a *Agent) Register(ctx context.Context) (*RegistrationResult, error) {
	if err := a.beginRound(); err != nil {
		return nil, err
	}
	defer a.inProgress.Store(false)

	return a.register(ctx)
}

// beginRound claims the in-progress flag. The caller must clear it.
func (a *Agent) beginRound() error {
	if a.stopped.Load() {
		return ErrAgentStopped
	}
	if !a.inProgress.CompareAndSwap(false, true) {
		return ErrRegistrationInProgress
	}
	// Deregister may have run between the two checks.
	if a.stopped.Load() {
		a.inProgress.Store(false)
		return ErrAgentStopped
	}
	return nil
}

func (a *Agent) register(ctx context.Context) (*RegistrationResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "discovery.register")
	defer span.End()

	a.mu.Lock()
	if a.instance.Status == StatusStarting {
		a.instance.Status = StatusUp
	}
	a.instance.UpdatedAt = time.Now().UTC()
	a.mu.Unlock()
	inst := a.Instance()

	slog.InfoContext(ctx, "registration started",
		"service", inst.Service, "instance_id", inst.ID, "registries", len(a.registries))

	result := &RegistrationResult{
		Status:     ResultInProgress,
		Registries: make(map[string]PhaseResult, len(a.registries)),
	}

	// A plain errgroup (no derived context) so one registry failing does not
	// cancel its siblings.
	var resultMu sync.Mutex
	var g errgroup.Group
	for _, r := range a.registries {
		g.Go(func() error {
			err := r.Register(ctx, inst)
			a.setRegistered(r.Name(), err == nil)
			a.observer.ObserveRegistration(r.Name(), err)

			phase := toPhase(r.Name(), err)
			logPhase(ctx, phase)
			resultMu.Lock()
			result.Registries[r.Name()] = phase
			resultMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	result.Status = ResultOK
	for _, phase := range result.Registries {
		if phase.Status == ResultError {
			result.Status = ResultError
			break
		}
	}
	result.FinishedAt = time.Now().UTC()

	span.SetAttributes(
		attribute.String("discovery.service", inst.Service),
		attribute.String("discovery.status", result.Status),
	)
	if result.Status == ResultError {
		span.SetStatus(codes.Error, "one or more registries rejected the instance")
		slog.WarnContext(ctx, "registration completed with errors", "status", result.Status)
	} else {
		span.SetStatus(codes.Ok, "")
		slog.InfoContext(ctx, "registration completed", "status", result.Status)
	}

	a.mu.Lock()
	a.lastResult = result
	a.mu.Unlock()

	return copyResult(result), nil
}

// Run renews the lease every heartbeat interval until ctx is done.
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Heartbeat(ctx)
		}
	}
}

// Heartbeat runs a single renewal round. Registries that never accepted the
// instance, or that report ErrNotRegistered, get a fresh Register instead,
// at most once per heartbeat interval each.
func (a *Agent) Heartbeat(ctx context.Context) {
	if a.stopped.Load() {
		return
	}
	inst := a.Instance()

	var g errgroup.Group
	for _, r := range a.registries {
		g.Go(func() error {
			name := r.Name()
			if !a.isRegistered(name) {
				a.reregister(ctx, r, inst)
				return nil
			}

			err := r.Renew(ctx, inst)
			a.observer.ObserveHeartbeat(name, err)
			switch {
			case err == nil:
				slog.DebugContext(ctx, "heartbeat ok", "registry", name)
			case errors.Is(err, ErrNotRegistered):
				slog.WarnContext(ctx, "registry lost the instance, re-registering", "registry", name)
				a.setRegistered(name, false)
				a.reregister(ctx, r, inst)
			default:
				slog.WarnContext(ctx, "heartbeat failed", "registry", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (a *Agent) reregister(ctx context.Context, r Registry, inst Instance) {
	name := r.Name()
	if !a.limiter(name).Allow() {
		slog.DebugContext(ctx, "re-registration throttled", "registry", name)
		return
	}
	err := r.Register(ctx, inst)
	a.setRegistered(name, err == nil)
	a.observer.ObserveRegistration(name, err)
	if err != nil {
		slog.WarnContext(ctx, "re-registration failed", "registry", name, "error", err)
		return
	}
	slog.InfoContext(ctx, "re-registered", "registry", name)
}

// Deregister removes the instance from every registry and marks it DOWN.
// Errors from individual registries are joined. Afterwards the agent refuses
// further registration rounds.
func (a *Agent) Deregister(ctx context.Context) error {
	a.stopped.Store(true)
	// A round that started before the flag was set must not re-add the
	// instance after it is removed.
	if err := a.waitRound(ctx); err != nil {
		return err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "discovery.deregister")
	defer span.End()

	a.mu.Lock()
	a.instance.Status = StatusDown
	a.instance.UpdatedAt = time.Now().UTC()
	a.mu.Unlock()
	inst := a.Instance()

	errs := make([]error, len(a.registries))
	var g errgroup.Group
	for i, r := range a.registries {
		g.Go(func() error {
			if err := r.Deregister(ctx, inst); err != nil {
				errs[i] = fmt.Errorf("%s: %w", r.Name(), err)
				slog.WarnContext(ctx, "deregistration failed", "registry", r.Name(), "error", err)
				return nil
			}
			a.setRegistered(r.Name(), false)
			slog.InfoContext(ctx, "deregistered", "registry", r.Name())
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (a *Agent) waitRound(ctx context.Context) error {
	for a.inProgress.Load() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for registration round: %w", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

// SetStatus changes the advertised status and pushes it to every registry.
// The local status is left untouched when the round cannot start.
func (a *Agent) SetStatus(ctx context.Context, st Status) (*RegistrationResult, error) {
	if _, err := ParseStatus(string(st)); err != nil {
		return nil, err
	}
	if err := a.beginRound(); err != nil {
		return nil, err
	}
	defer a.inProgress.Store(false)

	a.mu.Lock()
	a.instance.Status = st
	a.mu.Unlock()

	slog.InfoContext(ctx, "instance status changed", "status", st)
	return a.register(ctx)
}

// Services returns the union of service names across registries, sorted.
// Failing registries are skipped; an error is returned only when all fail.
func (a *Agent) Services(ctx context.Context) ([]string, error) {
	var (
		mu     sync.Mutex
		seen   = make(map[string]struct{})
		errs   []error
		failed int
		g      errgroup.Group
	)
	for _, r := range a.registries {
		g.Go(func() error {
			names, err := r.Services(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
				return nil
			}
			for _, n := range names {
				seen[n] = struct{}{}
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(a.registries) > 0 && failed == len(a.registries) {
		return nil, errors.Join(errs...)
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// Instances returns the instances of service known to any registry, merged by
// instance id and sorted by id. Returns ErrServiceNotFound when none is found.
func (a *Agent) Instances(ctx context.Context, service string) ([]Instance, error) {
	var (
		mu     sync.Mutex
		byID   = make(map[string]Instance)
		errs   []error
		failed int
		g      errgroup.Group
	)
	for _, r := range a.registries {
		g.Go(func() error {
			list, err := r.Instances(ctx, service)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
				return nil
			}
			for _, inst := range list {
				if prev, ok := byID[inst.ID]; !ok || inst.UpdatedAt.After(prev.UpdatedAt) {
					byID[inst.ID] = inst
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(a.registries) > 0 && failed == len(a.registries) {
		return nil, errors.Join(errs...)
	}
	if len(byID) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, service)
	}

	out := make([]Instance, 0, len(byID))
	for _, inst := range byID {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RunDeepHealth probes every registry concurrently.
func (a *Agent) RunDeepHealth(ctx context.Context) map[string]ProbeResult {
	results := make(map[string]ProbeResult, len(a.registries))
	var mu sync.Mutex
	var g errgroup.Group

	for _, r := range a.registries {
		g.Go(func() error {
			probe := r.Probe(ctx)
			mu.Lock()
			results[r.Name()] = probe
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// IsRegistrationInProgress returns true while a registration round is active.
func (a *Agent) IsRegistrationInProgress() bool {
	return a.inProgress.Load()
}

// IsReady returns true once a registration round has completed, every registry
// currently holds the instance and the instance is UP.
func (a *Agent) IsReady() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.lastResult == nil || a.instance.Status != StatusUp {
		return false
	}
	for _, r := range a.registries {
		if !a.registered[r.Name()] {
			return false
		}
	}
	return true
}

// Instance returns a copy of the instance as currently advertised.
func (a *Agent) Instance() Instance {
	a.mu.RLock()
	defer a.mu.RUnlock()
	inst := a.instance
	inst.Metadata = maps.Clone(a.instance.Metadata)
	return inst
}

// LastResult returns a copy of the most recent registration result, or nil.
func (a *Agent) LastResult() *RegistrationResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copyResult(a.lastResult)
}

// RegistryNames lists the configured registries in configuration order.
func (a *Agent) RegistryNames() []string {
	names := make([]string, len(a.registries))
	for i, r := range a.registries {
		names[i] = r.Name()
	}
	return names
}

// Close releases every registry's connections.
func (a *Agent) Close() error {
	var errs []error
	for _, r := range a.registries {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (a *Agent) isRegistered(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.registered[name]
}

func (a *Agent) setRegistered(name string, ok bool) {
	a.mu.Lock()
	a.registered[name] = ok
	a.mu.Unlock()
	a.observer.SetRegistered(name, ok)
}

func (a *Agent) limiter(name string) *rate.Limiter {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.limiters[name]
}

// logPhase emits a trace-correlated log for a registration phase.
// Errors log at WARN so they are visible without being fatal.
func logPhase(ctx context.Context, p PhaseResult) {
	if p.Status == ResultOK {
		slog.InfoContext(ctx, "registered", "registry", p.Name)
		return
	}
	slog.WarnContext(ctx, "registration failed", "registry", p.Name, "error", p.Error)
}

func toPhase(name string, err error) PhaseResult {
	if err == nil {
		return PhaseResult{Name: name, Status: ResultOK}
	}
	return PhaseResult{Name: name, Status: ResultError, Error: err.Error()}
}

func copyResult(r *RegistrationResult) *RegistrationResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Registries = maps.Clone(r.Registries)
	return &out
}
