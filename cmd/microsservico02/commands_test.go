package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isaccanedo/microsservico02/internal/clients"
	"github.com/isaccanedo/microsservico02/internal/config"
	"github.com/isaccanedo/microsservico02/internal/discovery"
	"github.com/isaccanedo/microsservico02/internal/telemetry"
)

// recordingRegistry is an in-memory discovery.Registry that records every
// lifecycle call.
type recordingRegistry struct {
	name        string
	registerErr error
	services    []string
	instances   map[string][]discovery.Instance

	// onRegister and onDeregister run inside the corresponding call.
	onRegister   func(discovery.Instance)
	onDeregister func(discovery.Instance)

	mu           sync.Mutex
	registered   []discovery.Instance
	deregistered []discovery.Instance
}

func (r *recordingRegistry) Name() string { return r.name }

func (r *recordingRegistry) Register(_ context.Context, inst discovery.Instance) error {
	r.mu.Lock()
	r.registered = append(r.registered, inst)
	r.mu.Unlock()
	if r.onRegister != nil {
		r.onRegister(inst)
	}
	return r.registerErr
}

func (r *recordingRegistry) Renew(context.Context, discovery.Instance) error { return nil }

func (r *recordingRegistry) Deregister(_ context.Context, inst discovery.Instance) error {
	if r.onDeregister != nil {
		r.onDeregister(inst)
	}
	r.mu.Lock()
	r.deregistered = append(r.deregistered, inst)
	r.mu.Unlock()
	return nil
}

func (r *recordingRegistry) Instances(_ context.Context, service string) ([]discovery.Instance, error) {
	return r.instances[service], nil
}

func (r *recordingRegistry) Services(context.Context) ([]string, error) {
	return r.services, nil
}

func (r *recordingRegistry) Probe(context.Context) discovery.ProbeResult {
	return discovery.ProbeResult{Name: r.name, OK: true}
}

func (r *recordingRegistry) Close() error { return nil }

func (r *recordingRegistry) calls() (registered, deregistered []discovery.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]discovery.Instance(nil), r.registered...),
		append([]discovery.Instance(nil), r.deregistered...)
}

// useApp installs cfg and app for the duration of the test. Commands read
// both from package state, so tests calling it must not run in parallel.
func useApp(t *testing.T, regs ...discovery.Registry) {
	t.Helper()

	d := testDiscoveryConfig()
	d.Host = "127.0.0.1"
	d.HeartbeatInterval = time.Hour
	d.DeregisterTimeout = 5 * time.Second

	prevCfg, prevApp, prevDereg := cfg, app, deregisterAfter
	cfg = &config.Config{
		Server: config.ServerConfig{
			Port:            0,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Discovery: d,
	}
	app = &AppContext{
		cfg:        cfg,
		metrics:    telemetry.NewMetrics(),
		registries: regs,
		startedAt:  time.Now().UTC(),
	}
	deregisterAfter = false
	t.Cleanup(func() { cfg, app, deregisterAfter = prevCfg, prevApp, prevDereg })
}

// capture returns a command whose output goes to the returned buffer.
func capture() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	return cmd, &buf
}

// --- register ---

func TestRunRegister(t *testing.T) {
	reg := &recordingRegistry{name: "eureka"}
	useApp(t, reg)

	cmd, out := capture()
	require.NoError(t, runRegister(cmd, nil))

	var result discovery.RegistrationResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, discovery.ResultOK, result.Status)
	assert.Equal(t, discovery.ResultOK, result.Registries["eureka"].Status)

	registered, deregistered := reg.calls()
	require.Len(t, registered, 1)
	assert.Equal(t, discovery.StatusUp, registered[0].Status)
	assert.Empty(t, deregistered, "the registration is left to lapse without --deregister")
}

func TestRunRegister_FailsWhenAnyRegistryFails(t *testing.T) {
	ok := &recordingRegistry{name: "eureka"}
	failing := &recordingRegistry{name: "redis", registerErr: errors.New("connection refused")}
	useApp(t, ok, failing)
	deregisterAfter = true

	cmd, out := capture()
	err := runRegister(cmd, nil)
	require.Error(t, err)

	var result discovery.RegistrationResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, discovery.ResultError, result.Status)
	assert.Equal(t, discovery.ResultOK, result.Registries["eureka"].Status)
	assert.Contains(t, result.Registries["redis"].Error, "connection refused")

	_, deregistered := ok.calls()
	assert.Empty(t, deregistered, "--deregister only runs after a successful round")
}

func TestRunRegister_Deregister(t *testing.T) {
	reg := &recordingRegistry{name: "eureka"}
	useApp(t, reg)
	deregisterAfter = true

	cmd, _ := capture()
	require.NoError(t, runRegister(cmd, nil))

	registered, deregistered := reg.calls()
	require.Len(t, registered, 1)
	require.Len(t, deregistered, 1)
	assert.Equal(t, registered[0].ID, deregistered[0].ID)
	assert.Equal(t, discovery.StatusDown, deregistered[0].Status)
}

// --- services / instances ---

func staticRegistry(t *testing.T) discovery.Registry {
	t.Helper()
	st, err := clients.NewStaticRegistry(config.StaticConfig{
		Services: map[string][]string{"billing": {"http://billing:9000"}},
	})
	require.NoError(t, err)
	return st
}

func TestServicesCmd(t *testing.T) {
	useApp(t, staticRegistry(t), &recordingRegistry{name: "redis", services: []string{"orders", "billing"}})

	cmd, out := capture()
	require.NoError(t, servicesCmd.RunE(cmd, nil))

	var names []string
	require.NoError(t, json.Unmarshal(out.Bytes(), &names), "output is a bare JSON array")
	assert.Equal(t, []string{"billing", "orders"}, names)
}

func TestInstancesCmd(t *testing.T) {
	useApp(t, staticRegistry(t))

	cmd, out := capture()
	require.NoError(t, instancesCmd.RunE(cmd, []string{"billing"}))

	var list []discovery.Instance
	require.NoError(t, json.Unmarshal(out.Bytes(), &list), "output is a bare JSON array")
	require.Len(t, list, 1)
	assert.Equal(t, "billing:9000", list[0].ID)
	assert.Equal(t, "http://billing:9000", list[0].URI())
}

func TestInstancesCmd_UnknownService(t *testing.T) {
	useApp(t, staticRegistry(t))

	cmd, out := capture()
	err := instancesCmd.RunE(cmd, []string{"ghost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, discovery.ErrServiceNotFound)
	assert.Empty(t, out.String())
}

// --- server ---

func TestServe_RegistersListeningPortAndDeregistersBeforeShutdown(t *testing.T) {
	registered := make(chan discovery.Instance, 1)
	healthDuringDeregister := make(chan int, 1)

	reg := &recordingRegistry{name: "eureka"}
	reg.onRegister = func(inst discovery.Instance) { registered <- inst }
	reg.onDeregister = func(inst discovery.Instance) {
		resp, err := http.Get(inst.URI() + "/health")
		if err != nil {
			healthDuringDeregister <- 0
			return
		}
		resp.Body.Close()
		healthDuringDeregister <- resp.StatusCode
	}
	useApp(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- serve(ctx) }()

	var inst discovery.Instance
	select {
	case inst = <-registered:
	case <-time.After(5 * time.Second):
		t.Fatal("instance was never registered")
	}
	assert.NotZero(t, inst.Port, "the port picked by the listener is advertised")
	assert.Equal(t, "127.0.0.1", inst.Host)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}

	assert.Equal(t, http.StatusOK, <-healthDuringDeregister,
		"the server still answers while the instance is deregistered")

	_, deregistered := reg.calls()
	require.Len(t, deregistered, 1)
	assert.Equal(t, inst.ID, deregistered[0].ID)
	assert.Equal(t, discovery.StatusDown, deregistered[0].Status)
}
