package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isaccanedo/microsservico02/internal/discovery"
)

// memRegistry is an in-memory discovery.Registry keyed by service and id.
type memRegistry struct {
	name string
	mu   sync.Mutex
	byID map[string]discovery.Instance
}

func newMemRegistry(name string, seed ...discovery.Instance) *memRegistry {
	r := &memRegistry{name: name, byID: map[string]discovery.Instance{}}
	for _, inst := range seed {
		r.byID[inst.ID] = inst
	}
	return r
}

func (r *memRegistry) Name() string { return r.name }

func (r *memRegistry) Register(_ context.Context, inst discovery.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[inst.ID] = inst
	return nil
}

func (r *memRegistry) Renew(_ context.Context, inst discovery.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[inst.ID]; !ok {
		return discovery.ErrNotRegistered
	}
	return nil
}

func (r *memRegistry) Deregister(_ context.Context, inst discovery.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, inst.ID)
	return nil
}

func (r *memRegistry) Instances(_ context.Context, service string) ([]discovery.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []discovery.Instance
	for _, inst := range r.byID {
		if strings.EqualFold(inst.Service, service) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (r *memRegistry) Services(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, inst := range r.byID {
		out = append(out, strings.ToLower(inst.Service))
	}
	return out, nil
}

func (r *memRegistry) Probe(_ context.Context) discovery.ProbeResult {
	return discovery.ProbeResult{Name: r.name, OK: true, LatencyMs: 1}
}

func (r *memRegistry) Close() error { return nil }

func getJSON(t *testing.T, client *http.Client, url string, out any) int {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// TestRegistrationFlow drives a real Agent through the HTTP API:
//  1. GET /ready → 503 before any registration
//  2. POST /api/v1/registration → 202, /ready eventually 200
//  3. discovery endpoints return the local instance merged with a peer
//  4. PUT OUT_OF_SERVICE → /ready 503
func TestRegistrationFlow(t *testing.T) {
	t.Parallel()

	peer := discovery.Instance{
		ID: "peer:billing:9000", Service: "billing", Host: "peer", Port: 9000,
		Status: discovery.StatusUp, UpdatedAt: time.Now().UTC(),
	}
	agent := discovery.NewAgent(
		discovery.Instance{ID: "local:orders:8080", Service: "orders", Host: "local", Port: 8080},
		[]discovery.Registry{newMemRegistry("eureka"), newMemRegistry("redis", peer)},
	)

	router := NewRouter(agent, nil, BuildInfo{Version: "test", StartedAt: time.Now()})
	srv := httptest.NewServer(router.Handler())
	defer srv.Close()
	client := srv.Client()

	// Step 1: not ready before registration.
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, client, srv.URL+"/ready", nil))

	// Step 2: trigger registration and wait for readiness.
	resp, err := client.Post(srv.URL+"/api/v1/registration", "application/json", strings.NewReader(""))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	deadline := time.Now().Add(5 * time.Second)
	var lastCode int
	for time.Now().Before(deadline) {
		lastCode = getJSON(t, client, srv.URL+"/ready", nil)
		if lastCode == http.StatusOK {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, http.StatusOK, lastCode, "GET /ready should return 200 after registration")

	var reg registrationResponse
	assert.Equal(t, http.StatusOK, getJSON(t, client, srv.URL+"/api/v1/registration", &reg))
	assert.Equal(t, discovery.StatusUp, reg.Instance.Status)
	require.NotNil(t, reg.LastResult)
	assert.Equal(t, discovery.ResultOK, reg.LastResult.Status)
	assert.Len(t, reg.LastResult.Registries, 2)

	// Step 3: discovery queries span both registries.
	var services map[string][]string
	assert.Equal(t, http.StatusOK, getJSON(t, client, srv.URL+"/api/v1/services", &services))
	assert.Equal(t, []string{"billing", "orders"}, services["services"])

	var instances map[string][]discovery.Instance
	assert.Equal(t, http.StatusOK, getJSON(t, client, srv.URL+"/api/v1/services/billing/instances", &instances))
	require.Len(t, instances["instances"], 1)
	assert.Equal(t, "peer:billing:9000", instances["instances"][0].ID)

	assert.Equal(t, http.StatusNotFound, getJSON(t, client, srv.URL+"/api/v1/services/ghost/instances", nil))

	var deep map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, client, srv.URL+"/health/deep", &deep))

	// Step 4: taking the instance out of service drops readiness.
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/registration/status",
		strings.NewReader(`{"status":"OUT_OF_SERVICE"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, client, srv.URL+"/ready", nil))

	var info infoResponse
	assert.Equal(t, http.StatusOK, getJSON(t, client, srv.URL+"/info", &info))
	assert.Equal(t, discovery.StatusOutOfService, info.Status)
}
