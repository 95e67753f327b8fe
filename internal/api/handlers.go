package api

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/isaccanedo/microsservico02/internal/discovery"
)

// agentService is the subset of *discovery.Agent used by the HTTP handlers.
// Declaring it as an interface allows test doubles to be injected.
type agentService interface {
	Register(ctx context.Context) (*discovery.RegistrationResult, error)
	SetStatus(ctx context.Context, st discovery.Status) (*discovery.RegistrationResult, error)
	Services(ctx context.Context) ([]string, error)
	Instances(ctx context.Context, service string) ([]discovery.Instance, error)
	RunDeepHealth(ctx context.Context) map[string]discovery.ProbeResult
	IsReady() bool
	IsRegistrationInProgress() bool
	Instance() discovery.Instance
	LastResult() *discovery.RegistrationResult
}

// BuildInfo describes the running binary for GET /info.
type BuildInfo struct {
	Version   string
	StartedAt time.Time
}

// Handler holds the dependencies shared across all HTTP handlers.
type Handler struct {
	agent    agentService
	build    BuildInfo
	hostInfo func(ctx context.Context) (*host.InfoStat, error)
}

type statusRequest struct {
	Status string `json:"status" binding:"required" example:"OUT_OF_SERVICE"`
}

type registrationResponse struct {
	Instance   discovery.Instance            `json:"instance"`
	LastResult *discovery.RegistrationResult `json:"lastResult"`
}

type hostFacts struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platformVersion,omitempty"`
	KernelVersion   string `json:"kernelVersion,omitempty"`
	UptimeSeconds   uint64 `json:"uptimeSeconds"`
	CPUs            int    `json:"cpus"`
}

type infoResponse struct {
	Service       string           `json:"service"`
	InstanceID    string           `json:"instanceId"`
	URI           string           `json:"uri"`
	Version       string           `json:"version"`
	Status        discovery.Status `json:"status"`
	StartedAt     time.Time        `json:"startedAt"`
	UptimeSeconds int64            `json:"uptimeSeconds"`
	GoVersion     string           `json:"goVersion"`
	Host          *hostFacts       `json:"host,omitempty"`
}

// Health handles GET /health.
// It always returns 200; this is the liveness probe.
//
//	@Summary	Liveness probe
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	map[string]string
//	@Router		/health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"mode":   "shallow",
	})
}

// DeepHealth handles GET /health/deep.
// It probes every configured registry and returns 200 only when all are OK.
//
//	@Summary	Registry connectivity probe
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	map[string]any
//	@Failure	503	{object}	map[string]any
//	@Router		/health/deep [get]
func (h *Handler) DeepHealth(c *gin.Context) {
	probes := h.agent.RunDeepHealth(c.Request.Context())

	allOK := true
	for _, p := range probes {
		if !p.OK {
			allOK = false
			break
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !allOK {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":       status,
		"dependencies": probes,
	})
}

// Ready handles GET /ready.
// It returns 200 only while every registry holds the instance as UP.
//
//	@Summary	Readiness probe
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	map[string]bool
//	@Failure	503	{object}	map[string]bool
//	@Router		/ready [get]
func (h *Handler) Ready(c *gin.Context) {
	if h.agent.IsReady() {
		c.JSON(http.StatusOK, gin.H{"ready": true})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
}

// Info handles GET /info.
//
//	@Summary	Instance and host information
//	@Tags		info
//	@Produce	json
//	@Success	200	{object}	infoResponse
//	@Router		/info [get]
func (h *Handler) Info(c *gin.Context) {
	inst := h.agent.Instance()
	resp := infoResponse{
		Service:       inst.Service,
		InstanceID:    inst.ID,
		URI:           inst.URI(),
		Version:       h.build.Version,
		Status:        inst.Status,
		StartedAt:     h.build.StartedAt,
		UptimeSeconds: int64(time.Since(h.build.StartedAt).Seconds()),
		GoVersion:     runtime.Version(),
	}

	if h.hostInfo != nil {
		// Host facts are best effort; /info still answers without them.
		if hi, err := h.hostInfo(c.Request.Context()); err == nil && hi != nil {
			resp.Host = &hostFacts{
				Hostname:        hi.Hostname,
				OS:              hi.OS,
				Platform:        hi.Platform,
				PlatformVersion: hi.PlatformVersion,
				KernelVersion:   hi.KernelVersion,
				UptimeSeconds:   hi.Uptime,
				CPUs:            runtime.NumCPU(),
			}
		}
	}

	c.JSON(http.StatusOK, resp)
}

// Registration handles GET /api/v1/registration.
//
//	@Summary	Current instance and last registration result
//	@Tags		registration
//	@Produce	json
//	@Success	200	{object}	registrationResponse
//	@Router		/api/v1/registration [get]
func (h *Handler) Registration(c *gin.Context) {
	c.JSON(http.StatusOK, registrationResponse{
		Instance:   h.agent.Instance(),
		LastResult: h.agent.LastResult(),
	})
}

// Reregister handles POST /api/v1/registration.
// It returns 202 immediately when a new round is started, or 409 if one is
// already in progress. The registration runs in a background goroutine.
//
//	@Summary	Trigger a registration round
//	@Tags		registration
//	@Produce	json
//	@Success	202	{object}	map[string]string
//	@Failure	409	{object}	map[string]string
//	@Router		/api/v1/registration [post]
func (h *Handler) Reregister(c *gin.Context) {
	if h.agent.IsRegistrationInProgress() {
		c.JSON(http.StatusConflict, gin.H{"status": discovery.ResultInProgress})
		return
	}
	go func() {
		//nolint:errcheck
		h.agent.Register(context.Background()) //nolint:contextcheck
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// SetStatus handles PUT /api/v1/registration/status.
//
//	@Summary	Change the advertised instance status
//	@Tags		registration
//	@Accept		json
//	@Produce	json
//	@Param		body	body		statusRequest	true	"New status"
//	@Success	200		{object}	discovery.RegistrationResult
//	@Failure	400		{object}	map[string]string
//	@Failure	409		{object}	map[string]string
//	@Router		/api/v1/registration/status [put]
func (h *Handler) SetStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"status\": \"<status>\"}"})
		return
	}
	st, err := discovery.ParseStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.agent.SetStatus(c.Request.Context(), st)
	switch {
	case errors.Is(err, discovery.ErrRegistrationInProgress):
		c.JSON(http.StatusConflict, gin.H{"status": discovery.ResultInProgress})
	case errors.Is(err, discovery.ErrAgentStopped):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, result)
	}
}

// Services handles GET /api/v1/services.
//
//	@Summary	List services known to the registries
//	@Tags		discovery
//	@Produce	json
//	@Success	200	{object}	map[string][]string
//	@Failure	502	{object}	map[string]string
//	@Router		/api/v1/services [get]
func (h *Handler) Services(c *gin.Context) {
	names, err := h.agent.Services(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": names})
}

// Instances handles GET /api/v1/services/:name/instances.
//
//	@Summary	List instances of a service
//	@Tags		discovery
//	@Produce	json
//	@Param		name	path		string	true	"Service name"
//	@Success	200		{object}	map[string][]discovery.Instance
//	@Failure	404		{object}	map[string]string
//	@Failure	502		{object}	map[string]string
//	@Router		/api/v1/services/{name}/instances [get]
func (h *Handler) Instances(c *gin.Context) {
	name := c.Param("name")
	list, err := h.agent.Instances(c.Request.Context(), name)
	switch {
	case errors.Is(err, discovery.ErrServiceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"instances": list})
	}
}
