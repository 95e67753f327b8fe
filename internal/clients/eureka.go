package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/isaccanedo/microsservico02/internal/config"
	"github.com/isaccanedo/microsservico02/internal/discovery"
)

const eurekaName = "eureka"

// EurekaClient talks to a Eureka server over its REST API. Every outbound
// call goes through the circuit breaker.
type EurekaClient struct {
	baseURL string
	lease   Lease
	cb      *gobreaker.CircuitBreaker
	httpDo  func(req *http.Request) (*http.Response, error)
}

// NewEurekaClient constructs an EurekaClient. cfg.URL is the server's base,
// e.g. http://localhost:8761/eureka. No request is made at construction.
func NewEurekaClient(cfg config.EurekaConfig, lease Lease, cb *gobreaker.CircuitBreaker) *EurekaClient {
	hc := &http.Client{Timeout: cfg.Timeout}
	return &EurekaClient{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		lease:   lease,
		cb:      cb,
		httpDo:  hc.Do,
	}
}

func (c *EurekaClient) Name() string { return eurekaName }

// Register posts the instance under its application. Eureka answers 204.
func (c *EurekaClient) Register(ctx context.Context, inst discovery.Instance) error {
	body, err := json.Marshal(eurekaInstanceEnvelope{Instance: toEureka(inst, c.lease)})
	if err != nil {
		return fmt.Errorf("encoding eureka instance: %w", err)
	}

	_, err = c.cb.Execute(func() (any, error) {
		resp, err := c.do(ctx, http.MethodPost, c.appURL(inst.Service), body)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusNoContent, http.StatusOK:
			return nil, nil
		default:
			return nil, fmt.Errorf("register %s returned HTTP %d", inst.ID, resp.StatusCode)
		}
	})
	return breakerErr(err)
}

// Renew sends a heartbeat. A 404 means the server evicted the instance.
func (c *EurekaClient) Renew(ctx context.Context, inst discovery.Instance) error {
	q := url.Values{"status": {string(inst.Status)}}
	target := c.instanceURL(inst) + "?" + q.Encode()

	found, err := c.cb.Execute(func() (any, error) {
		resp, err := c.do(ctx, http.MethodPut, target, nil)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusNoContent:
			return true, nil
		case http.StatusNotFound:
			return false, nil
		default:
			return nil, fmt.Errorf("heartbeat %s returned HTTP %d", inst.ID, resp.StatusCode)
		}
	})
	if err != nil {
		return breakerErr(err)
	}
	if ok, _ := found.(bool); !ok {
		return notRegistered(eurekaName, inst)
	}
	return nil
}

// Deregister cancels the lease. An unknown instance is already gone.
func (c *EurekaClient) Deregister(ctx context.Context, inst discovery.Instance) error {
	_, err := c.cb.Execute(func() (any, error) {
		resp, err := c.do(ctx, http.MethodDelete, c.instanceURL(inst), nil)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
			return nil, nil
		default:
			return nil, fmt.Errorf("deregister %s returned HTTP %d", inst.ID, resp.StatusCode)
		}
	})
	return breakerErr(err)
}

// Instances lists the instances Eureka holds for service.
func (c *EurekaClient) Instances(ctx context.Context, service string) ([]discovery.Instance, error) {
	out, err := c.cb.Execute(func() (any, error) {
		var env eurekaApplicationEnvelope
		found, err := c.getJSON(ctx, c.appURL(service), &env)
		if err != nil || !found {
			return []discovery.Instance(nil), err
		}
		raw, err := decodeOneOrMany[eurekaInstance](env.Application.Instance)
		if err != nil {
			return nil, fmt.Errorf("decoding instances of %s: %w", service, err)
		}
		list := make([]discovery.Instance, 0, len(raw))
		for _, ri := range raw {
			list = append(list, fromEureka(ri))
		}
		return list, nil
	})
	if err != nil {
		return nil, breakerErr(err)
	}
	return out.([]discovery.Instance), nil
}

// Services lists every application name registered with Eureka, lower-cased.
func (c *EurekaClient) Services(ctx context.Context) ([]string, error) {
	out, err := c.cb.Execute(func() (any, error) {
		var env eurekaApplicationsEnvelope
		if _, err := c.getJSON(ctx, c.baseURL+"/apps", &env); err != nil {
			return nil, err
		}
		apps, err := decodeOneOrMany[eurekaApplication](env.Applications.Application)
		if err != nil {
			return nil, fmt.Errorf("decoding applications: %w", err)
		}
		names := make([]string, 0, len(apps))
		for _, app := range apps {
			names = append(names, strings.ToLower(app.Name))
		}
		return names, nil
	})
	if err != nil {
		return nil, breakerErr(err)
	}
	return out.([]string), nil
}

// Probe checks that the Eureka REST API answers.
func (c *EurekaClient) Probe(ctx context.Context) discovery.ProbeResult {
	start := time.Now()

	_, err := c.cb.Execute(func() (any, error) {
		resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/apps", nil)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("probe returned HTTP %d", resp.StatusCode)
		}
		return nil, nil
	})

	return probeResult(eurekaName, start, err)
}

// Close is a no-op; the HTTP client holds no per-registry state.
func (c *EurekaClient) Close() error { return nil }

func (c *EurekaClient) appURL(service string) string {
	return fmt.Sprintf("%s/apps/%s", c.baseURL, url.PathEscape(strings.ToUpper(service)))
}

func (c *EurekaClient) instanceURL(inst discovery.Instance) string {
	return fmt.Sprintf("%s/%s", c.appURL(inst.Service), url.PathEscape(inst.ID))
}

// do sends a request with an optional JSON body and JSON Accept header.
func (c *EurekaClient) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if len(body) > 0 {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("building %s %s: %w", method, target, err)
	}
	req.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpDo(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	return resp, nil
}

// getJSON decodes a 200 response into v. A 404 reports found=false.
func (c *EurekaClient) getJSON(ctx context.Context, target string, v any) (found bool, err error) {
	resp, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("GET %s returned HTTP %d", target, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", target, err)
	}
	return true, nil
}

// --- wire format ---

const eurekaDataCenterClass = "com.netflix.appinfo.InstanceInfo$MyDataCenterInfo"

type eurekaInstanceEnvelope struct {
	Instance eurekaInstance `json:"instance"`
}

type eurekaApplicationEnvelope struct {
	Application eurekaApplication `json:"application"`
}

type eurekaApplicationsEnvelope struct {
	Applications struct {
		Application json.RawMessage `json:"application"`
	} `json:"applications"`
}

// eurekaApplication.Instance is an array, or a bare object when the server
// serialises a single-element list.
type eurekaApplication struct {
	Name     string          `json:"name"`
	Instance json.RawMessage `json:"instance"`
}

type eurekaInstance struct {
	InstanceID           string            `json:"instanceId"`
	HostName             string            `json:"hostName"`
	App                  string            `json:"app"`
	IPAddr               string            `json:"ipAddr"`
	VIPAddress           string            `json:"vipAddress"`
	SecureVIPAddress     string            `json:"secureVipAddress"`
	Status               string            `json:"status"`
	Port                 eurekaPort        `json:"port"`
	SecurePort           eurekaPort        `json:"securePort"`
	HomePageURL          string            `json:"homePageUrl,omitempty"`
	StatusPageURL        string            `json:"statusPageUrl,omitempty"`
	HealthCheckURL       string            `json:"healthCheckUrl,omitempty"`
	DataCenterInfo       eurekaDataCenter  `json:"dataCenterInfo"`
	LeaseInfo            *eurekaLeaseInfo  `json:"leaseInfo,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	LastUpdatedTimestamp flexInt64         `json:"lastUpdatedTimestamp,omitempty"`
}

type eurekaPort struct {
	Port    flexInt64 `json:"$"`
	Enabled string    `json:"@enabled"`
}

type eurekaDataCenter struct {
	Class string `json:"@class"`
	Name  string `json:"name"`
}

type eurekaLeaseInfo struct {
	RenewalIntervalInSecs int `json:"renewalIntervalInSecs"`
	DurationInSecs        int `json:"durationInSecs"`
}

// flexInt64 accepts both 123 and "123"; Eureka servers emit either.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing %s as integer: %w", b, err)
	}
	*f = flexInt64(n)
	return nil
}

// decodeOneOrMany decodes raw as []T, accepting a single bare object too.
func decodeOneOrMany[T any](raw json.RawMessage) ([]T, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	switch trimmed[0] {
	case '[':
		var many []T
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return nil, err
		}
		return many, nil
	case '{':
		var one T
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, err
		}
		return []T{one}, nil
	default:
		return nil, errors.New("expected object or array")
	}
}

func toEureka(inst discovery.Instance, lease Lease) eurekaInstance {
	port := eurekaPort{Port: flexInt64(inst.Port), Enabled: strconv.FormatBool(!inst.Secure)}
	securePort := eurekaPort{Port: 443, Enabled: "false"}
	if inst.Secure {
		securePort = eurekaPort{Port: flexInt64(inst.Port), Enabled: "true"}
	}
	base := inst.URI()
	return eurekaInstance{
		InstanceID:       inst.ID,
		HostName:         inst.Host,
		App:              strings.ToUpper(inst.Service),
		IPAddr:           inst.Host,
		VIPAddress:       strings.ToLower(inst.Service),
		SecureVIPAddress: strings.ToLower(inst.Service),
		Status:           string(inst.Status),
		Port:             port,
		SecurePort:       securePort,
		HomePageURL:      base + "/",
		StatusPageURL:    base + "/info",
		HealthCheckURL:   base + "/health",
		DataCenterInfo:   eurekaDataCenter{Class: eurekaDataCenterClass, Name: "MyOwn"},
		LeaseInfo: &eurekaLeaseInfo{
			RenewalIntervalInSecs: int(lease.RenewalInterval / time.Second),
			DurationInSecs:        int(lease.Duration / time.Second),
		},
		Metadata: inst.Metadata,
	}
}

func fromEureka(ei eurekaInstance) discovery.Instance {
	host := ei.HostName
	if host == "" {
		host = ei.IPAddr
	}
	port, secure := int(ei.Port.Port), false
	if ei.SecurePort.Enabled == "true" {
		port, secure = int(ei.SecurePort.Port), true
	}
	status, err := discovery.ParseStatus(ei.Status)
	if err != nil {
		status = discovery.StatusUnknown
	}

	var md map[string]string
	for k, v := range ei.Metadata {
		if k == "@class" {
			continue
		}
		if md == nil {
			md = make(map[string]string, len(ei.Metadata))
		}
		md[k] = v
	}

	inst := discovery.Instance{
		ID:       ei.InstanceID,
		Service:  strings.ToLower(ei.App),
		Host:     host,
		Port:     port,
		Secure:   secure,
		Status:   status,
		Metadata: md,
	}
	if ei.LastUpdatedTimestamp > 0 {
		inst.UpdatedAt = time.UnixMilli(int64(ei.LastUpdatedTimestamp)).UTC()
	}
	return inst
}
