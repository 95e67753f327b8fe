package clients

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/isaccanedo/microsservico02/internal/config"
	"github.com/isaccanedo/microsservico02/internal/discovery"
)

const staticName = "static"

// StaticRegistry serves a fixed instance list from configuration. It never
// stores the local instance, so Register, Renew and Deregister succeed
// without doing anything.
type StaticRegistry struct {
	services map[string][]discovery.Instance
}

// NewStaticRegistry parses every configured URL. A URL without a port gets
// the scheme default.
func NewStaticRegistry(cfg config.StaticConfig) (*StaticRegistry, error) {
	services := make(map[string][]discovery.Instance, len(cfg.Services))
	now := time.Now().UTC()

	for name, urls := range cfg.Services {
		svc := normalizeService(name)
		for _, raw := range urls {
			inst, err := parseStaticURL(svc, raw)
			if err != nil {
				return nil, err
			}
			inst.UpdatedAt = now
			services[svc] = append(services[svc], inst)
		}
	}
	return &StaticRegistry{services: services}, nil
}

func parseStaticURL(service, raw string) (discovery.Instance, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return discovery.Instance{}, fmt.Errorf("static service %s: %w", service, err)
	}

	var secure bool
	switch u.Scheme {
	case "http":
	case "https":
		secure = true
	default:
		return discovery.Instance{}, fmt.Errorf("static service %s: unsupported scheme in %q", service, raw)
	}
	if u.Hostname() == "" {
		return discovery.Instance{}, fmt.Errorf("static service %s: missing host in %q", service, raw)
	}

	port := 80
	if secure {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return discovery.Instance{}, fmt.Errorf("static service %s: bad port in %q", service, raw)
		}
	}

	inst := discovery.Instance{
		Service: service,
		Host:    u.Hostname(),
		Port:    port,
		Secure:  secure,
		Status:  discovery.StatusUp,
	}
	inst.ID = inst.Addr()
	return inst, nil
}

func (s *StaticRegistry) Name() string { return staticName }

func (s *StaticRegistry) Register(context.Context, discovery.Instance) error { return nil }

func (s *StaticRegistry) Renew(context.Context, discovery.Instance) error { return nil }

func (s *StaticRegistry) Deregister(context.Context, discovery.Instance) error { return nil }

func (s *StaticRegistry) Instances(_ context.Context, service string) ([]discovery.Instance, error) {
	list := s.services[normalizeService(service)]
	out := make([]discovery.Instance, len(list))
	copy(out, list)
	return out, nil
}

func (s *StaticRegistry) Services(context.Context) ([]string, error) {
	names := make([]string, 0, len(s.services))
	for n := range s.services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *StaticRegistry) Probe(context.Context) discovery.ProbeResult {
	return discovery.ProbeResult{Name: staticName, OK: true}
}

func (s *StaticRegistry) Close() error { return nil }
