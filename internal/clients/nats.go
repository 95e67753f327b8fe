package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"github.com/isaccanedo/microsservico02/internal/config"
	"github.com/isaccanedo/microsservico02/internal/discovery"
)

const natsName = "nats"

// kvBucket is the subset of nats.KeyValue used by NATSClient. Defining it
// here lets tests inject a fake without a NATS server.
type kvBucket interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
	Purge(key string, opts ...nats.DeleteOpt) error
	Keys(opts ...nats.WatchOpt) ([]string, error)
}

// NATSClient stores registrations in a JetStream key-value bucket whose TTL
// is the lease duration. Keys are "<service>.<instance id>".
type NATSClient struct {
	url    string
	bucket string
	lease  Lease
	cb     *gobreaker.CircuitBreaker
	openKV func(url, bucket string, ttl time.Duration) (kvBucket, func(), error)

	mu      sync.Mutex
	kv      kvBucket
	cleanup func()
}

// NewNATSClient constructs a NATSClient. The connection and bucket are opened
// lazily on first use and reused afterwards.
func NewNATSClient(cfg config.NATSConfig, lease Lease, cb *gobreaker.CircuitBreaker) *NATSClient {
	return &NATSClient{
		url:    cfg.URL,
		bucket: cfg.Bucket,
		lease:  lease,
		cb:     cb,
		openKV: realOpenKV,
	}
}

func (c *NATSClient) Name() string { return natsName }

func (c *NATSClient) Register(ctx context.Context, inst discovery.Instance) error {
	val, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encoding instance: %w", err)
	}

	_, err = c.cb.Execute(func() (any, error) {
		kv, err := c.kvBucket()
		if err != nil {
			return nil, err
		}
		if _, err := kv.Put(natsKey(inst.Service, inst.ID), val); err != nil {
			return nil, fmt.Errorf("registering %s: %w", inst.ID, err)
		}
		return nil, nil
	})
	return breakerErr(err)
}

// Renew re-puts the instance, which restarts the bucket TTL for the key.
// A key that already expired is reported as ErrNotRegistered.
func (c *NATSClient) Renew(ctx context.Context, inst discovery.Instance) error {
	val, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encoding instance: %w", err)
	}
	key := natsKey(inst.Service, inst.ID)

	found, err := c.cb.Execute(func() (any, error) {
		kv, err := c.kvBucket()
		if err != nil {
			return nil, err
		}
		if _, err := kv.Get(key); err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				return false, nil
			}
			return nil, fmt.Errorf("reading %s: %w", key, err)
		}
		if _, err := kv.Put(key, val); err != nil {
			return nil, fmt.Errorf("renewing %s: %w", inst.ID, err)
		}
		return true, nil
	})
	if err != nil {
		return breakerErr(err)
	}
	if ok, _ := found.(bool); !ok {
		return notRegistered(natsName, inst)
	}
	return nil
}

func (c *NATSClient) Deregister(ctx context.Context, inst discovery.Instance) error {
	_, err := c.cb.Execute(func() (any, error) {
		kv, err := c.kvBucket()
		if err != nil {
			return nil, err
		}
		err = kv.Purge(natsKey(inst.Service, inst.ID))
		if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return nil, fmt.Errorf("deregistering %s: %w", inst.ID, err)
		}
		return nil, nil
	})
	return breakerErr(err)
}

func (c *NATSClient) Instances(ctx context.Context, service string) ([]discovery.Instance, error) {
	prefix := natsToken(service) + "."

	out, err := c.cb.Execute(func() (any, error) {
		kv, err := c.kvBucket()
		if err != nil {
			return nil, err
		}
		keys, err := listKeys(kv)
		if err != nil {
			return nil, err
		}

		list := []discovery.Instance{}
		for _, key := range keys {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			entry, err := kv.Get(key)
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", key, err)
			}
			var inst discovery.Instance
			if err := json.Unmarshal(entry.Value(), &inst); err != nil {
				return nil, fmt.Errorf("decoding %s: %w", key, err)
			}
			list = append(list, inst)
		}
		return list, nil
	})
	if err != nil {
		return nil, breakerErr(err)
	}
	return out.([]discovery.Instance), nil
}

// Services derives service names from the first token of every live key.
func (c *NATSClient) Services(ctx context.Context) ([]string, error) {
	out, err := c.cb.Execute(func() (any, error) {
		kv, err := c.kvBucket()
		if err != nil {
			return nil, err
		}
		keys, err := listKeys(kv)
		if err != nil {
			return nil, err
		}

		seen := make(map[string]struct{})
		for _, key := range keys {
			svc, _, ok := strings.Cut(key, ".")
			if ok {
				seen[svc] = struct{}{}
			}
		}
		names := make([]string, 0, len(seen))
		for n := range seen {
			names = append(names, n)
		}
		sort.Strings(names)
		return names, nil
	})
	if err != nil {
		return nil, breakerErr(err)
	}
	return out.([]string), nil
}

// Probe verifies the bucket is reachable. A missing probe key is expected.
func (c *NATSClient) Probe(ctx context.Context) discovery.ProbeResult {
	start := time.Now()

	_, err := c.cb.Execute(func() (any, error) {
		kv, err := c.kvBucket()
		if err != nil {
			return nil, err
		}
		if _, err := kv.Get("_probe"); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return nil, fmt.Errorf("bucket get: %w", err)
		}
		return nil, nil
	})

	return probeResult(natsName, start, err)
}

// Close drains the NATS connection if one was opened.
func (c *NATSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleanup != nil {
		c.cleanup()
	}
	c.kv, c.cleanup = nil, nil
	return nil
}

func (c *NATSClient) kvBucket() (kvBucket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kv != nil {
		return c.kv, nil
	}
	kv, cleanup, err := c.openKV(c.url, c.bucket, c.lease.Duration)
	if err != nil {
		return nil, fmt.Errorf("opening NATS bucket %s: %w", c.bucket, err)
	}
	c.kv, c.cleanup = kv, cleanup
	return kv, nil
}

func listKeys(kv kvBucket) ([]string, error) {
	keys, err := kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	return keys, nil
}

// natsKey builds "<service>.<id>". The service token never contains a dot so
// the first dot always separates the two parts.
func natsKey(service, id string) string {
	return natsToken(service) + "." + sanitizeKey(id, true)
}

func natsToken(service string) string {
	return sanitizeKey(normalizeService(service), false)
}

// sanitizeKey replaces characters JetStream KV keys do not allow with '_'.
func sanitizeKey(s string, allowDot bool) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '=', r == '/':
			return r
		case r == '.' && allowDot:
			return r
		default:
			return '_'
		}
	}, s)
}

// realOpenKV connects to NATS and binds to bucket, creating it with the given
// TTL when it does not exist yet.
func realOpenKV(url, bucket string, ttl time.Duration) (kvBucket, func(), error) {
	nc, err := nats.Connect(url, nats.Name("microsservico02"))
	if err != nil {
		return nil, func() {}, fmt.Errorf("nats connect %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, func() {}, fmt.Errorf("nats jetstream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "service instance registrations",
			TTL:         ttl,
			History:     1,
		})
	}
	if err != nil {
		nc.Close()
		return nil, func() {}, fmt.Errorf("binding bucket %s: %w", bucket, err)
	}

	return kv, func() { nc.Drain() }, nil //nolint:errcheck
}
