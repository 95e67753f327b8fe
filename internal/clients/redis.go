package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/isaccanedo/microsservico02/internal/config"
	"github.com/isaccanedo/microsservico02/internal/discovery"
)

const redisName = "redis"

// RedisClient keeps registrations as JSON values whose TTL is the lease
// duration, so an instance that stops heartbeating disappears on its own.
//
//	<prefix>:instances:<service>:<id>  instance JSON, TTL = lease
//	<prefix>:services                  set of service names
type RedisClient struct {
	rdb    *redis.Client
	prefix string
	lease  Lease
	cb     *gobreaker.CircuitBreaker
}

// NewRedisClient creates a RedisClient. go-redis dials lazily, so no
// connection is opened at construction time.
func NewRedisClient(cfg config.RedisConfig, lease Lease, cb *gobreaker.CircuitBreaker) *RedisClient {
	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisClient(rdb, cfg.KeyPrefix, lease, cb)
}

func newRedisClient(rdb *redis.Client, prefix string, lease Lease, cb *gobreaker.CircuitBreaker) *RedisClient {
	if prefix == "" {
		prefix = "discovery"
	}
	return &RedisClient{rdb: rdb, prefix: prefix, lease: lease, cb: cb}
}

func (c *RedisClient) Name() string { return redisName }

// Register writes the instance and adds its service to the index in one
// transaction.
func (c *RedisClient) Register(ctx context.Context, inst discovery.Instance) error {
	val, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encoding instance: %w", err)
	}

	_, err = c.cb.Execute(func() (any, error) {
		_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.instanceKey(inst.Service, inst.ID), val, c.lease.Duration)
			pipe.SAdd(ctx, c.servicesKey(), normalizeService(inst.Service))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("registering %s: %w", inst.ID, err)
		}
		return nil, nil
	})
	return breakerErr(err)
}

// Renew resets the key TTL. A missing key means the lease already expired.
func (c *RedisClient) Renew(ctx context.Context, inst discovery.Instance) error {
	found, err := c.cb.Execute(func() (any, error) {
		ok, err := c.rdb.Expire(ctx, c.instanceKey(inst.Service, inst.ID), c.lease.Duration).Result()
		if err != nil {
			return nil, fmt.Errorf("renewing %s: %w", inst.ID, err)
		}
		return ok, nil
	})
	if err != nil {
		return breakerErr(err)
	}
	if ok, _ := found.(bool); !ok {
		return notRegistered(redisName, inst)
	}
	return nil
}

func (c *RedisClient) Deregister(ctx context.Context, inst discovery.Instance) error {
	_, err := c.cb.Execute(func() (any, error) {
		if err := c.rdb.Del(ctx, c.instanceKey(inst.Service, inst.ID)).Err(); err != nil {
			return nil, fmt.Errorf("deregistering %s: %w", inst.ID, err)
		}
		return nil, nil
	})
	return breakerErr(err)
}

// Instances returns the live instances of service. Keys that expire between
// SCAN and MGET are skipped, as are keys of other services that happen to
// share the key prefix.
func (c *RedisClient) Instances(ctx context.Context, service string) ([]discovery.Instance, error) {
	out, err := c.cb.Execute(func() (any, error) {
		return c.liveInstances(ctx, service)
	})
	if err != nil {
		return nil, breakerErr(err)
	}
	return out.([]discovery.Instance), nil
}

// Services returns the indexed service names that still have a live
// instance; names whose instances all expired are pruned from the index.
func (c *RedisClient) Services(ctx context.Context) ([]string, error) {
	out, err := c.cb.Execute(func() (any, error) {
		names, err := c.rdb.SMembers(ctx, c.servicesKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("listing services: %w", err)
		}

		live := make([]string, 0, len(names))
		for _, name := range names {
			insts, err := c.liveInstances(ctx, name)
			if err != nil {
				return nil, err
			}
			if len(insts) == 0 {
				if err := c.rdb.SRem(ctx, c.servicesKey(), name).Err(); err != nil {
					return nil, fmt.Errorf("pruning service %s: %w", name, err)
				}
				continue
			}
			live = append(live, name)
		}
		return live, nil
	})
	if err != nil {
		return nil, breakerErr(err)
	}
	return out.([]string), nil
}

// Probe sends PING and expects PONG.
func (c *RedisClient) Probe(ctx context.Context) discovery.ProbeResult {
	start := time.Now()

	_, err := c.cb.Execute(func() (any, error) {
		val, err := c.rdb.Ping(ctx).Result()
		if err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		if val != "PONG" {
			return nil, fmt.Errorf("unexpected PING response: %q", val)
		}
		return nil, nil
	})

	return probeResult(redisName, start, err)
}

func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

func (c *RedisClient) liveInstances(ctx context.Context, service string) ([]discovery.Instance, error) {
	keys, err := c.scanKeys(ctx, c.instancePattern(service))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []discovery.Instance{}, nil
	}

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading instances of %s: %w", service, err)
	}

	want := normalizeService(service)
	list := make([]discovery.Instance, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var inst discovery.Instance
		if err := json.Unmarshal([]byte(s), &inst); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", keys[i], err)
		}
		if normalizeService(inst.Service) != want {
			continue
		}
		list = append(list, inst)
	}
	return list, nil
}

func (c *RedisClient) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", pattern, err)
	}
	return keys, nil
}

func (c *RedisClient) servicesKey() string {
	return c.prefix + ":services"
}

func (c *RedisClient) instanceKey(service, id string) string {
	return fmt.Sprintf("%s:instances:%s:%s", c.prefix, normalizeService(service), id)
}

// instancePattern matches every instance key of service. The service name is
// escaped so it matches literally.
func (c *RedisClient) instancePattern(service string) string {
	return fmt.Sprintf("%s:instances:%s:*", globEscape(c.prefix), globEscape(normalizeService(service)))
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// globEscape quotes the characters SCAN MATCH treats as wildcards.
func globEscape(s string) string {
	return globEscaper.Replace(s)
}

// normalizeService lower-cases service names so every registry agrees on
// identity regardless of how the name was typed.
func normalizeService(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
