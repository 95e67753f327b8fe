package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"github.com/isaccanedo/microsservico02/internal/config"
	"github.com/isaccanedo/microsservico02/internal/discovery"
)

const postgresName = "postgres"

const createInstancesTable = `CREATE TABLE IF NOT EXISTS service_instances (
	service     text        NOT NULL,
	instance_id text        NOT NULL,
	host        text        NOT NULL,
	port        integer     NOT NULL,
	secure      boolean     NOT NULL DEFAULT false,
	status      text        NOT NULL,
	metadata    jsonb       NOT NULL DEFAULT '{}',
	updated_at  timestamptz NOT NULL DEFAULT now(),
	expires_at  timestamptz NOT NULL,
	PRIMARY KEY (service, instance_id)
)`

const upsertInstance = `INSERT INTO service_instances
	(service, instance_id, host, port, secure, status, metadata, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now() + make_interval(secs => $8))
ON CONFLICT (service, instance_id) DO UPDATE SET
	host = EXCLUDED.host,
	port = EXCLUDED.port,
	secure = EXCLUDED.secure,
	status = EXCLUDED.status,
	metadata = EXCLUDED.metadata,
	updated_at = EXCLUDED.updated_at,
	expires_at = EXCLUDED.expires_at`

const renewInstance = `UPDATE service_instances
SET status = $3, updated_at = now(), expires_at = now() + make_interval(secs => $4)
WHERE service = $1 AND instance_id = $2 AND expires_at > now()`

const deleteInstance = `DELETE FROM service_instances WHERE service = $1 AND instance_id = $2`

const selectInstances = `SELECT instance_id, service, host, port, secure, status, metadata, updated_at
FROM service_instances
WHERE service = $1 AND expires_at > now()
ORDER BY instance_id`

const selectServices = `SELECT DISTINCT service FROM service_instances WHERE expires_at > now() ORDER BY service`

// pgPool abstracts the pgxpool.Pool methods PostgresClient uses so tests can
// inject pgxmock.
type pgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresClient keeps registrations in the service_instances table. Rows
// carry an expires_at column; rows past it are invisible to every query.
type PostgresClient struct {
	cfg     config.PostgresConfig
	lease   Lease
	cb      *gobreaker.CircuitBreaker
	connect func(ctx context.Context, cfg config.PostgresConfig) (pgPool, error)

	mu   sync.Mutex
	pool pgPool
}

// NewPostgresClient creates a PostgresClient that lazily opens a pgx pool and
// creates the table on first use. No connection is made at construction time.
func NewPostgresClient(cfg config.PostgresConfig, lease Lease, cb *gobreaker.CircuitBreaker) *PostgresClient {
	return &PostgresClient{
		cfg:     cfg,
		lease:   lease,
		cb:      cb,
		connect: realConnect,
	}
}

func (c *PostgresClient) Name() string { return postgresName }

func (c *PostgresClient) Register(ctx context.Context, inst discovery.Instance) error {
	meta, err := encodeMetadata(inst.Metadata)
	if err != nil {
		return err
	}

	_, err = c.cb.Execute(func() (any, error) {
		pool, err := c.db(ctx)
		if err != nil {
			return nil, err
		}
		_, err = pool.Exec(ctx, upsertInstance,
			normalizeService(inst.Service), inst.ID, inst.Host, inst.Port, inst.Secure,
			string(inst.Status), meta, c.lease.Duration.Seconds(),
		)
		if err != nil {
			return nil, fmt.Errorf("registering %s: %w", inst.ID, err)
		}
		return nil, nil
	})
	return breakerErr(err)
}

// Renew pushes expires_at forward. Zero affected rows means the row is gone
// or already expired.
func (c *PostgresClient) Renew(ctx context.Context, inst discovery.Instance) error {
	found, err := c.cb.Execute(func() (any, error) {
		pool, err := c.db(ctx)
		if err != nil {
			return nil, err
		}
		tag, err := pool.Exec(ctx, renewInstance,
			normalizeService(inst.Service), inst.ID, string(inst.Status), c.lease.Duration.Seconds(),
		)
		if err != nil {
			return nil, fmt.Errorf("renewing %s: %w", inst.ID, err)
		}
		return tag.RowsAffected() > 0, nil
	})
	if err != nil {
		return breakerErr(err)
	}
	if ok, _ := found.(bool); !ok {
		return notRegistered(postgresName, inst)
	}
	return nil
}

func (c *PostgresClient) Deregister(ctx context.Context, inst discovery.Instance) error {
	_, err := c.cb.Execute(func() (any, error) {
		pool, err := c.db(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := pool.Exec(ctx, deleteInstance, normalizeService(inst.Service), inst.ID); err != nil {
			return nil, fmt.Errorf("deregistering %s: %w", inst.ID, err)
		}
		return nil, nil
	})
	return breakerErr(err)
}

func (c *PostgresClient) Instances(ctx context.Context, service string) ([]discovery.Instance, error) {
	out, err := c.cb.Execute(func() (any, error) {
		pool, err := c.db(ctx)
		if err != nil {
			return nil, err
		}
		rows, err := pool.Query(ctx, selectInstances, normalizeService(service))
		if err != nil {
			return nil, fmt.Errorf("querying instances of %s: %w", service, err)
		}
		defer rows.Close()

		list := []discovery.Instance{}
		for rows.Next() {
			var (
				inst   discovery.Instance
				status string
				meta   []byte
			)
			if err := rows.Scan(&inst.ID, &inst.Service, &inst.Host, &inst.Port,
				&inst.Secure, &status, &meta, &inst.UpdatedAt); err != nil {
				return nil, fmt.Errorf("scanning instance: %w", err)
			}
			inst.Status = discovery.Status(status)
			if len(meta) > 0 {
				if err := json.Unmarshal(meta, &inst.Metadata); err != nil {
					return nil, fmt.Errorf("decoding metadata of %s: %w", inst.ID, err)
				}
			}
			list = append(list, inst)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("reading instances of %s: %w", service, err)
		}
		return list, nil
	})
	if err != nil {
		return nil, breakerErr(err)
	}
	return out.([]discovery.Instance), nil
}

func (c *PostgresClient) Services(ctx context.Context) ([]string, error) {
	out, err := c.cb.Execute(func() (any, error) {
		pool, err := c.db(ctx)
		if err != nil {
			return nil, err
		}
		rows, err := pool.Query(ctx, selectServices)
		if err != nil {
			return nil, fmt.Errorf("querying services: %w", err)
		}
		defer rows.Close()

		names := []string{}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return nil, fmt.Errorf("scanning service: %w", err)
			}
			names = append(names, name)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("reading services: %w", err)
		}
		return names, nil
	})
	if err != nil {
		return nil, breakerErr(err)
	}
	return out.([]string), nil
}

// Probe pings the Postgres server. The first probe also creates the table.
func (c *PostgresClient) Probe(ctx context.Context) discovery.ProbeResult {
	start := time.Now()

	_, err := c.cb.Execute(func() (any, error) {
		pool, err := c.db(ctx)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		return nil, nil
	})

	return probeResult(postgresName, start, err)
}

func (c *PostgresClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	return nil
}

// db returns the cached pool, opening it and ensuring the schema on first
// call. A failed open is retried on the next call.
func (c *PostgresClient) db(ctx context.Context) (pgPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		return c.pool, nil
	}

	pool, err := c.connect(ctx, c.cfg)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, createInstancesTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating service_instances table: %w", err)
	}
	c.pool = pool
	return pool, nil
}

func encodeMetadata(md map[string]string) ([]byte, error) {
	if md == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return b, nil
}

// realConnect opens a pgxpool.Pool using the provided PostgresConfig.
func realConnect(ctx context.Context, cfg config.PostgresConfig) (pgPool, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DB, cfg.SSLMode,
	)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}

	return pool, nil
}
