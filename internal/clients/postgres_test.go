package clients

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isaccanedo/microsservico02/internal/config"
	"github.com/isaccanedo/microsservico02/internal/discovery"
)

// makePostgresClient returns a PostgresClient wired to a pgxmock pool that
// already expects the table bootstrap.
func makePostgresClient(t *testing.T, cbName string) (*PostgresClient, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS service_instances").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	client := &PostgresClient{
		cfg:   config.PostgresConfig{},
		lease: testLease,
		cb:    NewCircuitBreaker(cbName),
		connect: func(_ context.Context, _ config.PostgresConfig) (pgPool, error) {
			return mock, nil
		},
	}
	return client, mock
}

// makePostgresClientWithConnErr returns a PostgresClient whose pool never opens.
func makePostgresClientWithConnErr(connErr error, cbName string) *PostgresClient {
	return &PostgresClient{
		cfg:   config.PostgresConfig{},
		lease: testLease,
		cb:    NewCircuitBreaker(cbName),
		connect: func(_ context.Context, _ config.PostgresConfig) (pgPool, error) {
			return nil, connErr
		},
	}
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func pgInstance() discovery.Instance {
	return discovery.Instance{
		ID:       "host-a:orders:8080",
		Service:  "Orders",
		Host:     "10.0.0.1",
		Port:     8080,
		Status:   discovery.StatusUp,
		Metadata: map[string]string{"zone": "a"},
	}
}

func TestNewPostgresClient(t *testing.T) {
	t.Parallel()

	client := NewPostgresClient(config.PostgresConfig{Host: "db"}, testLease, NewCircuitBreaker("new-pg"))
	assert.Equal(t, postgresName, client.Name())
	assert.Equal(t, "db", client.cfg.Host)
	assert.NotNil(t, client.connect)
	assert.NoError(t, client.Close(), "closing an unopened client is a no-op")
}

func TestPostgresRegister(t *testing.T) {
	t.Parallel()

	client, mock := makePostgresClient(t, "pg-register")
	mock.ExpectExec("INSERT INTO service_instances").
		WithArgs("orders", "host-a:orders:8080", "10.0.0.1", 8080, false, "UP", pgxmock.AnyArg(), 90.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, client.Register(context.Background(), pgInstance()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRegister_OpensPoolOnce(t *testing.T) {
	t.Parallel()

	client, mock := makePostgresClient(t, "pg-open-once")
	opens := 0
	connect := client.connect
	client.connect = func(ctx context.Context, cfg config.PostgresConfig) (pgPool, error) {
		opens++
		return connect(ctx, cfg)
	}

	for range 2 {
		mock.ExpectExec("INSERT INTO service_instances").
			WithArgs(anyArgs(8)...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectClose()

	require.NoError(t, client.Register(context.Background(), pgInstance()))
	require.NoError(t, client.Register(context.Background(), pgInstance()))
	require.NoError(t, client.Close())

	assert.Equal(t, 1, opens)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRegister_SchemaFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS service_instances").
		WillReturnError(errors.New("permission denied"))
	mock.ExpectClose()

	client := &PostgresClient{
		lease: testLease,
		cb:    NewCircuitBreaker("pg-schema"),
		connect: func(_ context.Context, _ config.PostgresConfig) (pgPool, error) {
			return mock, nil
		},
	}

	err = client.Register(context.Background(), pgInstance())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service_instances")
	assert.Contains(t, err.Error(), "permission denied")
	assert.Nil(t, client.pool, "a pool that failed bootstrap is not cached")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRenew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		rows         int64
		execErr      error
		wantErr      bool
		wantNotFound bool
	}{
		{name: "lease extended", rows: 1},
		{name: "row expired", rows: 0, wantErr: true, wantNotFound: true},
		{name: "database error", execErr: errors.New("conn reset"), wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client, mock := makePostgresClient(t, "pg-renew-"+tc.name)
			exp := mock.ExpectExec("UPDATE service_instances").
				WithArgs("orders", "host-a:orders:8080", "UP", 90.0)
			if tc.execErr != nil {
				exp.WillReturnError(tc.execErr)
			} else {
				exp.WillReturnResult(pgxmock.NewResult("UPDATE", tc.rows))
			}

			err := client.Renew(context.Background(), pgInstance())
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.wantNotFound, errors.Is(err, discovery.ErrNotRegistered))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresDeregister(t *testing.T) {
	t.Parallel()

	client, mock := makePostgresClient(t, "pg-dereg")
	mock.ExpectExec("DELETE FROM service_instances").
		WithArgs("orders", "host-a:orders:8080").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, client.Deregister(context.Background(), pgInstance()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInstances(t *testing.T) {
	t.Parallel()

	client, mock := makePostgresClient(t, "pg-instances")
	updated := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := pgxmock.NewRows([]string{
		"instance_id", "service", "host", "port", "secure", "status", "metadata", "updated_at",
	}).
		AddRow("a", "orders", "10.0.0.1", 8080, false, "UP", []byte(`{"zone":"a"}`), updated).
		AddRow("b", "orders", "10.0.0.2", 8443, true, "OUT_OF_SERVICE", []byte(`{}`), updated)
	mock.ExpectQuery("SELECT instance_id").WithArgs("orders").WillReturnRows(rows)

	got, err := client.Instances(context.Background(), "Orders")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, discovery.StatusUp, got[0].Status)
	assert.Equal(t, map[string]string{"zone": "a"}, got[0].Metadata)
	assert.Equal(t, updated, got[0].UpdatedAt)
	assert.Equal(t, "https://10.0.0.2:8443", got[1].URI())
	assert.Equal(t, discovery.StatusOutOfService, got[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInstances_QueryError(t *testing.T) {
	t.Parallel()

	client, mock := makePostgresClient(t, "pg-instances-err")
	mock.ExpectQuery("SELECT instance_id").WithArgs("orders").
		WillReturnError(errors.New("relation does not exist"))

	_, err := client.Instances(context.Background(), "orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relation does not exist")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresServices(t *testing.T) {
	t.Parallel()

	client, mock := makePostgresClient(t, "pg-services")
	mock.ExpectQuery("SELECT DISTINCT service").
		WillReturnRows(pgxmock.NewRows([]string{"service"}).AddRow("billing").AddRow("orders"))

	got, err := client.Services(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "orders"}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresProbe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		pingErr    error
		wantOK     bool
		wantErrSub string
	}{
		{name: "ping ok", wantOK: true},
		{name: "ping error", pingErr: errors.New("connection refused"), wantErrSub: "ping"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client, mock := makePostgresClient(t, "pg-probe-"+tc.name)
			exp := mock.ExpectPing()
			if tc.pingErr != nil {
				exp.WillReturnError(tc.pingErr)
			}

			result := client.Probe(context.Background())

			assert.Equal(t, postgresName, result.Name)
			assert.Equal(t, tc.wantOK, result.OK)
			if tc.wantErrSub != "" {
				assert.Contains(t, result.Error, tc.wantErrSub)
			} else {
				assert.Empty(t, result.Error)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresProbe_ConnectError(t *testing.T) {
	t.Parallel()

	client := makePostgresClientWithConnErr(errors.New("dial error"), "pg-probe-dial")
	result := client.Probe(context.Background())

	assert.False(t, result.OK)
	assert.Contains(t, result.Error, "dial error")
}

func TestPostgresProbeCircuitBreaker_OpensAfterThreeFailures(t *testing.T) {
	t.Parallel()

	client := makePostgresClientWithConnErr(errors.New("connection refused"), "pg-cb-open")

	// Three consecutive failures should trip the breaker.
	for i := range 3 {
		result := client.Probe(context.Background())
		assert.False(t, result.OK, "probe %d should fail", i+1)
		assert.NotEqual(t, "circuit open", result.Error,
			"probe %d should not be circuit-open yet", i+1)
	}

	// The 4th call must be rejected immediately by the open breaker.
	result := client.Probe(context.Background())
	assert.False(t, result.OK)
	assert.Equal(t, "circuit open", result.Error)
}

func TestNewCircuitBreaker(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("unit-test")
	assert.NotNil(t, cb)
	assert.Equal(t, "unit-test", cb.Name())
}

func TestBreakerErr(t *testing.T) {
	t.Parallel()

	plain := errors.New("boom")
	assert.Equal(t, plain, breakerErr(plain))
	assert.Nil(t, breakerErr(nil))

	client := makePostgresClientWithConnErr(errors.New("refused"), "breaker-err")
	for range 3 {
		_ = client.Register(context.Background(), pgInstance())
	}
	err := client.Register(context.Background(), pgInstance())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
}
