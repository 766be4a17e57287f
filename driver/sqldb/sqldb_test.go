package sqldb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pitabwire/durable/driver"
	"github.com/pitabwire/durable/internal/drivertest"
	"github.com/pitabwire/durable/model"
)

func newSQLite(t *testing.T, opts ...driver.Option) *Driver {
	t.Helper()
	d, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "durable.db"), opts...)
	require.NoError(t, err)
	return d
}

// offlineDriver lets the conformance suite take the history table away.
type offlineDriver struct {
	*Driver
}

func (d *offlineDriver) Break(t *testing.T) {
	_, err := d.DB().ExecContext(context.Background(), `ALTER TABLE workflow_events RENAME TO workflow_events_offline`)
	require.NoError(t, err)
	t.Cleanup(func() { d.Restore(t) })
}

func (d *offlineDriver) Restore(t *testing.T) {
	var n int
	err := d.DB().QueryRowContext(context.Background(), `SELECT COUNT(*) FROM workflow_events_offline`).Scan(&n)
	if err != nil {
		return
	}
	_, err = d.DB().ExecContext(context.Background(), `ALTER TABLE workflow_events_offline RENAME TO workflow_events`)
	require.NoError(t, err)
}

func TestSQLiteConformance(t *testing.T) {
	drivertest.RunSuite(t, func(t *testing.T, opts ...driver.Option) model.Driver {
		return &offlineDriver{Driver: newSQLite(t, opts...)}
	})
}

func TestPostgresConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("durable"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	shared, err := OpenPostgres(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shared.Close() })

	drivertest.RunSuite(t, func(t *testing.T, opts ...driver.Option) model.Driver {
		_, err := shared.DB().ExecContext(ctx, `TRUNCATE workflows, workflow_tags, workflow_wake_signals,
			workflow_events, signals, worker_instances`)
		require.NoError(t, err)
		return &offlineDriver{Driver: New(shared.DB(), Postgres, opts...)}
	})
}

func TestMigrateIdempotent(t *testing.T) {
	d := newSQLite(t)
	defer d.Close()

	ctx := context.Background()
	require.NoError(t, d.Migrate(ctx))
	require.NoError(t, d.Migrate(ctx))

	var version int
	require.NoError(t, d.DB().QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestRebind(t *testing.T) {
	q := `SELECT 1 FROM workflows WHERE id = ? AND name IN (?, ?)`
	assert.Equal(t, q, SQLite.rebind(q))
	assert.Equal(t, `SELECT 1 FROM workflows WHERE id = $1 AND name IN ($2, $3)`, Postgres.rebind(q))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("CREATE TABLE a (x INT);\n\n CREATE INDEX i ON a (x);\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a (x)"}, stmts)
}

func TestLoopForgettingKeepsSiblings(t *testing.T) {
	d := newSQLite(t)
	defer d.Close()
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, d.DispatchWorkflow(ctx, model.DispatchRequest{ID: id, Name: "loop", Input: []byte(`1`)}))

	loop := model.Location{2}
	require.NoError(t, d.UpsertLoop(ctx, id, model.LoopUpdate{Ref: model.EventRef{Location: loop}, State: []byte(`0`)}))
	require.NoError(t, d.CommitBranchEvent(ctx, id, model.EventRef{Location: model.Location{2, 0, 0}}))
	require.NoError(t, d.CommitBranchEvent(ctx, id, model.EventRef{Location: model.Location{20, 0}}))

	require.NoError(t, d.UpsertLoop(ctx, id, model.LoopUpdate{
		Ref: model.EventRef{Location: loop}, Iteration: 1, State: []byte(`1`),
	}))

	events, err := d.GetHistory(ctx, id)
	require.NoError(t, err)
	var locs []string
	for _, ev := range events {
		locs = append(locs, ev.Location.String())
	}
	assert.Equal(t, []string{"2", "20.0"}, locs)
	assert.Equal(t, uint32(1), events[0].Iteration)
}

func TestOpenRejectsBadPostgresDSN(t *testing.T) {
	_, err := Open(context.Background(), "postgres://%zz")
	assert.Error(t, err)
}
