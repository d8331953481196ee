// Package dbtest provides transaction doubles for unit tests and a
// throwaway Postgres for integration tests.
package dbtest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/benchwarmers/marketplace/internal/database"
)

// Tx satisfies pgx.Tx for tests whose repositories are stubbed; only
// Commit and Rollback are observed.
type Tx struct {
	mu         sync.Mutex
	Committed  bool
	RolledBack bool
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return t, nil }

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Committed = true
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Committed {
		t.RolledBack = true
	}
	return nil
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }

// Beginner hands out Tx values and remembers them.
type Beginner struct {
	mu  sync.Mutex
	Txs []*Tx
	Err error
}

func (b *Beginner) Begin(context.Context) (pgx.Tx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, b.Err
	}
	tx := &Tx{}
	b.Txs = append(b.Txs, tx)
	return tx, nil
}

// Commits counts committed transactions.
func (b *Beginner) Commits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, tx := range b.Txs {
		if tx.Committed {
			n++
		}
	}
	return n
}

// Postgres starts a migrated Postgres 16 container, or reuses BW_TEST_PG_DSN.
// It skips unless BW_INTEGRATION is set and the test is not -short.
func Postgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() || os.Getenv("BW_INTEGRATION") == "" {
		t.Skip("integration test: set BW_INTEGRATION=1 to run")
	}
	ctx := context.Background()

	dsn := os.Getenv("BW_TEST_PG_DSN")
	if dsn == "" {
		c, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("benchwarmers"),
			postgres.WithUsername("benchwarmers"),
			postgres.WithPassword("benchwarmers"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			t.Fatalf("start postgres container: %v", err)
		}
		t.Cleanup(func() { _ = c.Terminate(context.Background()) })
		dsn, err = c.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("connection string: %v", err)
		}
	}

	pool, err := database.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := database.Migrate(ctx, pool, slog.New(slog.NewJSONHandler(io.Discard, nil))); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

// Fixture is a seeker and a provider company joined by one engagement,
// each with a single member.
type Fixture struct {
	SeekerCompany   uuid.UUID
	ProviderCompany uuid.UUID
	Engagement      uuid.UUID
	SeekerUser      uuid.UUID
	ProviderUser    uuid.UUID
}

// Seed inserts a fresh Fixture.
func Seed(t *testing.T, pool *pgxpool.Pool) Fixture {
	t.Helper()
	ctx := context.Background()
	var f Fixture
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	must(pool.QueryRow(ctx, `INSERT INTO companies (name, kind) VALUES ('Acme', 'seeker') RETURNING id`).Scan(&f.SeekerCompany))
	must(pool.QueryRow(ctx, `INSERT INTO companies (name, kind) VALUES ('Bench Co', 'provider') RETURNING id`).Scan(&f.ProviderCompany))
	must(pool.QueryRow(ctx, `
		INSERT INTO engagements (seeker_company_id, provider_company_id, title)
		VALUES ($1, $2, 'backend contract') RETURNING id
	`, f.SeekerCompany, f.ProviderCompany).Scan(&f.Engagement))
	f.SeekerUser = SeedUser(t, pool, f.SeekerCompany)
	f.ProviderUser = SeedUser(t, pool, f.ProviderCompany)
	return f
}

// SeedUser inserts a member of companyID with a unique email.
func SeedUser(t *testing.T, pool *pgxpool.Pool, companyID uuid.UUID) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := pool.QueryRow(context.Background(), `
		INSERT INTO users (email, password_hash, company_id) VALUES ($1, 'x', $2) RETURNING id
	`, uuid.NewString()+"@example.test", companyID).Scan(&id)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}
