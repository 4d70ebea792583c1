// Package fixgres boots one throwaway postgres container per test binary
// and hands out isolated schemas on it.
package fixgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// EnvVar must be "1" for Require to let a test through. The container
// needs a docker daemon, which plain `go test` runs shouldn't assume.
const EnvVar = "SYNCBROKER_PG_TESTS"

type config struct {
	image      string
	dbName     string
	user       string
	password   string
	migrations fs.FS
}

type Option func(*config)

func WithImage(i string) Option    { return func(c *config) { c.image = i } }
func WithDBName(n string) Option   { return func(c *config) { c.dbName = n } }
func WithUser(u string) Option     { return func(c *config) { c.user = u } }
func WithPassword(p string) Option { return func(c *config) { c.password = p } }

// WithMigrations applies the goose migrations in fsys to the public schema
// once the container is up.
func WithMigrations(fsys fs.FS) Option {
	return func(c *config) { c.migrations = fsys }
}

var (
	bootOnce sync.Once
	bootErr  error

	mu         sync.Mutex
	container  *postgres.PostgresContainer
	connString string
)

// Require skips t unless EnvVar is set, then boots the shared container.
// Options only count on the first call.
func Require(t *testing.T, opts ...Option) {
	t.Helper()
	if os.Getenv(EnvVar) != "1" {
		t.Skipf("set %s=1 to run postgres tests", EnvVar)
	}
	bootOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		c := &config{
			image:    "docker.io/postgres:16-alpine",
			dbName:   "syncbroker",
			user:     "postgres",
			password: "pass",
		}
		for _, o := range opts {
			o(c)
		}
		bootErr = boot(ctx, c)
	})
	if bootErr != nil {
		t.Fatalf("fixgres boot failed: %v", bootErr)
	}
}

func boot(ctx context.Context, c *config) error {
	pg, err := postgres.Run(ctx, c.image,
		postgres.WithDatabase(c.dbName),
		postgres.WithUsername(c.user),
		postgres.WithPassword(c.password),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return errors.Join(err, pg.Terminate(ctx))
	}

	mu.Lock()
	container, connString = pg, dsn
	mu.Unlock()

	if c.migrations == nil {
		return nil
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	p, err := goose.NewProvider(goose.DialectPostgres, db, c.migrations)
	if err != nil {
		return fmt.Errorf("goose: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// DSN of the shared container's database. Empty before Require.
func DSN() string {
	mu.Lock()
	defer mu.Unlock()
	return connString
}

// Shutdown terminates the container, typically from TestMain after m.Run.
func Shutdown() error {
	mu.Lock()
	defer mu.Unlock()
	if container == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := container.Terminate(ctx)
	container, connString = nil, ""
	return err
}
