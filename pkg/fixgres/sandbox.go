package fixgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/oklog/ulid/v2"
)

// Sandbox is a schema of its own on the shared database. Every pooled
// connection searches it before public, so unqualified DDL lands here
// while migrated tables stay visible.
type Sandbox struct {
	DB     *sql.DB
	Schema string
}

// NewSandbox creates a fresh schema and drops it when t finishes.
func NewSandbox(t *testing.T) *Sandbox {
	t.Helper()
	dsn := DSN()
	if dsn == "" {
		t.Fatalf("fixgres: call Require before NewSandbox")
	}

	admin, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("fixgres: open admin: %v", err)
	}

	schema := "t_" + strings.ToLower(ulid.Make().String())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+pq.QuoteIdentifier(schema)); err != nil {
		admin.Close()
		t.Fatalf("fixgres: create schema: %v", err)
	}

	db, err := sql.Open("pgx", searchPath(dsn, schema))
	if err != nil {
		admin.Close()
		t.Fatalf("fixgres: open sandbox: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := admin.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+pq.QuoteIdentifier(schema)+" CASCADE"); err != nil {
			t.Logf("fixgres: drop schema %s: %v", schema, err)
		}
		_ = admin.Close()
	})
	return &Sandbox{DB: db, Schema: schema}
}

func searchPath(dsn, schema string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	q := u.Query()
	q.Set("options", fmt.Sprintf("-csearch_path=%s,public", schema))
	u.RawQuery = q.Encode()
	return u.String()
}
