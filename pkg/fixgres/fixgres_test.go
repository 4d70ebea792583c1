package fixgres

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchPath(t *testing.T) {
	got := searchPath("postgres://u:p@localhost:5432/db?sslmode=disable", "t_abc")
	assert.Equal(t, "postgres://u:p@localhost:5432/db?options=-csearch_path%3Dt_abc%2Cpublic&sslmode=disable", got)
}

func TestSandboxIsolation(t *testing.T) {
	Require(t, WithMigrations(fstest.MapFS{
		"00001_shared.sql": {Data: []byte("-- +goose Up\nCREATE TABLE shared (id INT PRIMARY KEY);\n-- +goose Down\nDROP TABLE shared;\n")},
	}))
	ctx := context.Background()

	a, b := NewSandbox(t), NewSandbox(t)
	require.NotEqual(t, a.Schema, b.Schema)

	_, err := a.DB.ExecContext(ctx, "CREATE TABLE only_a (id INT)")
	require.NoError(t, err)

	var n int
	require.NoError(t, a.DB.QueryRowContext(ctx, "SELECT count(*) FROM only_a").Scan(&n))
	_, err = b.DB.ExecContext(ctx, "SELECT 1 FROM only_a")
	assert.Error(t, err)

	for _, sb := range []*Sandbox{a, b} {
		require.NoError(t, sb.DB.QueryRowContext(ctx, "SELECT count(*) FROM shared").Scan(&n))
		assert.Zero(t, n)
	}
}
