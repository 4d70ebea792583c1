package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoravur/syncbroker/internal/reactive"
	"github.com/zoravur/syncbroker/pkg/fixgres"
	"github.com/zoravur/syncbroker/pkg/pg_lineage"
)

func postgresSandbox(t *testing.T) *DB {
	t.Helper()
	migs, err := Migrations(Pgx)
	require.NoError(t, err)
	fixgres.Require(t, fixgres.WithMigrations(migs))
	sbx := fixgres.NewSandbox(t)
	return Wrap(sbx.DB, Pgx)
}

func TestQueryChannelPostgres(t *testing.T) {
	ctx := context.Background()
	db := postgresSandbox(t)
	_, err := db.ExecContext(ctx, `
		CREATE TABLE actors (id SERIAL PRIMARY KEY, name TEXT NOT NULL);
		CREATE TABLE films (id SERIAL PRIMARY KEY, title TEXT NOT NULL, actor_id INT REFERENCES actors(id));
		INSERT INTO actors (name) VALUES ('Ada'), ('Grace');
		INSERT INTO films (title, actor_id) VALUES ('One', 1), ('Two', 2), ('Three', 1);`)
	require.NoError(t, err)

	cat := pg_lineage.StaticCatalog{"actors": {"id"}, "films": {"id"}}
	qc, err := NewQueryChannel(db, ChannelSpec{
		Name:  "credits",
		Query: "SELECT f.title, a.name FROM films f JOIN actors a ON a.id = f.actor_id ORDER BY f.id",
	}, cat, zap.NewNop())
	require.NoError(t, err)

	res, err := qc.Read(ctx, reactive.MustFilter(map[string]any{"name": "Ada"}))
	require.NoError(t, err)
	assert.Equal(t, []reactive.Object{
		{"title": "One", "name": "Ada"},
		{"title": "Three", "name": "Ada"},
	}, res.Rows)
	assert.ElementsMatch(t, []reactive.Key{"1", "3"}, res.Seen["films"])
	assert.ElementsMatch(t, []reactive.Key{"1", "1"}, res.Seen["actors"])
	assert.Empty(t, res.Opaque)

	_, err = qc.Read(ctx, reactive.MustFilter(map[string]any{"_pk_f_id": 1}))
	assert.Error(t, err)
}

func TestTableChannelPostgres(t *testing.T) {
	ctx := context.Background()
	db := postgresSandbox(t)
	_, err := db.ExecContext(ctx, `CREATE TABLE notes (id SERIAL PRIMARY KEY, body TEXT)`)
	require.NoError(t, err)

	tc, err := NewTableChannel(db, ChannelSpec{Table: "notes", Select: []string{"body"}, Insert: []string{"body"}}, zap.NewNop())
	require.NoError(t, err)
	obj, err := tc.Create(ctx, reactive.Object{"body": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", obj["body"])

	res, err := tc.Read(ctx, reactive.NoFilter)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
	assert.Equal(t, map[string][]reactive.Key{"notes": {"1"}}, res.Seen)
}
