package pg_lineage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCatalog = StaticCatalog{
	"actor":             {"id"},
	"public.film":       {"id"},
	"public.film_actor": {"film_id", "actor_id"},
}

func TestRewriteInjectPKs(t *testing.T) {
	cases := []struct {
		id       string
		query    string
		adds     map[string][]string
		tables   []string
		opaque   []string
		contains []string
	}{
		{
			id:       "simple alias",
			query:    "SELECT f.title FROM film f",
			adds:     map[string][]string{"f": {"_pk_f_id"}},
			tables:   []string{"public.film"},
			contains: []string{"f.id AS _pk_f_id"},
		},
		{
			id:       "join",
			query:    "SELECT f.title, a.name FROM film f JOIN actor a ON a.id = f.actor_id",
			adds:     map[string][]string{"f": {"_pk_f_id"}, "a": {"_pk_a_id"}},
			tables:   []string{"public.actor", "public.film"},
			contains: []string{"a.id AS _pk_a_id", "f.id AS _pk_f_id"},
		},
		{
			id:       "qualified without alias",
			query:    "SELECT title FROM public.film",
			adds:     map[string][]string{"film": {"_pk_film_id"}},
			tables:   []string{"public.film"},
			contains: []string{"film.id AS _pk_film_id"},
		},
		{
			id:     "composite key",
			query:  "SELECT fa.film_id FROM film_actor fa",
			adds:   map[string][]string{"fa": {"_pk_fa_film_id", "_pk_fa_actor_id"}},
			tables: []string{"public.film_actor"},
		},
		{
			id:       "derived table keys are lifted",
			query:    "SELECT s.title FROM (SELECT title FROM film) s",
			adds:     map[string][]string{"film": {"_pk_film_id"}},
			tables:   []string{"public.film"},
			contains: []string{"s._pk_film_id AS _pk_film_id"},
		},
		{
			id:     "sublink table is opaque",
			query:  "SELECT name FROM actor a WHERE EXISTS (SELECT 1 FROM film f WHERE f.actor_id = a.id)",
			adds:   map[string][]string{"a": {"_pk_a_id"}},
			tables: []string{"public.actor", "public.film"},
			opaque: []string{"public.film"},
		},
		{
			id:       "star keeps lifted keys",
			query:    "SELECT * FROM (SELECT f.title FROM film f) s",
			adds:     map[string][]string{"f": {"_pk_f_id"}},
			tables:   []string{"public.film"},
			contains: []string{"f.id AS _pk_f_id"},
		},
		{
			id:     "aggregate",
			query:  "SELECT count(*) FROM film",
			adds:   map[string][]string{},
			tables: []string{"public.film"},
			opaque: []string{"public.film"},
		},
		{
			id:     "group by",
			query:  "SELECT actor_id, sum(revenue) FROM film GROUP BY actor_id",
			adds:   map[string][]string{},
			tables: []string{"public.film"},
			opaque: []string{"public.film"},
		},
		{
			id:     "union",
			query:  "SELECT name FROM actor UNION SELECT title FROM film",
			adds:   map[string][]string{},
			tables: []string{"public.actor", "public.film"},
			opaque: []string{"public.actor", "public.film"},
		},
		{
			id:     "cte reference",
			query:  "WITH top AS (SELECT id, title FROM film f) SELECT title FROM top",
			adds:   map[string][]string{},
			tables: []string{"public.film"},
			opaque: []string{"public.film"},
		},
		{
			id:     "table without key",
			query:  "SELECT * FROM audit.log",
			adds:   map[string][]string{},
			tables: []string{"audit.log"},
			opaque: []string{"audit.log"},
		},
	}

	for _, c := range cases {
		t.Run(c.id, func(t *testing.T) {
			rw, err := RewriteSelectInjectPKs(c.query, testCatalog)
			require.NoError(t, err)

			assert.Equal(t, c.adds, rw.Adds())
			assert.Equal(t, c.tables, rw.Tables)
			assert.Equal(t, c.opaque, rw.Opaque())
			for _, frag := range c.contains {
				assert.Contains(t, normalizeSQL(rw.SQL), frag)
			}
		})
	}
}

func TestRewriteKeepsUserTargets(t *testing.T) {
	rw, err := RewriteSelectInjectPKs("SELECT f.title FROM film f", testCatalog)
	require.NoError(t, err)
	assert.Equal(t, "SELECT f.title, f.id AS _pk_f_id FROM film f", normalizeSQL(rw.SQL))

	require.Len(t, rw.Projected(), 1)
	ks := rw.Projected()[0]
	assert.Equal(t, "public.film", ks.Table)
	assert.Equal(t, []string{"id"}, ks.Columns)
}

func TestRewriteRejects(t *testing.T) {
	_, err := RewriteSelectInjectPKs("DELETE FROM film", testCatalog)
	assert.ErrorIs(t, err, ErrNotSelect)

	_, err = RewriteSelectInjectPKs("SELECT FROM WHERE", testCatalog)
	assert.Error(t, err)
}

func TestCatalogLookup(t *testing.T) {
	pks, ok := testCatalog.PrimaryKeys("public.actor")
	assert.True(t, ok)
	assert.Equal(t, []string{"id"}, pks)

	_, ok = testCatalog.PrimaryKeys("other.actor")
	assert.False(t, ok)

	merged := Merge(StaticCatalog{"film": {"code"}}, testCatalog)
	pks, _ = merged.PrimaryKeys("film")
	assert.Equal(t, []string{"code"}, pks)
	pks, _ = merged.PrimaryKeys("actor")
	assert.Equal(t, []string{"id"}, pks)
}

// Normalize spacing etc. for deparser variance.
func normalizeSQL(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
