package pg_lineage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/lib/pq"
)

// Catalog provides primary key columns of base tables. Table names are
// "schema.table"; a bare name means the public schema.
type Catalog interface {
	PrimaryKeys(table string) ([]string, bool)
}

// Qualify returns the schema-qualified form of a table name.
func Qualify(table string) string {
	if strings.Contains(table, ".") {
		return table
	}
	return "public." + table
}

// Unqualify drops the public schema, leaving other schemas in place.
func Unqualify(table string) string {
	return strings.TrimPrefix(table, "public.")
}

// StaticCatalog maps table names to key columns. Handy for tests and for
// catalogs assembled from configuration.
type StaticCatalog map[string][]string

func (c StaticCatalog) PrimaryKeys(table string) ([]string, bool) {
	return lookup(c, table)
}

func lookup(m map[string][]string, table string) ([]string, bool) {
	if v, ok := m[table]; ok {
		return v, true
	}
	if v, ok := m[Qualify(table)]; ok {
		return v, true
	}
	if v, ok := m[Unqualify(table)]; ok {
		return v, true
	}
	return nil, false
}

// Merge consults each catalog in order. The first hit wins.
func Merge(cats ...Catalog) Catalog { return multiCatalog(cats) }

type multiCatalog []Catalog

func (m multiCatalog) PrimaryKeys(table string) ([]string, bool) {
	for _, c := range m {
		if c == nil {
			continue
		}
		if pks, ok := c.PrimaryKeys(table); ok {
			return pks, true
		}
	}
	return nil, false
}

// DBSchemaCatalog implements Catalog using information_schema data.
type DBSchemaCatalog struct {
	pks map[string][]string // "schema.table" -> key columns in ordinal order
}

// NewCatalogFromDB loads primary keys from a live PostgreSQL connection.
// Optionally filter to specific schemas (e.g., []string{"public"}).
func NewCatalogFromDB(ctx context.Context, db *sql.DB, schemas []string) (*DBSchemaCatalog, error) {
	query := `
		SELECT tc.table_schema, tc.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_schema = tc.constraint_schema
		 AND kcu.constraint_name = tc.constraint_name
		 AND kcu.table_name = tc.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema NOT IN ('pg_catalog', 'information_schema')`

	if len(schemas) > 0 {
		var qs []string
		for _, s := range schemas {
			qs = append(qs, pq.QuoteLiteral(s))
		}
		query += " AND tc.table_schema IN (" + strings.Join(qs, ", ") + ")"
	}

	query += `
		ORDER BY tc.table_schema, tc.table_name, kcu.ordinal_position;`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query information_schema: %w", err)
	}
	defer rows.Close()

	cat := &DBSchemaCatalog{pks: make(map[string][]string)}
	for rows.Next() {
		var schema, tbl, col string
		if err := rows.Scan(&schema, &tbl, &col); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		key := schema + "." + tbl
		cat.pks[key] = append(cat.pks[key], col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return cat, nil
}

func (c *DBSchemaCatalog) PrimaryKeys(table string) ([]string, bool) {
	return lookup(c.pks, table)
}

// ExportJSON dumps the catalog to a file in JSON format.
func (c *DBSchemaCatalog) ExportJSON(path string) error {
	b, err := json.MarshalIndent(c.pks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

// LoadCatalogFromJSON reads a catalog previously dumped by ExportJSON.
func LoadCatalogFromJSON(path string) (*DBSchemaCatalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog json: %w", err)
	}
	var pks map[string][]string
	if err := json.Unmarshal(b, &pks); err != nil {
		return nil, fmt.Errorf("unmarshal catalog json: %w", err)
	}
	return &DBSchemaCatalog{pks: pks}, nil
}

// Tables returns a sorted list of all fully-qualified table names.
func (c *DBSchemaCatalog) Tables() []string {
	keys := make([]string, 0, len(c.pks))
	for k := range c.pks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
