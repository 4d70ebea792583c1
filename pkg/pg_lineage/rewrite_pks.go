package pg_lineage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// ErrNotSelect is returned for statements other than a single SELECT.
var ErrNotSelect = errors.New("only a single SELECT statement can be rewritten")

// KeySet describes the primary key columns injected for one range entry.
type KeySet struct {
	Alias    string   // name the table is referenced by in its scope
	Table    string   // schema-qualified base table
	Columns  []string // primary key columns, catalog order
	Names    []string // injected output column per key column
	TopLevel bool     // projected by the outermost SELECT
}

// Rewrite is the result of RewriteSelectInjectPKs.
type Rewrite struct {
	SQL    string
	Keys   []*KeySet
	Tables []string // every base table read anywhere in the query, sorted
}

// Adds groups the injected column names by alias.
func (r *Rewrite) Adds() map[string][]string {
	out := map[string][]string{}
	for _, ks := range r.Keys {
		out[ks.Alias] = append(out[ks.Alias], ks.Names...)
	}
	return out
}

// Projected returns the key sets the outermost SELECT returns, one per
// range entry.
func (r *Rewrite) Projected() []*KeySet {
	var out []*KeySet
	for _, ks := range r.Keys {
		if ks.TopLevel {
			out = append(out, ks)
		}
	}
	return out
}

// Opaque lists tables the query reads whose rows cannot be traced to
// result rows.
func (r *Rewrite) Opaque() []string {
	traced := map[string]bool{}
	for _, ks := range r.Projected() {
		traced[ks.Table] = true
	}
	var out []string
	for _, t := range r.Tables {
		if !traced[t] {
			out = append(out, t)
		}
	}
	return out
}

// IsInjected reports whether a result column was added by the rewrite.
func IsInjected(column string) bool { return strings.HasPrefix(column, "_pk_") }

// RewriteSelectInjectPKs parses a SELECT and appends _pk_<alias>_<col>
// projections for every base table in the top-level FROM, lifting keys out
// of FROM subselects. Grouped, distinct and set-operation selects are left
// alone, as are CTE bodies and sublinks; their tables end up opaque.
func RewriteSelectInjectPKs(sql string, cat Catalog) (*Rewrite, error) {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if len(tree.GetStmts()) != 1 || tree.GetStmts()[0].GetStmt().GetSelectStmt() == nil {
		return nil, ErrNotSelect
	}

	tables, ctes, err := referencedTables(sql)
	if err != nil {
		return nil, err
	}

	r := &rewriter{cat: cat, ctes: ctes}
	for _, i := range r.selectStmt(tree.GetStmts()[0].GetStmt().GetSelectStmt()) {
		r.keys[i].TopLevel = true
	}

	out, err := pg_query.Deparse(tree)
	if err != nil {
		return nil, fmt.Errorf("deparse: %w", err)
	}
	return &Rewrite{SQL: out, Keys: r.keys, Tables: tables}, nil
}

type rewriter struct {
	cat  Catalog
	ctes map[string]bool
	keys []*KeySet
}

// source is one FROM entry at a given scope.
type source struct {
	alias   string
	table   string // empty for derived sources
	exposed []int  // derived: key sets the subselect projects
}

// selectStmt mutates sel in place and returns the indexes (into r.keys) of
// the key sets its target list projects.
func (r *rewriter) selectStmt(sel *pg_query.SelectStmt) []int {
	if sel == nil {
		return nil
	}

	// UNION and friends: arms must keep matching column lists.
	if sel.GetLarg() != nil || len(sel.GetValuesLists()) > 0 {
		return nil
	}

	sources := r.from(sel.GetFromClause())

	if len(sources) == 0 || grouped(sel) {
		return nil
	}

	origLen := len(sel.GetTargetList())
	existing := make(map[string]bool, origLen)
	star := map[string]bool{}
	for _, n := range sel.GetTargetList() {
		rt := n.GetResTarget()
		if rt == nil {
			continue
		}
		if rt.GetName() != "" {
			existing[rt.GetName()] = true
		}
		if cr := rt.GetVal().GetColumnRef(); cr != nil {
			fields := cr.GetFields()
			if len(fields) > 0 && fields[len(fields)-1].GetAStar() != nil {
				if len(fields) == 1 {
					star[""] = true
				} else {
					star[fields[len(fields)-2].GetString_().GetSval()] = true
				}
			}
		}
	}

	var exposed []int
	for _, src := range sources {
		if src.table == "" {
			for _, i := range src.exposed {
				ks := r.keys[i]
				if !star[""] && !star[src.alias] {
					for _, name := range ks.Names {
						if existing[name] {
							continue
						}
						sel.TargetList = append(sel.TargetList, node(makeResTargetForAliasCol(src.alias, name, name)))
						existing[name] = true
					}
				}
				exposed = append(exposed, i)
			}
			continue
		}

		pks, ok := r.cat.PrimaryKeys(src.table)
		if !ok || len(pks) == 0 {
			continue
		}
		ks := &KeySet{Alias: src.alias, Table: src.table, Columns: pks}
		for _, pk := range pks {
			name := fmt.Sprintf("_pk_%s_%s", src.alias, pk)
			ks.Names = append(ks.Names, name)
			if existing[name] {
				continue
			}
			sel.TargetList = append(sel.TargetList, node(makeResTargetForAliasCol(src.alias, pk, name)))
			existing[name] = true
		}
		r.keys = append(r.keys, ks)
		exposed = append(exposed, len(r.keys)-1)
	}

	// Only the injected tail is sorted; user targets keep their order.
	injected := sel.TargetList[origLen:]
	sort.SliceStable(injected, func(i, j int) bool {
		return injected[i].GetResTarget().GetName() < injected[j].GetResTarget().GetName()
	})
	return exposed
}

// from collects the range entries of one scope, recursing into subselects
// on the way.
func (r *rewriter) from(items []*pg_query.Node) []source {
	var out []source
	for _, n := range items {
		switch {
		case n.GetRangeVar() != nil:
			rv := n.GetRangeVar()
			alias := rv.GetRelname()
			if a := rv.GetAlias(); a != nil && a.GetAliasname() != "" {
				alias = a.GetAliasname()
			}
			if rv.GetSchemaname() == "" && r.ctes[rv.GetRelname()] {
				out = append(out, source{alias: alias})
				continue
			}
			table := rv.GetRelname()
			if sch := rv.GetSchemaname(); sch != "" {
				table = sch + "." + table
			}
			out = append(out, source{alias: alias, table: Qualify(table)})

		case n.GetJoinExpr() != nil:
			je := n.GetJoinExpr()
			inner := r.from([]*pg_query.Node{je.GetLarg(), je.GetRarg()})
			if je.GetAlias() != nil {
				// Aliased joins hide their members' names.
				continue
			}
			out = append(out, inner...)

		case n.GetRangeSubselect() != nil:
			rs := n.GetRangeSubselect()
			alias := "subselect"
			if a := rs.GetAlias(); a != nil && a.GetAliasname() != "" {
				alias = a.GetAliasname()
			}
			var exposed []int
			if sub := rs.GetSubquery(); sub != nil && sub.GetSelectStmt() != nil {
				exposed = r.selectStmt(sub.GetSelectStmt())
			}
			// A column alias list renames outputs, so the keys cannot be referenced.
			if rs.GetAlias() != nil && len(rs.GetAlias().GetColnames()) > 0 {
				exposed = nil
			}
			out = append(out, source{alias: alias, exposed: exposed})
		}
	}
	return out
}

var aggregates = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"array_agg": true, "string_agg": true, "json_agg": true, "jsonb_agg": true,
	"json_object_agg": true, "jsonb_object_agg": true, "bool_and": true,
	"bool_or": true, "every": true, "bit_and": true, "bit_or": true,
}

// grouped reports whether result rows stand for groups of base rows.
func grouped(sel *pg_query.SelectStmt) bool {
	if len(sel.GetGroupClause()) > 0 || len(sel.GetDistinctClause()) > 0 || sel.GetHavingClause() != nil {
		return true
	}
	for _, n := range sel.GetTargetList() {
		if rt := n.GetResTarget(); rt != nil && hasAggregate(rt.GetVal()) {
			return true
		}
	}
	return false
}

func hasAggregate(e *pg_query.Node) bool {
	if e == nil {
		return false
	}
	switch {
	case e.GetFuncCall() != nil:
		fc := e.GetFuncCall()
		if fc.GetOver() != nil {
			return false
		}
		names := fc.GetFuncname()
		if fc.GetAggStar() || (len(names) > 0 && aggregates[names[len(names)-1].GetString_().GetSval()]) {
			return true
		}
		for _, a := range fc.GetArgs() {
			if hasAggregate(a) {
				return true
			}
		}
	case e.GetAExpr() != nil:
		return hasAggregate(e.GetAExpr().GetLexpr()) || hasAggregate(e.GetAExpr().GetRexpr())
	case e.GetTypeCast() != nil:
		return hasAggregate(e.GetTypeCast().GetArg())
	case e.GetCoalesceExpr() != nil:
		for _, a := range e.GetCoalesceExpr().GetArgs() {
			if hasAggregate(a) {
				return true
			}
		}
	}
	return false
}

// referencedTables walks the JSON parse tree for every RangeVar. CTE
// names are returned separately and excluded from the tables.
func referencedTables(sql string) ([]string, map[string]bool, error) {
	js, err := pg_query.ParseToJSON(sql)
	if err != nil {
		return nil, nil, fmt.Errorf("parse: %w", err)
	}
	var tree any
	if err := json.Unmarshal([]byte(js), &tree); err != nil {
		return nil, nil, fmt.Errorf("parse tree: %w", err)
	}

	type rangeVar struct{ schema, rel string }
	var vars []rangeVar
	ctes := map[string]bool{}

	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			if rv, ok := t["RangeVar"].(map[string]any); ok {
				rel, _ := rv["relname"].(string)
				sch, _ := rv["schemaname"].(string)
				vars = append(vars, rangeVar{sch, rel})
			}
			if cte, ok := t["CommonTableExpr"].(map[string]any); ok {
				if name, _ := cte["ctename"].(string); name != "" {
					ctes[name] = true
				}
			}
			for _, child := range t {
				walk(child)
			}
		case []any:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(tree)

	seen := map[string]bool{}
	var tables []string
	for _, rv := range vars {
		if rv.rel == "" || (rv.schema == "" && ctes[rv.rel]) {
			continue
		}
		name := rv.rel
		if rv.schema != "" {
			name = rv.schema + "." + name
		}
		name = Qualify(name)
		if !seen[name] {
			seen[name] = true
			tables = append(tables, name)
		}
	}
	sort.Strings(tables)
	return tables, ctes, nil
}

// Helpers
func makeResTargetForAliasCol(alias, col, name string) *pg_query.ResTarget {
	colref := &pg_query.ColumnRef{
		Fields: []*pg_query.Node{strNode(alias), strNode(col)},
	}
	return &pg_query.ResTarget{
		Name: name,
		Val:  node(colref),
	}
}

func strNode(s string) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_String_{
			String_: &pg_query.String{Sval: s},
		},
	}
}

func node(x any) *pg_query.Node {
	switch v := x.(type) {
	case *pg_query.ResTarget:
		return &pg_query.Node{Node: &pg_query.Node_ResTarget{ResTarget: v}}
	case *pg_query.ColumnRef:
		return &pg_query.Node{Node: &pg_query.Node_ColumnRef{ColumnRef: v}}
	default:
		panic("unsupported node helper")
	}
}
