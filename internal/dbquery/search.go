package dbquery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/dbquery/dbquery/internal/config"
	"github.com/dbquery/dbquery/internal/telemetry"
)

// Content match modes
const (
	ModeValue = "value"
	ModeRow   = "row"
)

const (
	defaultLimitPerColumn   = 50
	defaultProbeConcurrency = 4
)

var systemSchemas = []string{"pg_catalog", "information_schema", "pg_toast"}

var defaultTextTypes = []string{"text", "character varying", "character", "citext", "name"}

// SearchRequest is one keyword search. Zero values fall back to the engine defaults.
type SearchRequest struct {
	Keyword        string
	LimitPerColumn int
	ObjectType     string
	Mode           string
}

// ColumnMatch is a column whose name contains the keyword.
type ColumnMatch struct {
	Schema     string `db:"table_schema" json:"schema"`
	Table      string `db:"table_name" json:"table"`
	Column     string `db:"column_name" json:"column"`
	DataType   string `db:"data_type" json:"data_type"`
	IsNullable bool   `db:"is_nullable" json:"is_nullable"`
	IsKey      bool   `db:"is_key" json:"is_key"`
}

// ContentMatch lists the cells (or rows) of one text column containing the keyword.
type ContentMatch struct {
	Schema  string        `json:"schema"`
	Table   string        `json:"table"`
	Column  string        `json:"column"`
	Matches []interface{} `json:"matches"`
}

// ObjectMatch is a domain object found through an object type mapping. Fields
// holds the mapped search columns and is flattened into the JSON object.
type ObjectMatch struct {
	ID          string
	Type        string
	DisplayName string
	Fields      map[string]interface{}
}

// MarshalJSON renders {id, type, display_name, ...fields}.
func (o ObjectMatch) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(o.Fields)+3)
	for k, v := range o.Fields {
		out[k] = v
	}
	out["id"] = o.ID
	out["type"] = o.Type
	out["display_name"] = o.DisplayName
	return json.Marshal(out)
}

// SearchResult is the combined outcome of a keyword search. Every slice is
// non-nil so an empty search renders as empty lists.
type SearchResult struct {
	Keyword    string         `json:"keyword"`
	Mode       string         `json:"mode"`
	ObjectType string         `json:"object_type,omitempty"`
	Tables     []string       `json:"tables"`
	Columns    []ColumnMatch  `json:"columns"`
	Rows       []ContentMatch `json:"rows"`
	Objects    []ObjectMatch  `json:"objects"`
}

type textColumn struct {
	Schema string `db:"table_schema"`
	Table  string `db:"table_name"`
	Column string `db:"column_name"`
}

// SearchEngine matches a keyword against table names, column names, the
// contents of text columns and, optionally, one mapped object type.
type SearchEngine struct {
	db               *sqlx.DB
	limitPerColumn   int
	mode             string
	excludedSchemas  []string
	textTypes        []string
	probeConcurrency int
	objectTypes      map[string]config.ObjectTypeConfig
}

// NewSearchEngine creates a SearchEngine over db using the search settings in cfg.
func NewSearchEngine(db *sqlx.DB, cfg config.SearchConfig) *SearchEngine {
	e := &SearchEngine{
		db:               db,
		limitPerColumn:   cfg.LimitPerColumn,
		mode:             cfg.Mode,
		textTypes:        cfg.TextTypes,
		probeConcurrency: cfg.ProbeConcurrency,
		objectTypes:      cfg.ObjectTypeMappings(),
	}
	if e.limitPerColumn <= 0 {
		e.limitPerColumn = defaultLimitPerColumn
	}
	if e.mode != ModeRow {
		e.mode = ModeValue
	}
	if len(e.textTypes) == 0 {
		e.textTypes = defaultTextTypes
	}
	if e.probeConcurrency <= 0 {
		e.probeConcurrency = defaultProbeConcurrency
	}
	e.excludedSchemas = append(append([]string{}, systemSchemas...), cfg.ExcludedSchemas...)
	return e
}

// ObjectTypes returns the names of the configured object types, sorted.
func (e *SearchEngine) ObjectTypes() []string {
	names := make([]string, 0, len(e.objectTypes))
	for name := range e.objectTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Search runs the table, column and content steps, then the object step when
// req.ObjectType is set. Failures of a single content probe or of the object
// query are logged and skipped; metadata query failures abort the search.
func (e *SearchEngine) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	keyword := strings.TrimSpace(req.Keyword)
	if keyword == "" {
		return nil, ErrValidation("search keyword is required")
	}

	limit := req.LimitPerColumn
	if limit <= 0 {
		limit = e.limitPerColumn
	}
	mode := req.Mode
	switch mode {
	case "":
		mode = e.mode
	case ModeValue, ModeRow:
	default:
		return nil, ErrValidation("invalid search mode %q (must be %s or %s)", mode, ModeValue, ModeRow)
	}

	pattern := "%" + EscapeLike(keyword) + "%"
	result := &SearchResult{
		Keyword:    keyword,
		Mode:       mode,
		ObjectType: req.ObjectType,
		Tables:     []string{},
		Columns:    []ColumnMatch{},
		Rows:       []ContentMatch{},
		Objects:    []ObjectMatch{},
	}

	objectLabel := "none"
	if req.ObjectType != "" {
		objectLabel = "requested"
	}
	telemetry.SearchesTotal.WithLabelValues(objectLabel).Inc()

	tables, err := e.matchTables(ctx, pattern)
	if err != nil {
		return nil, classify(err)
	}
	result.Tables = tables

	columns, err := e.matchColumns(ctx, pattern)
	if err != nil {
		return nil, classify(err)
	}
	result.Columns = columns

	rows, err := e.matchContent(ctx, pattern, limit, mode)
	if err != nil {
		return nil, classify(err)
	}
	result.Rows = rows

	if req.ObjectType != "" {
		result.Objects = e.matchObjects(ctx, req.ObjectType, pattern, limit)
	}

	return result, nil
}

func (e *SearchEngine) matchTables(ctx context.Context, pattern string) ([]string, error) {
	var found []struct {
		Schema string `db:"table_schema"`
		Table  string `db:"table_name"`
	}
	query := `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_name ILIKE $1 AND table_schema <> ALL($2)
		ORDER BY table_schema, table_name
	`
	if err := e.db.SelectContext(ctx, &found, query, pattern, pq.Array(e.excludedSchemas)); err != nil {
		return nil, fmt.Errorf("table match: %w", err)
	}
	names := make([]string, 0, len(found))
	for _, t := range found {
		names = append(names, displayTableName(t.Schema, t.Table))
	}
	return names, nil
}

func (e *SearchEngine) matchColumns(ctx context.Context, pattern string) ([]ColumnMatch, error) {
	query := `
		SELECT c.table_schema, c.table_name, c.column_name, c.data_type,
		       c.is_nullable = 'YES' AS is_nullable,
		       EXISTS (
		           SELECT 1 FROM information_schema.key_column_usage k
		           WHERE k.table_schema = c.table_schema
		             AND k.table_name = c.table_name
		             AND k.column_name = c.column_name
		       ) AS is_key
		FROM information_schema.columns c
		WHERE c.column_name ILIKE $1 AND c.table_schema <> ALL($2)
		ORDER BY c.table_schema, c.table_name, c.ordinal_position
	`
	columns := make([]ColumnMatch, 0)
	if err := e.db.SelectContext(ctx, &columns, query, pattern, pq.Array(e.excludedSchemas)); err != nil {
		return nil, fmt.Errorf("column match: %w", err)
	}
	return columns, nil
}

func (e *SearchEngine) matchContent(ctx context.Context, pattern string, limit int, mode string) ([]ContentMatch, error) {
	query := `
		SELECT c.table_schema, c.table_name, c.column_name
		FROM information_schema.columns c
		JOIN information_schema.tables t
		  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
		WHERE c.data_type = ANY($1)
		  AND c.table_schema <> ALL($2)
		  AND t.table_type IN ('BASE TABLE', 'VIEW')
		ORDER BY c.table_schema, c.table_name, c.ordinal_position
	`
	var cols []textColumn
	if err := e.db.SelectContext(ctx, &cols, query, pq.Array(e.textTypes), pq.Array(e.excludedSchemas)); err != nil {
		return nil, fmt.Errorf("text column listing: %w", err)
	}

	found := make([]*ContentMatch, len(cols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.probeConcurrency)
	for i, col := range cols {
		i, col := i, col
		g.Go(func() error {
			matches, err := e.probe(gctx, col, pattern, limit, mode)
			if err != nil {
				slog.Warn("search: skipping column",
					"schema", col.Schema, "table", col.Table, "column", col.Column, "error", err)
				telemetry.SearchColumnErrorsTotal.Inc()
				return nil
			}
			if len(matches) > 0 {
				found[i] = &ContentMatch{Schema: col.Schema, Table: col.Table, Column: col.Column, Matches: matches}
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]ContentMatch, 0)
	for _, m := range found {
		if m != nil {
			out = append(out, *m)
		}
	}
	return out, nil
}

// probe fetches up to limit matches from a single text column.
func (e *SearchEngine) probe(ctx context.Context, col textColumn, pattern string, limit int, mode string) ([]interface{}, error) {
	table := QuoteIdentifier(col.Schema, col.Table)
	column := QuoteIdentifier(col.Column)

	if mode == ModeValue {
		query := fmt.Sprintf(`SELECT %s::text FROM %s WHERE %s::text ILIKE $1 LIMIT $2`, column, table, column)
		var values []string
		if err := e.db.SelectContext(ctx, &values, query, pattern, limit); err != nil {
			return nil, err
		}
		matches := make([]interface{}, 0, len(values))
		for _, v := range values {
			matches = append(matches, v)
		}
		return matches, nil
	}

	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s::text ILIKE $1 LIMIT $2`, table, column)
	rows, err := e.db.QueryxContext(ctx, query, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := make([]interface{}, 0)
	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		for k, v := range row {
			row[k] = normalizeValue(v)
		}
		matches = append(matches, row)
	}
	return matches, rows.Err()
}

const (
	objectIDAlias      = "_object_id"
	objectDisplayAlias = "_object_display"
)

// matchObjects runs the object type query. Unknown types, mappings without an
// active-state filter and query failures all yield an empty list.
func (e *SearchEngine) matchObjects(ctx context.Context, objectType, pattern string, limit int) []ObjectMatch {
	out := make([]ObjectMatch, 0)
	mapping, ok := e.objectTypes[objectType]
	if !ok {
		return out
	}
	if mapping.StateColumn == "" || mapping.ActiveValue == "" {
		slog.Warn("search: object type has no active-state filter", "object_type", objectType)
		return out
	}

	query, args := buildObjectQuery(mapping, pattern, limit)
	rows, err := e.db.QueryxContext(ctx, query, args...)
	if err != nil {
		slog.Warn("search: object query failed", "object_type", objectType, "error", err)
		return out
	}
	defer rows.Close()

	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			slog.Warn("search: object row scan failed", "object_type", objectType, "error", err)
			return make([]ObjectMatch, 0)
		}
		obj := ObjectMatch{
			Type:   objectType,
			ID:     stringValue(row[objectIDAlias]),
			Fields: make(map[string]interface{}, len(mapping.SearchColumns)),
		}
		obj.DisplayName = stringValue(row[objectDisplayAlias])
		delete(row, objectIDAlias)
		delete(row, objectDisplayAlias)
		for k, v := range row {
			obj.Fields[k] = normalizeValue(v)
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		slog.Warn("search: object query failed", "object_type", objectType, "error", err)
		return make([]ObjectMatch, 0)
	}
	return out
}

// buildObjectQuery composes the object type query. Identifiers come from
// configuration and are quoted; the keyword, active value and limit are bound.
// Only entries in the active state are returned.
func buildObjectQuery(m config.ObjectTypeConfig, pattern string, limit int) (string, []interface{}) {
	id := QuoteIdentifier(m.IDColumn)
	display := id
	if m.DisplayColumn != "" {
		display = fmt.Sprintf("COALESCE(NULLIF(%s::text, ''), %s::text)", QuoteIdentifier(m.DisplayColumn), id)
	}

	selectCols := []string{
		fmt.Sprintf("%s::text AS %s", id, objectIDAlias),
		fmt.Sprintf("%s AS %s", display, objectDisplayAlias),
	}
	predicates := make([]string, 0, len(m.SearchColumns))
	for _, c := range m.SearchColumns {
		q := QuoteIdentifier(c)
		selectCols = append(selectCols, q)
		predicates = append(predicates, q+"::text ILIKE $1")
	}

	args := []interface{}{pattern}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE (%s)",
		strings.Join(selectCols, ", "),
		QuoteIdentifier(strings.Split(m.Table, ".")...),
		strings.Join(predicates, " OR "))
	args = append(args, m.ActiveValue, limit)
	query += fmt.Sprintf(" AND %s = $2 LIMIT $3", QuoteIdentifier(m.StateColumn))
	return query, args
}

// QuoteIdentifier quotes each part of a possibly schema-qualified name and joins
// them with dots. It is the only way identifiers enter generated SQL.
func QuoteIdentifier(parts ...string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(quoted, ".")
}

// EscapeLike escapes LIKE metacharacters so the keyword matches literally.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func displayTableName(schema, table string) string {
	if schema == "public" {
		return table
	}
	return schema + "." + table
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
