package dbquery

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/dbquery/dbquery/internal/telemetry"
)

// QueryResult is the outcome of one ad-hoc statement. Rows and Columns are empty
// for statements that do not produce a row set.
type QueryResult struct {
	Columns       []string                 `json:"columns"`
	Rows          []map[string]interface{} `json:"rows"`
	RowCount      int                      `json:"row_count"`
	AffectedCount int64                    `json:"affected_count"`
	Message       string                   `json:"message"`
	Duration      time.Duration            `json:"-"`
}

// Executor runs caller-supplied SQL against the injected connection pool.
type Executor struct {
	db *sqlx.DB
}

// NewExecutor creates an Executor bound to db.
func NewExecutor(db *sqlx.DB) *Executor {
	return &Executor{db: db}
}

// rowSetKeywords are the leading keywords of statements that produce a row set.
var rowSetKeywords = map[string]bool{
	"SELECT":  true,
	"SHOW":    true,
	"EXPLAIN": true,
	"VALUES":  true,
	"TABLE":   true,
	"FETCH":   true,
}

// statementVerbs can follow the CTE list of a WITH statement.
var statementVerbs = map[string]bool{
	"SELECT": true,
	"VALUES": true,
	"TABLE":  true,
	"INSERT": true,
	"UPDATE": true,
	"DELETE": true,
	"MERGE":  true,
}

// Execute submits sqlText verbatim. args are bound by the driver, never spliced
// into the statement. Failures are returned as *Error of kind invalid_query or
// connection.
func (e *Executor) Execute(ctx context.Context, sqlText string, args ...interface{}) (*QueryResult, error) {
	if strings.TrimSpace(sqlText) == "" {
		return nil, ErrValidation("query text is required")
	}

	start := time.Now()
	var (
		result *QueryResult
		err    error
	)
	if returnsRows(sqlText) {
		result, err = e.query(ctx, sqlText, args)
	} else {
		result, err = e.exec(ctx, sqlText, args)
	}
	elapsed := time.Since(start)
	telemetry.QueryDuration.Observe(elapsed.Seconds())

	if err != nil {
		qerr := classify(err)
		telemetry.QueriesTotal.WithLabelValues(string(qerr.Kind)).Inc()
		return nil, qerr
	}
	telemetry.QueriesTotal.WithLabelValues("ok").Inc()
	result.Duration = elapsed
	return result, nil
}

func (e *Executor) query(ctx context.Context, sqlText string, args []interface{}) (*QueryResult, error) {
	rows, err := e.db.QueryxContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]map[string]interface{}, 0)
	for rows.Next() {
		row := make(map[string]interface{}, len(cols))
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		for k, v := range row {
			row[k] = normalizeValue(v)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(cols) == 0 {
		return &QueryResult{
			Columns: []string{},
			Rows:    []map[string]interface{}{},
			Message: "Query affected 0 rows",
		}, nil
	}

	return &QueryResult{
		Columns:  cols,
		Rows:     out,
		RowCount: len(out),
		Message:  fmt.Sprintf("Query returned %d rows", len(out)),
	}, nil
}

func (e *Executor) exec(ctx context.Context, sqlText string, args []interface{}) (*QueryResult, error) {
	res, err := e.db.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// DDL and utility statements do not report a count.
		n = 0
	}
	return &QueryResult{
		Columns:       []string{},
		Rows:          []map[string]interface{}{},
		AffectedCount: n,
		Message:       fmt.Sprintf("Query affected %d rows", n),
	}, nil
}

// normalizeValue renders driver byte slices (text, numeric, uuid, json) as strings.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// classify converts a driver error into an *Error. Connection-level failures
// and abandoned contexts become connection errors; everything the database
// itself reports is an invalid query carrying the driver's message and SQLSTATE.
func classify(err error) *Error {
	var qerr *Error
	if errors.As(err, &qerr) {
		return qerr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindConnection, Message: "query timed out: " + err.Error(), Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindConnection, Message: "query canceled: " + err.Error(), Err: err}
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return &Error{Kind: KindConnection, Message: "database connection unavailable: " + err.Error(), Err: err}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == "08" {
			return &Error{Kind: KindConnection, Message: pqErr.Error(), Code: string(pqErr.Code), Err: err}
		}
		return &Error{Kind: KindInvalidQuery, Message: pqErr.Error(), Code: string(pqErr.Code), Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindConnection, Message: "database connection unavailable: " + err.Error(), Err: err}
	}

	return &Error{Kind: KindInvalidQuery, Message: err.Error(), Err: err}
}

// returnsRows reports whether sqlText produces a row set. Only words outside
// parentheses count, so a WITH statement is classified by the verb after its
// CTE list. Data-modifying verbs need their own RETURNING clause. SELECT INTO
// creates a table instead of returning rows.
func returnsRows(sqlText string) bool {
	stripped := stripLiteralsAndComments(sqlText)
	words := topLevelWords(stripped)
	verb := leadingKeyword(stripped)

	if verb == "WITH" {
		verb = ""
		for i, w := range words {
			if statementVerbs[w] {
				verb, words = w, words[i+1:]
				break
			}
		}
		if verb == "" {
			return true
		}
	}

	switch verb {
	case "INSERT", "UPDATE", "DELETE", "MERGE":
		return slices.Contains(words, "RETURNING")
	case "SELECT":
		return !slices.Contains(words, "INTO")
	}
	return rowSetKeywords[verb]
}

// topLevelWords returns the upper-cased words of s that sit outside any
// parentheses.
func topLevelWords(s string) []string {
	var words []string
	depth := 0
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '(':
			depth++
			i++
		case c == ')':
			if depth > 0 {
				depth--
			}
			i++
		case isWordStart(c):
			j := i + 1
			for j < len(s) && (isWordStart(s[j]) || (s[j] >= '0' && s[j] <= '9')) {
				j++
			}
			if depth == 0 {
				words = append(words, strings.ToUpper(s[i:j]))
			}
			i = j
		case c >= '0' && c <= '9':
			for i < len(s) && (isWordStart(s[i]) || (s[i] >= '0' && s[i] <= '9')) {
				i++
			}
		default:
			i++
		}
	}
	return words
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func leadingKeyword(s string) string {
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '('
	})
	end := strings.IndexFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if end == -1 {
		end = len(s)
	}
	return strings.ToUpper(s[:end])
}

// stripLiteralsAndComments blanks out quoted strings, quoted identifiers and
// comments so keyword detection only sees SQL structure.
func stripLiteralsAndComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			b.WriteByte(' ')
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			i += 2
			for i+1 < len(s) && !(s[i] == '*' && s[i+1] == '/') {
				i++
			}
			i++
			b.WriteByte(' ')
		case c == '\'' || c == '"':
			quote := c
			i++
			for i < len(s) {
				if s[i] == quote {
					if i+1 < len(s) && s[i+1] == quote {
						i += 2
						continue
					}
					break
				}
				i++
			}
			b.WriteByte(' ')
		case c == '$':
			if tag, ok := dollarTag(s[i:]); ok {
				rest := s[i+len(tag):]
				if j := strings.Index(rest, tag); j >= 0 {
					i += len(tag) + j + len(tag) - 1
				} else {
					i = len(s)
				}
				b.WriteByte(' ')
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// dollarTag returns the opening $tag$ of a dollar-quoted string at the start of s.
func dollarTag(s string) (string, bool) {
	for j := 1; j < len(s); j++ {
		c := s[j]
		if c == '$' {
			return s[:j+1], true
		}
		if !(c == '_' || unicode.IsLetter(rune(c)) || (j > 1 && unicode.IsDigit(rune(c)))) {
			return "", false
		}
	}
	return "", false
}
