// dbquery.go implements the handlers of the administrator query console: ad-hoc statement
// execution, keyword search and the executed-query history.
package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dbquery/dbquery/internal/db/models"
	"github.com/dbquery/dbquery/internal/dbquery"
	"github.com/dbquery/dbquery/internal/middleware"
)

const historyDateLayout = "2006-01-02"

// DBQueryHandlers serves the /api/v1/admin/dbquery routes
type DBQueryHandlers struct {
	svc *dbquery.Service
}

// NewDBQueryHandlers creates the console handlers around svc
func NewDBQueryHandlers(svc *dbquery.Service) *DBQueryHandlers {
	return &DBQueryHandlers{svc: svc}
}

// RunQueryRequest is the body of POST /query
type RunQueryRequest struct {
	Query string        `json:"query"`
	Args  []interface{} `json:"args"`
}

// @Summary      Run a statement
// @Description  Executes one ad-hoc SQL statement against the catalog database and records it in the history. Sysadmin only.
// @Tags         DBQuery
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  RunQueryRequest  true  "Statement and bound arguments"
// @Success      200  {object}  map[string]interface{}  "columns, rows, row_count, affected_count, message, executed_id"
// @Failure      400  {object}  map[string]interface{}  "Empty statement or malformed body"
// @Failure      403  {object}  map[string]interface{}  "Caller is not a sysadmin"
// @Failure      422  {object}  map[string]interface{}  "Statement rejected by the database"
// @Failure      503  {object}  map[string]interface{}  "Database unavailable"
// @Router       /api/v1/admin/dbquery/query [post]
// RunQueryHandler executes a statement
// POST /api/v1/admin/dbquery/query
func (h *DBQueryHandlers) RunQueryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RunQueryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, dbquery.ErrValidation("invalid request body: %v", err))
			return
		}

		out, err := h.svc.RunQuery(c.Request.Context(), middleware.GetIdentity(c), req.Query, req.Args...)
		if err != nil {
			respondError(c, err)
			return
		}

		resp := gin.H{
			"columns":        out.Result.Columns,
			"rows":           out.Result.Rows,
			"row_count":      out.Result.RowCount,
			"affected_count": out.Result.AffectedCount,
			"message":        out.Result.Message,
			"duration_ms":    out.Result.Duration.Milliseconds(),
		}
		if out.Record != nil {
			resp["executed_id"] = out.Record.ID
		}
		if out.AuditError != nil {
			resp["audit_error"] = out.AuditError.Error()
		}
		c.JSON(http.StatusOK, resp)
	}
}

// @Summary      Search the database
// @Description  Matches a keyword against table names, column names and text column contents, optionally resolving one object type. Sysadmin only.
// @Tags         DBQuery
// @Security     Bearer
// @Produce      json
// @Param        q            query  string  true   "Keyword"
// @Param        limit        query  int     false  "Matches per column"
// @Param        object_type  query  string  false  "Object type to resolve (see /object-types)"
// @Param        mode         query  string  false  "value or row"
// @Success      200  {object}  dbquery.SearchResult
// @Failure      400  {object}  map[string]interface{}  "Missing keyword or bad parameters"
// @Failure      403  {object}  map[string]interface{}  "Caller is not a sysadmin"
// @Router       /api/v1/admin/dbquery/search [get]
// SearchHandler runs a keyword search
// GET /api/v1/admin/dbquery/search?q=...
func (h *DBQueryHandlers) SearchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := optionalInt(c, "limit")
		if err != nil {
			respondError(c, err)
			return
		}

		result, err := h.svc.Search(c.Request.Context(), middleware.GetIdentity(c), dbquery.SearchRequest{
			Keyword:        c.Query("q"),
			LimitPerColumn: limit,
			ObjectType:     c.Query("object_type"),
			Mode:           c.Query("mode"),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// @Summary      List executed statements
// @Description  Returns the executed-query history, most recent first, optionally filtered by user and UTC calendar day. Sysadmin only.
// @Tags         DBQuery
// @Security     Bearer
// @Produce      json
// @Param        user    query  string  false  "User id"
// @Param        date    query  string  false  "Day as YYYY-MM-DD (UTC)"
// @Param        limit   query  int     false  "Page size (default 10)"
// @Param        offset  query  int     false  "Offset"
// @Success      200  {object}  dbquery.HistoryPage
// @Failure      400  {object}  map[string]interface{}  "Bad filter"
// @Failure      403  {object}  map[string]interface{}  "Caller is not a sysadmin"
// @Router       /api/v1/admin/dbquery/history [get]
// HistoryHandler lists executed statements
// GET /api/v1/admin/dbquery/history?user=&date=&limit=&offset=
func (h *DBQueryHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter models.ExecutedQueryFilter

		if user := strings.TrimSpace(c.Query("user")); user != "" {
			filter.UserID = &user
		}
		if raw := c.Query("date"); raw != "" {
			day, err := time.Parse(historyDateLayout, raw)
			if err != nil {
				respondError(c, dbquery.ErrValidation("date must be formatted as YYYY-MM-DD"))
				return
			}
			filter.Date = &day
		}

		var err error
		if filter.Limit, err = optionalInt(c, "limit"); err != nil {
			respondError(c, err)
			return
		}
		if filter.Offset, err = optionalInt(c, "offset"); err != nil {
			respondError(c, err)
			return
		}

		page, err := h.svc.History(c.Request.Context(), middleware.GetIdentity(c), filter)
		if err != nil {
			respondError(c, err)
			return
		}
		if page.Items == nil {
			page.Items = []*models.ExecutedQuery{}
		}
		c.JSON(http.StatusOK, page)
	}
}

// @Summary      Get an executed statement
// @Tags         DBQuery
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Executed query id"
// @Success      200  {object}  models.ExecutedQuery
// @Failure      403  {object}  map[string]interface{}  "Caller is not a sysadmin"
// @Failure      404  {object}  map[string]interface{}  "Not found"
// @Router       /api/v1/admin/dbquery/history/{id} [get]
// GetExecutedHandler returns one history entry
// GET /api/v1/admin/dbquery/history/:id
func (h *DBQueryHandlers) GetExecutedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := h.svc.GetExecuted(c.Request.Context(), middleware.GetIdentity(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// ExecutorsHandler lists the users that have run statements, for the history filter
// GET /api/v1/admin/dbquery/executors
func (h *DBQueryHandlers) ExecutorsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		executors, err := h.svc.Executors(c.Request.Context(), middleware.GetIdentity(c))
		if err != nil {
			respondError(c, err)
			return
		}
		if executors == nil {
			executors = []*models.Executor{}
		}
		c.JSON(http.StatusOK, gin.H{"executors": executors})
	}
}

// ObjectTypesHandler lists the object types the search endpoint accepts
// GET /api/v1/admin/dbquery/object-types
func (h *DBQueryHandlers) ObjectTypesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		types, err := h.svc.ObjectTypes(middleware.GetIdentity(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"object_types": types})
	}
}

func optionalInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, dbquery.ErrValidation("%s must be an integer", name)
	}
	return n, nil
}

// statusForKind maps console error kinds to HTTP status codes
func statusForKind(kind dbquery.Kind) int {
	switch kind {
	case dbquery.KindUnauthorized:
		return http.StatusForbidden
	case dbquery.KindValidation:
		return http.StatusBadRequest
	case dbquery.KindInvalidQuery:
		return http.StatusUnprocessableEntity
	case dbquery.KindConnection:
		return http.StatusServiceUnavailable
	case dbquery.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error": {"kind", "message", "code"}} for err
func respondError(c *gin.Context, err error) {
	var qerr *dbquery.Error
	if !errors.As(err, &qerr) {
		qerr = &dbquery.Error{Kind: dbquery.KindStorage, Message: "internal error", Err: err}
	}

	status := statusForKind(qerr.Kind)
	if status >= http.StatusInternalServerError {
		slog.Error("dbquery request failed",
			"path", c.FullPath(),
			"kind", qerr.Kind,
			"request_id", middleware.GetRequestID(c),
			"error", err)
	}

	body := gin.H{
		"kind":    qerr.Kind,
		"message": qerr.Message,
	}
	if qerr.Code != "" {
		body["code"] = qerr.Code
	}
	c.JSON(status, gin.H{"error": body})
}
