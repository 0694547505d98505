// Package dbquery implements the administrator query console: ad-hoc statement
// execution, the executed-query history and schema/content keyword search.
//
// Every Service method takes the caller's Identity explicitly and checks it with
// Authorize before touching the database. The connection pool is injected at
// construction; nothing in this package reads ambient request state.
package dbquery

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/dbquery/dbquery/internal/audit"
	"github.com/dbquery/dbquery/internal/config"
	"github.com/dbquery/dbquery/internal/db/models"
	"github.com/dbquery/dbquery/internal/safego"
	"github.com/dbquery/dbquery/internal/telemetry"
)

const shipTimeout = 15 * time.Second

// HistoryStore persists and reads executed-query records.
type HistoryStore interface {
	Record(ctx context.Context, queryText, userID string) (*models.ExecutedQuery, error)
	List(ctx context.Context, filter models.ExecutedQueryFilter) ([]*models.ExecutedQuery, int, error)
	Get(ctx context.Context, id string) (*models.ExecutedQuery, error)
	DistinctUsers(ctx context.Context) ([]*models.Executor, error)
}

// RunOutcome is a successful execution. AuditError is set when the statement
// ran but its history record could not be written; the result is still valid.
type RunOutcome struct {
	Result     *QueryResult
	Record     *models.ExecutedQuery
	AuditError error
}

// HistoryPage is one page of the executed-query log.
type HistoryPage struct {
	Items  []*models.ExecutedQuery `json:"items"`
	Total  int                     `json:"total"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// Service composes the access guard, executor, search engine and history store.
type Service struct {
	executor *Executor
	search   *SearchEngine
	history  HistoryStore
	shipper  audit.Shipper

	defaultLimit int
	maxLimit     int
	background   safego.Group
}

// NewService wires the console components. shipper may be nil.
func NewService(executor *Executor, search *SearchEngine, history HistoryStore, shipper audit.Shipper, cfg config.QueryConfig) *Service {
	s := &Service{
		executor:     executor,
		search:       search,
		history:      history,
		shipper:      shipper,
		defaultLimit: cfg.HistoryDefaultLimit,
		maxLimit:     cfg.HistoryMaxLimit,
	}
	if s.defaultLimit <= 0 {
		s.defaultLimit = 10
	}
	if s.maxLimit < s.defaultLimit {
		s.maxLimit = s.defaultLimit
	}
	return s
}

// RunQuery executes sqlText for id and records it in the history. Statements
// the database rejected are recorded too; statements that never reached the
// database (validation, connection failures) are not.
func (s *Service) RunQuery(ctx context.Context, id *Identity, sqlText string, args ...interface{}) (*RunOutcome, error) {
	if err := Authorize(id); err != nil {
		return nil, err
	}
	if strings.TrimSpace(sqlText) == "" {
		return nil, ErrValidation("query text is required")
	}

	result, execErr := s.executor.Execute(ctx, sqlText, args...)
	if execErr != nil && KindOf(execErr) != KindInvalidQuery {
		return nil, execErr
	}

	// The statement has run; record it even if the caller has gone away.
	rec, recErr := s.history.Record(context.WithoutCancel(ctx), sqlText, id.UserID)
	var auditErr error
	if recErr != nil {
		telemetry.AuditWriteFailuresTotal.Inc()
		slog.Error("dbquery: failed to record executed query", "user_id", id.UserID, "error", recErr)
		auditErr = ErrStorage(recErr, "statement executed but could not be recorded in history")
	} else {
		s.ship(rec, id, result, execErr)
	}

	if execErr != nil {
		return nil, execErr
	}
	return &RunOutcome{Result: result, Record: rec, AuditError: auditErr}, nil
}

func (s *Service) ship(rec *models.ExecutedQuery, id *Identity, result *QueryResult, execErr error) {
	if s.shipper == nil {
		return
	}
	ev := &audit.QueryEvent{
		ID:         rec.ID,
		Query:      rec.Query,
		UserID:     rec.UserID,
		UserName:   id.Name,
		ExecutedAt: rec.ExecutedAt,
		Outcome:    audit.OutcomeOK,
	}
	if execErr != nil {
		ev.Outcome = audit.OutcomeInvalidQuery
		ev.Error = execErr.Error()
	} else {
		ev.RowCount = result.RowCount
		ev.AffectedCount = result.AffectedCount
		ev.DurationMS = result.Duration.Milliseconds()
	}

	s.background.Go("audit-ship", func() {
		ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
		defer cancel()
		if err := s.shipper.Ship(ctx, ev); err != nil {
			slog.Warn("dbquery: failed to ship audit event", "id", ev.ID, "error", err)
		}
	})
}

// Search runs a keyword search for id.
func (s *Service) Search(ctx context.Context, id *Identity, req SearchRequest) (*SearchResult, error) {
	if err := Authorize(id); err != nil {
		return nil, err
	}
	return s.search.Search(ctx, req)
}

// ObjectTypes lists the object types Search accepts.
func (s *Service) ObjectTypes(id *Identity) ([]string, error) {
	if err := Authorize(id); err != nil {
		return nil, err
	}
	return s.search.ObjectTypes(), nil
}

// History returns a page of the executed-query log, most recent first.
func (s *Service) History(ctx context.Context, id *Identity, filter models.ExecutedQueryFilter) (*HistoryPage, error) {
	if err := Authorize(id); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = s.defaultLimit
	}
	if filter.Limit > s.maxLimit {
		filter.Limit = s.maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	items, total, err := s.history.List(ctx, filter)
	if err != nil {
		return nil, ErrStorage(err, "failed to read query history")
	}
	return &HistoryPage{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// GetExecuted returns one history record.
func (s *Service) GetExecuted(ctx context.Context, id *Identity, recordID string) (*models.ExecutedQuery, error) {
	if err := Authorize(id); err != nil {
		return nil, err
	}
	rec, err := s.history.Get(ctx, recordID)
	if err != nil {
		return nil, ErrStorage(err, "failed to read query history")
	}
	if rec == nil {
		return nil, ErrNotFound("executed query %s not found", recordID)
	}
	return rec, nil
}

// Executors lists the users that appear in the history.
func (s *Service) Executors(ctx context.Context, id *Identity) ([]*models.Executor, error) {
	if err := Authorize(id); err != nil {
		return nil, err
	}
	executors, err := s.history.DistinctUsers(ctx)
	if err != nil {
		return nil, ErrStorage(err, "failed to list query executors")
	}
	return executors, nil
}

// Shutdown waits for in-flight audit shipping to finish.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.background.Wait(ctx)
}
