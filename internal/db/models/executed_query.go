// Package models - executed_query.go defines the ExecutedQuery model, one row of
// the dbquery_executed audit table recording a statement run from the query console.
package models

import "time"

// ExecutedQuery is an immutable record of a statement submitted by an administrator
type ExecutedQuery struct {
	ID         string    `db:"id" json:"id"`
	Query      string    `db:"query" json:"query"`
	UserID     string    `db:"user_id" json:"user_id"`
	ExecutedAt time.Time `db:"timestamp" json:"executed_at"`
}

// Executor is a distinct user found in the executed-query log, with a resolved
// display name for the history filter.
type Executor struct {
	UserID      string `db:"user_id" json:"user_id"`
	DisplayName string `db:"display_name" json:"display_name"`
}

// ExecutedQueryFilter narrows a history listing. Nil pointers mean "no filter".
type ExecutedQueryFilter struct {
	UserID *string
	// Date selects records whose timestamp falls on this UTC calendar day
	Date   *time.Time
	Limit  int
	Offset int
}
