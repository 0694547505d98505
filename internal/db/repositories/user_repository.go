// Package repositories implements the data access layer for the dbquery service.
// Each repository type encapsulates the SQL for one table; the ad-hoc statements an
// administrator submits are the only SQL that does not go through this package.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dbquery/dbquery/internal/db/models"
)

const userColumns = `id, name, fullname, email, sysadmin, state, created`

// UserRepository reads and bootstraps entries in the user directory
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// CreateUser inserts a new active user. ID and creation time are assigned here.
func (r *UserRepository) CreateUser(ctx context.Context, user *models.User) error {
	user.ID = uuid.New().String()
	user.CreatedAt = time.Now().UTC()
	if user.State == "" {
		user.State = models.UserStateActive
	}

	query := `
		INSERT INTO "user" (id, name, fullname, email, sysadmin, state, created)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Name,
		user.Fullname,
		user.Email,
		user.Sysadmin,
		user.State,
		user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user by ID, returning nil when absent
func (r *UserRepository) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM "user" WHERE id = $1`, userID)
}

// GetUserByName retrieves a user by login name, returning nil when absent
func (r *UserRepository) GetUserByName(ctx context.Context, name string) (*models.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM "user" WHERE name = $1`, name)
}

func (r *UserRepository) getOne(ctx context.Context, query string, arg string) (*models.User, error) {
	user := &models.User{}
	err := r.db.GetContext(ctx, user, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}
