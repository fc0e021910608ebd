// internal/database/database.go
package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"manifest-catalog/internal/apperrors"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so the same Queries
// type works inside and outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// New creates a Queries instance bound to the given connection or transaction.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Queries is the concrete Querier implementation.
type Queries struct {
	db DBTX
}

// Organization mirrors one row of the organizations table.
type Organization struct {
	ID          int64
	Name        string
	GithubOrgID *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Repository mirrors one row of the repositories table.
type Repository struct {
	ID             int64
	OrganizationID int64
	GithubRepoID   int64
	Name           string
	FullName       string
	Description    *string
	URL            string
	DefaultBranch  string
	HasManifest    bool
	LastFetchedAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Manifest mirrors one row of the manifests table.
type Manifest struct {
	ID           int64
	RepositoryID int64
	Path         string
	Name         string
	Version      string
	Description  string
	License      string
	ContentHash  string
	RawContent   []byte
	FetchedAt    time.Time
	CreatedAt    time.Time
}

// ManifestDependency mirrors one row of the manifest_dependencies table.
type ManifestDependency struct {
	ID          int64
	ManifestID  int64
	Name        string
	VersionSpec string
	DepClass    string
}

// ManifestScript mirrors one row of the manifest_scripts table.
type ManifestScript struct {
	ID         int64
	ManifestID int64
	Name       string
	Command    string
}

// ManifestKeyword mirrors one row of the manifest_keywords table.
type ManifestKeyword struct {
	ID         int64
	ManifestID int64
	Keyword    string
}

// ManifestPerson mirrors one row of the manifest_people table.
type ManifestPerson struct {
	ID         int64
	ManifestID int64
	Name       string
	Email      string
	URL        string
	Role       string
}

// wrapConstraint maps a Postgres unique violation (SQLSTATE 23505) to the
// application-level ConstraintViolationError so that an upsert keyed on the
// wrong identity fails loudly instead of overwriting a different row.
func wrapConstraint(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &apperrors.ConstraintViolationError{Constraint: pgErr.ConstraintName, Err: err}
	}
	return err
}
