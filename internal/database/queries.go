// internal/database/queries.go
package database

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Querier is the storage-facing contract the syncer and API handlers depend
// on. Tests mock this interface.
type Querier interface {
	UpsertOrganization(ctx context.Context, arg UpsertOrganizationParams) (Organization, error)
	GetOrganizationByName(ctx context.Context, name string) (Organization, error)
	UpsertRepository(ctx context.Context, arg UpsertRepositoryParams) (Repository, error)
	SetRepositoryManifestStatus(ctx context.Context, arg SetRepositoryManifestStatusParams) error
	GetRepositoryByFullName(ctx context.Context, fullName string) (Repository, error)
	ListRepositoriesForOrganization(ctx context.Context, organizationID int64) ([]Repository, error)
	UpsertManifest(ctx context.Context, arg UpsertManifestParams) (Manifest, error)
	GetManifestByRepositoryAndPath(ctx context.Context, arg GetManifestByRepositoryAndPathParams) (Manifest, error)
	ListManifestsForRepository(ctx context.Context, repositoryID int64) ([]Manifest, error)
	DeleteManifestsForRepository(ctx context.Context, repositoryID int64) (int64, error)
	DeleteManifestsForRepositoryExcept(ctx context.Context, arg DeleteManifestsForRepositoryExceptParams) (int64, error)
	CountManifestsForRepository(ctx context.Context, repositoryID int64) (int64, error)
	ReplaceManifestDependencies(ctx context.Context, manifestID int64, rows []ReplaceDependencyParams) (int64, error)
	ReplaceManifestScripts(ctx context.Context, manifestID int64, rows []ReplaceScriptParams) (int64, error)
	ReplaceManifestKeywords(ctx context.Context, manifestID int64, keywords []string) (int64, error)
	ReplaceManifestPeople(ctx context.Context, manifestID int64, rows []ReplacePersonParams) (int64, error)
	ListDependenciesForManifest(ctx context.Context, manifestID int64) ([]ManifestDependency, error)
	ListDependentsOfPackage(ctx context.Context, packageName string) ([]DependentRow, error)
}

var _ Querier = (*Queries)(nil)

const upsertOrganization = `
INSERT INTO organizations (name, github_org_id)
VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE
SET github_org_id = COALESCE(EXCLUDED.github_org_id, organizations.github_org_id),
    updated_at = NOW()
RETURNING id, name, github_org_id, created_at, updated_at
`

type UpsertOrganizationParams struct {
	Name        string
	GithubOrgID *int64
}

func (q *Queries) UpsertOrganization(ctx context.Context, arg UpsertOrganizationParams) (Organization, error) {
	row := q.db.QueryRow(ctx, upsertOrganization, arg.Name, arg.GithubOrgID)
	var o Organization
	err := row.Scan(&o.ID, &o.Name, &o.GithubOrgID, &o.CreatedAt, &o.UpdatedAt)
	return o, wrapConstraint(err)
}

const getOrganizationByName = `
SELECT id, name, github_org_id, created_at, updated_at
FROM organizations
WHERE name = $1
`

func (q *Queries) GetOrganizationByName(ctx context.Context, name string) (Organization, error) {
	row := q.db.QueryRow(ctx, getOrganizationByName, name)
	var o Organization
	err := row.Scan(&o.ID, &o.Name, &o.GithubOrgID, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

const upsertRepository = `
INSERT INTO repositories (organization_id, github_repo_id, name, full_name, description, url, default_branch, last_fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
ON CONFLICT (github_repo_id) DO UPDATE
SET organization_id = EXCLUDED.organization_id,
    name = EXCLUDED.name,
    full_name = EXCLUDED.full_name,
    description = EXCLUDED.description,
    url = EXCLUDED.url,
    default_branch = EXCLUDED.default_branch,
    last_fetched_at = NOW(),
    updated_at = NOW()
RETURNING id, organization_id, github_repo_id, name, full_name, description, url, default_branch, has_manifest, last_fetched_at, created_at, updated_at
`

type UpsertRepositoryParams struct {
	OrganizationID int64
	GithubRepoID   int64
	Name           string
	FullName       string
	Description    *string
	URL            string
	DefaultBranch  string
}

func (q *Queries) UpsertRepository(ctx context.Context, arg UpsertRepositoryParams) (Repository, error) {
	row := q.db.QueryRow(ctx, upsertRepository,
		arg.OrganizationID, arg.GithubRepoID, arg.Name, arg.FullName, arg.Description, arg.URL, arg.DefaultBranch)
	var r Repository
	err := row.Scan(&r.ID, &r.OrganizationID, &r.GithubRepoID, &r.Name, &r.FullName, &r.Description,
		&r.URL, &r.DefaultBranch, &r.HasManifest, &r.LastFetchedAt, &r.CreatedAt, &r.UpdatedAt)
	return r, wrapConstraint(err)
}

const setRepositoryManifestStatus = `
UPDATE repositories
SET has_manifest = $2, updated_at = NOW()
WHERE id = $1
`

type SetRepositoryManifestStatusParams struct {
	ID          int64
	HasManifest bool
}

func (q *Queries) SetRepositoryManifestStatus(ctx context.Context, arg SetRepositoryManifestStatusParams) error {
	_, err := q.db.Exec(ctx, setRepositoryManifestStatus, arg.ID, arg.HasManifest)
	return err
}

const getRepositoryByFullName = `
SELECT id, organization_id, github_repo_id, name, full_name, description, url, default_branch, has_manifest, last_fetched_at, created_at, updated_at
FROM repositories
WHERE full_name = $1
`

func (q *Queries) GetRepositoryByFullName(ctx context.Context, fullName string) (Repository, error) {
	row := q.db.QueryRow(ctx, getRepositoryByFullName, fullName)
	var r Repository
	err := row.Scan(&r.ID, &r.OrganizationID, &r.GithubRepoID, &r.Name, &r.FullName, &r.Description,
		&r.URL, &r.DefaultBranch, &r.HasManifest, &r.LastFetchedAt, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

const listRepositoriesForOrganization = `
SELECT id, organization_id, github_repo_id, name, full_name, description, url, default_branch, has_manifest, last_fetched_at, created_at, updated_at
FROM repositories
WHERE organization_id = $1
ORDER BY full_name
`

func (q *Queries) ListRepositoriesForOrganization(ctx context.Context, organizationID int64) ([]Repository, error) {
	rows, err := q.db.Query(ctx, listRepositoriesForOrganization, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []Repository
	for rows.Next() {
		var r Repository
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.GithubRepoID, &r.Name, &r.FullName, &r.Description,
			&r.URL, &r.DefaultBranch, &r.HasManifest, &r.LastFetchedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

const upsertManifest = `
INSERT INTO manifests (repository_id, path, name, version, description, license, content_hash, raw_content, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
ON CONFLICT (repository_id, path) DO UPDATE
SET name = EXCLUDED.name,
    version = EXCLUDED.version,
    description = EXCLUDED.description,
    license = EXCLUDED.license,
    content_hash = EXCLUDED.content_hash,
    raw_content = EXCLUDED.raw_content,
    fetched_at = NOW()
RETURNING id, repository_id, path, name, version, description, license, content_hash, raw_content, fetched_at, created_at
`

type UpsertManifestParams struct {
	RepositoryID int64
	Path         string
	Name         string
	Version      string
	Description  string
	License      string
	ContentHash  string
	RawContent   []byte
}

func (q *Queries) UpsertManifest(ctx context.Context, arg UpsertManifestParams) (Manifest, error) {
	row := q.db.QueryRow(ctx, upsertManifest,
		arg.RepositoryID, arg.Path, arg.Name, arg.Version, arg.Description, arg.License, arg.ContentHash, arg.RawContent)
	var m Manifest
	err := row.Scan(&m.ID, &m.RepositoryID, &m.Path, &m.Name, &m.Version, &m.Description, &m.License,
		&m.ContentHash, &m.RawContent, &m.FetchedAt, &m.CreatedAt)
	return m, wrapConstraint(err)
}

const getManifestByRepositoryAndPath = `
SELECT id, repository_id, path, name, version, description, license, content_hash, raw_content, fetched_at, created_at
FROM manifests
WHERE repository_id = $1 AND path = $2
`

type GetManifestByRepositoryAndPathParams struct {
	RepositoryID int64
	Path         string
}

func (q *Queries) GetManifestByRepositoryAndPath(ctx context.Context, arg GetManifestByRepositoryAndPathParams) (Manifest, error) {
	row := q.db.QueryRow(ctx, getManifestByRepositoryAndPath, arg.RepositoryID, arg.Path)
	var m Manifest
	err := row.Scan(&m.ID, &m.RepositoryID, &m.Path, &m.Name, &m.Version, &m.Description, &m.License,
		&m.ContentHash, &m.RawContent, &m.FetchedAt, &m.CreatedAt)
	return m, err
}

const listManifestsForRepository = `
SELECT id, repository_id, path, name, version, description, license, content_hash, raw_content, fetched_at, created_at
FROM manifests
WHERE repository_id = $1
ORDER BY path
`

func (q *Queries) ListManifestsForRepository(ctx context.Context, repositoryID int64) ([]Manifest, error) {
	rows, err := q.db.Query(ctx, listManifestsForRepository, repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var manifests []Manifest
	for rows.Next() {
		var m Manifest
		if err := rows.Scan(&m.ID, &m.RepositoryID, &m.Path, &m.Name, &m.Version, &m.Description, &m.License,
			&m.ContentHash, &m.RawContent, &m.FetchedAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, rows.Err()
}

const deleteManifestsForRepository = `
DELETE FROM manifests WHERE repository_id = $1
`

func (q *Queries) DeleteManifestsForRepository(ctx context.Context, repositoryID int64) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteManifestsForRepository, repositoryID)
	return tag.RowsAffected(), err
}

const deleteManifestsForRepositoryExcept = `
DELETE FROM manifests WHERE repository_id = $1 AND path != ALL($2::text[])
`

type DeleteManifestsForRepositoryExceptParams struct {
	RepositoryID int64
	KeepPaths    []string
}

// DeleteManifestsForRepositoryExcept removes manifests whose path no longer
// exists on the remote, keeping the freshly reconciled ones.
func (q *Queries) DeleteManifestsForRepositoryExcept(ctx context.Context, arg DeleteManifestsForRepositoryExceptParams) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteManifestsForRepositoryExcept, arg.RepositoryID, arg.KeepPaths)
	return tag.RowsAffected(), err
}

const countManifestsForRepository = `
SELECT COUNT(*) FROM manifests WHERE repository_id = $1
`

func (q *Queries) CountManifestsForRepository(ctx context.Context, repositoryID int64) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countManifestsForRepository, repositoryID).Scan(&n)
	return n, err
}

type ReplaceDependencyParams struct {
	Name        string
	VersionSpec string
	DepClass    string
}

type ReplaceScriptParams struct {
	Name    string
	Command string
}

type ReplacePersonParams struct {
	Name  string
	Email string
	URL   string
	Role  string
}

// ReplaceManifestDependencies swaps the full dependency set of a manifest.
// Delete plus batched insert; the caller's transaction makes it atomic.
func (q *Queries) ReplaceManifestDependencies(ctx context.Context, manifestID int64, rows []ReplaceDependencyParams) (int64, error) {
	if _, err := q.db.Exec(ctx, `DELETE FROM manifest_dependencies WHERE manifest_id = $1`, manifestID); err != nil {
		return 0, err
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`INSERT INTO manifest_dependencies (manifest_id, name, version_spec, dep_class) VALUES ($1, $2, $3, $4)`,
			manifestID, r.Name, r.VersionSpec, r.DepClass)
	}
	return q.sendBatch(ctx, batch)
}

// ReplaceManifestScripts swaps the full scripts set of a manifest.
func (q *Queries) ReplaceManifestScripts(ctx context.Context, manifestID int64, rows []ReplaceScriptParams) (int64, error) {
	if _, err := q.db.Exec(ctx, `DELETE FROM manifest_scripts WHERE manifest_id = $1`, manifestID); err != nil {
		return 0, err
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`INSERT INTO manifest_scripts (manifest_id, name, command) VALUES ($1, $2, $3)`,
			manifestID, r.Name, r.Command)
	}
	return q.sendBatch(ctx, batch)
}

// ReplaceManifestKeywords swaps the full keyword set of a manifest.
func (q *Queries) ReplaceManifestKeywords(ctx context.Context, manifestID int64, keywords []string) (int64, error) {
	if _, err := q.db.Exec(ctx, `DELETE FROM manifest_keywords WHERE manifest_id = $1`, manifestID); err != nil {
		return 0, err
	}
	batch := &pgx.Batch{}
	for _, k := range keywords {
		batch.Queue(`INSERT INTO manifest_keywords (manifest_id, keyword) VALUES ($1, $2)`, manifestID, k)
	}
	return q.sendBatch(ctx, batch)
}

// ReplaceManifestPeople swaps the full people set of a manifest.
func (q *Queries) ReplaceManifestPeople(ctx context.Context, manifestID int64, rows []ReplacePersonParams) (int64, error) {
	if _, err := q.db.Exec(ctx, `DELETE FROM manifest_people WHERE manifest_id = $1`, manifestID); err != nil {
		return 0, err
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`INSERT INTO manifest_people (manifest_id, name, email, url, role) VALUES ($1, $2, $3, $4, $5)`,
			manifestID, r.Name, r.Email, r.URL, r.Role)
	}
	return q.sendBatch(ctx, batch)
}

func (q *Queries) sendBatch(ctx context.Context, batch *pgx.Batch) (int64, error) {
	if batch.Len() == 0 {
		return 0, nil
	}
	results := q.db.SendBatch(ctx, batch)
	defer results.Close()

	var inserted int64
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			return inserted, wrapConstraint(err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

const listDependenciesForManifest = `
SELECT id, manifest_id, name, version_spec, dep_class
FROM manifest_dependencies
WHERE manifest_id = $1
ORDER BY dep_class, name
`

func (q *Queries) ListDependenciesForManifest(ctx context.Context, manifestID int64) ([]ManifestDependency, error) {
	rows, err := q.db.Query(ctx, listDependenciesForManifest, manifestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deps []ManifestDependency
	for rows.Next() {
		var d ManifestDependency
		if err := rows.Scan(&d.ID, &d.ManifestID, &d.Name, &d.VersionSpec, &d.DepClass); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

const listDependentsOfPackage = `
SELECT r.full_name, m.path, m.name, d.version_spec, d.dep_class
FROM manifest_dependencies d
JOIN manifests m ON m.id = d.manifest_id
JOIN repositories r ON r.id = m.repository_id
WHERE d.name = $1
ORDER BY r.full_name, m.path
`

// DependentRow is one manifest that declares a dependency on a package.
type DependentRow struct {
	RepositoryFullName string `json:"repository"`
	ManifestPath       string `json:"manifest_path"`
	ManifestName       string `json:"manifest_name"`
	VersionSpec        string `json:"version_spec"`
	DepClass           string `json:"dep_class"`
}

func (q *Queries) ListDependentsOfPackage(ctx context.Context, packageName string) ([]DependentRow, error) {
	rows, err := q.db.Query(ctx, listDependentsOfPackage, packageName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deps []DependentRow
	for rows.Next() {
		var d DependentRow
		if err := rows.Scan(&d.RepositoryFullName, &d.ManifestPath, &d.ManifestName, &d.VersionSpec, &d.DepClass); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}
