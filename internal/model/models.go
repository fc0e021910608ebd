// internal/model/models.go
package model

import "time"

// RemoteRepository is a repository descriptor as returned by the hosting API,
// before it has been reconciled against the database.
type RemoteRepository struct {
	GithubRepoID  int64
	Owner         string
	Name          string
	FullName      string
	Description   *string
	URL           string
	DefaultBranch string
	Archived      bool
	Disabled      bool
	PushedAt      time.Time
}

// DependencyClass partitions manifest dependencies by how they are declared.
type DependencyClass string

const (
	DepProduction DependencyClass = "production"
	DepDev        DependencyClass = "development"
	DepPeer       DependencyClass = "peer"
	DepOptional   DependencyClass = "optional"
	DepBundled    DependencyClass = "bundled"
)

// PersonRole tags a manifest person record by the field it came from.
type PersonRole string

const (
	RoleAuthor      PersonRole = "AUTHOR"
	RoleContributor PersonRole = "CONTRIBUTOR"
	RoleMaintainer  PersonRole = "MAINTAINER"
)

// Dependency is one normalized (name, version spec, class) tuple.
type Dependency struct {
	Name        string
	VersionSpec string
	Class       DependencyClass
}

// Script is one entry of the manifest's scripts map.
type Script struct {
	Name    string
	Command string
}

// Person is a normalized author/contributor/maintainer entry.
type Person struct {
	Name  string
	Email string
	URL   string
	Role  PersonRole
}

// ManifestRecord is the normalized form of one package.json document.
type ManifestRecord struct {
	Name         string
	Version      string
	Description  string
	License      string
	Dependencies []Dependency
	Scripts      []Script
	Keywords     []string
	People       []Person
	ContentHash  string
	RawContent   []byte
}

// SyncError identifies one repository whose unit of work failed.
type SyncError struct {
	Repository string `json:"repository"`
	Message    string `json:"message"`
}

// SyncSummary is the aggregate result of one organization sync pass.
type SyncSummary struct {
	Organization    string      `json:"organization"`
	SuccessCount    int         `json:"success_count"`
	NoManifestCount int         `json:"no_manifest_count"`
	ErrorCount      int         `json:"error_count"`
	Errors          []SyncError `json:"errors,omitempty"`
}
