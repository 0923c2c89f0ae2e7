package models

import (
	"path/filepath"
	"strings"
	"time"
)

type RepoStatus string

const (
	StatusUnindexed RepoStatus = "unindexed"
	StatusIndexing  RepoStatus = "indexing"
	StatusReady     RepoStatus = "ready"
	StatusFailed    RepoStatus = "failed"
)

// Repository tracks the indexing lifecycle of one source repository.
type Repository struct {
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	Status     RepoStatus `json:"status"`
	ChunkCount int        `json:"chunk_count"`
	Generation string     `json:"generation,omitempty"`
	IndexedAt  time.Time  `json:"indexed_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// Queryable reports whether a published index exists for the repository.
// A failed re-index leaves the previous index in place, so this can be true
// while Status is indexing.
func (r Repository) Queryable() bool {
	return r.Generation != ""
}

// RepositoryID derives a stable identifier from a repository URL or local path.
//
//	https://GitHub.com/Owner/Repo.git  -> github.com/Owner/Repo
//	git@github.com:Owner/Repo.git      -> github.com/Owner/Repo
//	file:///src/repo, /src/repo/       -> local:/src/repo
func RepositoryID(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	if IsLocalPath(s) {
		p := strings.TrimPrefix(s, "file://")
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		return "local:" + filepath.ToSlash(filepath.Clean(p))
	}

	for _, prefix := range []string{"https://", "http://", "ssh://", "git://"} {
		if strings.HasPrefix(strings.ToLower(s), prefix) {
			s = s[len(prefix):]
			break
		}
	}
	if strings.HasPrefix(s, "git@") {
		s = strings.Replace(strings.TrimPrefix(s, "git@"), ":", "/", 1)
	}
	if at := strings.Index(s, "@"); at >= 0 && at < strings.Index(s+"/", "/") {
		// credentials embedded in the URL
		s = s[at+1:]
	}

	s = strings.TrimRight(s, "/")
	s = strings.TrimSuffix(s, ".git")

	host, rest, found := strings.Cut(s, "/")
	host = strings.ToLower(host)
	if !found {
		return host
	}
	return host + "/" + rest
}

// IsLocalPath reports whether raw names a directory on this machine rather
// than a remote repository.
func IsLocalPath(raw string) bool {
	s := strings.TrimSpace(raw)
	return strings.HasPrefix(s, "file://") ||
		strings.HasPrefix(s, "/") ||
		strings.HasPrefix(s, "./") ||
		strings.HasPrefix(s, "../") ||
		s == "." ||
		filepath.IsAbs(s)
}
