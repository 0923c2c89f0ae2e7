// Package loader streams the files of a repository to the indexer.
package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/seanblong/repoquery/pkg/models"
)

// File is one source file. Path is relative to the repository root and uses
// forward slashes.
type File struct {
	Path    string
	Content []byte
}

// Loader yields the files of the repository named by source, one at a time,
// in a deterministic order. An error returned by fn stops the walk and is
// returned unchanged.
type Loader interface {
	Load(ctx context.Context, source string, fn func(File) error) error
}

var (
	ErrRepositoryNotFound = errors.New("repository not found")
	// ErrSourceDisabled is returned for a source kind the Resolver does not serve.
	ErrSourceDisabled = errors.New("source kind is disabled")
	// ErrUnsupportedSource is returned for repository URLs that are not network remotes.
	ErrUnsupportedSource = errors.New("unsupported repository url")
)

// FileTooLargeError is returned when a file exceeds the configured limit. It
// fails the whole load.
type FileTooLargeError struct {
	Path  string
	Limit int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("file %s exceeds the %d byte limit", e.Path, e.Limit)
}

// Resolver dispatches local paths to Local and everything else to Remote.
type Resolver struct {
	Local  Loader
	Remote Loader
}

func (r *Resolver) Load(ctx context.Context, source string, fn func(File) error) error {
	if models.IsLocalPath(source) {
		if r.Local == nil {
			return fmt.Errorf("%w: local sources are disabled: %s", ErrSourceDisabled, source)
		}
		return r.Local.Load(ctx, strings.TrimPrefix(strings.TrimSpace(source), "file://"), fn)
	}
	if r.Remote == nil {
		return fmt.Errorf("%w: remote sources are disabled: %s", ErrSourceDisabled, source)
	}
	return r.Remote.Load(ctx, strings.TrimSpace(source), fn)
}
