package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	gitignore "github.com/sabhiram/go-gitignore"
)

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader reads at most limit+1 bytes of a file so oversized files are
// detected without loading them fully. A non-positive limit reads everything.
type FileReader interface {
	ReadFile(filename string, limit int64) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string, limit int64) ([]byte, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if limit <= 0 {
		return io.ReadAll(f)
	}
	return io.ReadAll(io.LimitReader(f, limit+1))
}

// Dir loads a repository checked out on the local filesystem.
type Dir struct {
	// MaxFileBytes fails the load when any file is larger. Zero disables the check.
	MaxFileBytes int64
	// Ignore holds extra gitignore-style patterns applied at the root.
	Ignore []string

	Walker     FileSystemWalker
	FileReader FileReader
}

// NewDir returns a Dir backed by the real filesystem.
func NewDir(maxFileBytes int64) *Dir {
	return &Dir{
		MaxFileBytes: maxFileBytes,
		Walker:       &DefaultFileSystemWalker{},
		FileReader:   &DefaultFileReader{},
	}
}

// ignoreScope is a compiled .gitignore and the directory it applies to.
type ignoreScope struct {
	dir     string
	matcher *gitignore.GitIgnore
}

func (d *Dir) Load(ctx context.Context, root string, fn func(File) error) error {
	root = filepath.Clean(root)
	fi, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrRepositoryNotFound, root)
		}
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrRepositoryNotFound, root)
	}

	walker, reader := d.Walker, d.FileReader
	if walker == nil {
		walker = &DefaultFileSystemWalker{}
	}
	if reader == nil {
		reader = &DefaultFileReader{}
	}

	scopes := []ignoreScope{{dir: "", matcher: gitignore.CompileIgnoreLines(append(defaultIgnores(), d.Ignore...)...)}}
	var fatal error
	files := 0

	err = walker.Walk(root, &godirwalk.Options{
		Callback: func(osPath string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				fatal = err
				return err
			}

			rel := relSlash(root, osPath)
			// Handle test case where de might be nil (for mock walkers)
			isDir := de != nil && de.IsDir()

			if rel != "." && ignored(scopes, rel, isDir) {
				if isDir {
					return godirwalk.SkipThis
				}
				return nil
			}

			if isDir {
				scopes = pushGitignore(scopes, osPath, rel)
				return nil
			}
			if de != nil && !de.IsRegular() {
				// symlinks, sockets, devices
				return nil
			}
			if shouldSkip(rel) {
				return nil
			}

			b, err := reader.ReadFile(osPath, d.MaxFileBytes)
			if err != nil {
				log.Warn().Err(err).Str("path", rel).Msg("failed to read file")
				return nil
			}
			if d.MaxFileBytes > 0 && int64(len(b)) > d.MaxFileBytes {
				fatal = &FileTooLargeError{Path: rel, Limit: d.MaxFileBytes}
				return fatal
			}

			files++
			if err := fn(File{Path: rel, Content: b}); err != nil {
				fatal = err
				return err
			}
			return nil
		},
		ErrorCallback: func(osPath string, err error) godirwalk.ErrorAction {
			if fatal != nil {
				return godirwalk.Halt
			}
			log.Warn().Err(err).Str("path", osPath).Msg("skipping unreadable path")
			return godirwalk.SkipNode
		},
	})
	if fatal != nil {
		return fatal
	}
	if err != nil {
		return err
	}

	log.Debug().Str("root", root).Int("files", files).Msg("directory loaded")
	return nil
}

// pushGitignore drops scopes that no longer contain rel and adds the
// directory's own .gitignore, if any. Callbacks arrive in pre-order, so the
// slice always holds the ancestors of the current directory.
func pushGitignore(scopes []ignoreScope, osPath, rel string) []ignoreScope {
	if rel == "." {
		rel = ""
	}
	kept := scopes[:1]
	for _, s := range scopes[1:] {
		if s.dir == "" || rel == s.dir || strings.HasPrefix(rel, s.dir+"/") {
			kept = append(kept, s)
		}
	}

	gi, err := gitignore.CompileIgnoreFile(filepath.Join(osPath, ".gitignore"))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("dir", rel).Msg("ignoring unreadable .gitignore")
		}
		return kept
	}
	return append(kept, ignoreScope{dir: rel, matcher: gi})
}

func ignored(scopes []ignoreScope, rel string, isDir bool) bool {
	for _, s := range scopes {
		p := rel
		if s.dir != "" {
			if !strings.HasPrefix(rel, s.dir+"/") {
				continue
			}
			p = strings.TrimPrefix(rel, s.dir+"/")
		}
		if s.matcher.MatchesPath(p) {
			return true
		}
		if isDir && s.matcher.MatchesPath(p+"/") {
			return true
		}
	}
	return false
}

func relSlash(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(r)
}

// defaultIgnores are directories never worth indexing.
func defaultIgnores() []string {
	return []string{
		".git/", "vendor/", ".terraform/", "node_modules/", "target/", "build/", "dist/", "out/",
		"bin/", "obj/", ".venv/", "venv/", "__pycache__/", ".pytest_cache/", ".gradle/", ".m2/",
		".idea/", ".vscode/", "coverage/", ".cache/", ".next/", ".DS_Store",
	}
}

// shouldSkip returns true if the file at path should be skipped.
func shouldSkip(p string) bool {
	switch strings.ToLower(path.Base(p)) {
	case "package-lock.json", "yarn.lock", "pnpm-lock.yaml", "poetry.lock", "pipfile.lock",
		"cargo.lock", "composer.lock", "gemfile.lock", "go.sum":
		return true
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".pdf", ".webp", ".ico", ".lock", ".zip", ".gz", ".tar",
		".svg", ".exe", ".dll", ".so", ".dylib", ".class", ".jar", ".woff", ".woff2", ".ttf", ".mp4", ".mp3":
		return true
	}
	return false
}
