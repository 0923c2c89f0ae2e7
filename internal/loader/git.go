package loader

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Git shallow-clones a remote repository into a temporary directory and
// loads it with Dir. The clone is removed when Load returns.
type Git struct {
	Ref     string
	Token   string
	WorkDir string
	Dir     *Dir

	// run executes git; replaced in tests.
	run func(ctx context.Context, args ...string) ([]byte, error)
}

func NewGit(dir *Dir, ref, token, workDir string) *Git {
	return &Git{Ref: ref, Token: token, WorkDir: workDir, Dir: dir}
}

func (g *Git) Load(ctx context.Context, repoURL string, fn func(File) error) error {
	dir, err := g.cloneToTemp(ctx, repoURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("failed to remove clone")
		}
	}()

	return g.Dir.Load(ctx, dir, fn)
}

// scpLike matches the user@host:path form of ssh remotes.
var scpLike = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[^-:]`)

// checkRemote accepts only network remotes, so a request cannot reach local
// paths or git's helper transports through this loader.
func checkRemote(repoURL string) error {
	if strings.HasPrefix(repoURL, "-") {
		return fmt.Errorf("%w: %q", ErrUnsupportedSource, repoURL)
	}
	lower := strings.ToLower(repoURL)
	for _, scheme := range []string{"https://", "http://", "ssh://", "git://"} {
		if strings.HasPrefix(lower, scheme) && len(repoURL) > len(scheme) {
			return nil
		}
	}
	if scpLike.MatchString(repoURL) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedSource, repoURL)
}

func (g *Git) cloneToTemp(ctx context.Context, repoURL string) (string, error) {
	if err := checkRemote(repoURL); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(g.WorkDir, "repoquery-*")
	if err != nil {
		return "", err
	}

	url := repoURL
	if g.Token != "" && strings.HasPrefix(url, "https://") {
		url = "https://" + g.Token + ":x-oauth-basic@" + strings.TrimPrefix(url, "https://")
	}

	args := []string{"clone", "--depth", "1"}
	if g.Ref != "" {
		args = append(args, "--branch", g.Ref)
	}
	args = append(args, "--", url, dir)

	log.Info().Str("repo", repoURL).Str("ref", g.Ref).Msg("cloning repository")
	out, err := g.runGit(ctx, args...)
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			log.Warn().Err(rmErr).Str("dir", dir).Msg("failed to remove temp directory")
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := g.redact(strings.TrimSpace(string(out)))
		if notFound(msg) {
			return "", fmt.Errorf("%w: %s", ErrRepositoryNotFound, repoURL)
		}
		return "", fmt.Errorf("git clone %s: %v: %s", repoURL, err, msg)
	}
	return dir, nil
}

func (g *Git) runGit(ctx context.Context, args ...string) ([]byte, error) {
	if g.run != nil {
		return g.run(ctx, args...)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	// never block on a credential prompt
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd.CombinedOutput()
}

func (g *Git) redact(s string) string {
	if g.Token == "" {
		return s
	}
	return strings.ReplaceAll(s, g.Token, "***")
}

func notFound(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "not found") ||
		strings.Contains(m, "does not exist") ||
		strings.Contains(m, "could not read username")
}
