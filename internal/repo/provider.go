// Package repo prepares git workspaces for agent sessions: one bare
// repository per logical repo, one worktree per session on a fresh branch.
package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/internal/common/logger"
)

var (
	// ErrRepoUnavailable means the remote could not be cloned or fetched.
	ErrRepoUnavailable = errors.New("repository unavailable")
	// ErrAuthFailed means git rejected our credentials.
	ErrAuthFailed = errors.New("repository authentication failed")
	// ErrWorktreeConflict means the target worktree or branch already exists.
	ErrWorktreeConflict = errors.New("worktree already exists")
)

// TokenSource vends short-lived tokens for git-over-HTTPS. Tokens are passed
// to git per invocation and never written to disk.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config holds provider settings.
type Config struct {
	// DataDir is the root for bare repos (<DataDir>/repos/<owner>/<name>)
	// and worktrees (<DataDir>/worktrees/<slug>-<nanos>).
	DataDir string

	// EnabledServices gates which skill folders get installed.
	EnabledServices []string

	// SkillsDir is the directory holding per-service skill files. Empty
	// disables skill installation.
	SkillsDir string
}

// Provider manages bare repositories and session worktrees. Operations on
// the same repository are serialized by a per-repo mutex; different repos
// proceed in parallel.
type Provider struct {
	cfg    Config
	tokens TokenSource // may be nil for public repos
	log    *logger.Logger

	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// ProvisionRequest asks for a workspace on a repository.
type ProvisionRequest struct {
	// Repo is the "owner/name" repository identifier.
	Repo string

	// RemoteURL overrides the derived https URL (used by tests and
	// non-GitHub remotes).
	RemoteURL string

	// DescriptiveName seeds the branch slug (issue title, channel topic).
	DescriptiveName string
}

// Handle is a provisioned session workspace.
type Handle struct {
	Repo   string
	Path   string // worktree path, the agent's cwd
	Branch string

	barePath string
	provider *Provider
}

// NewProvider builds a Provider. tokens may be nil.
func NewProvider(cfg Config, tokens TokenSource, log *logger.Logger) (*Provider, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("repo provider: data dir is required")
	}
	if log == nil {
		log = logger.Default()
	}
	for _, dir := range []string{filepath.Join(cfg.DataDir, "repos"), filepath.Join(cfg.DataDir, "worktrees")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("repo provider: create %s: %w", dir, err)
		}
	}
	return &Provider{
		cfg:       cfg,
		tokens:    tokens,
		log:       log.WithFields(zap.String("component", "repo-provider")),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

// getRepoLock returns the mutex serializing operations on one repository.
func (p *Provider) getRepoLock(repo string) *sync.Mutex {
	p.repoLockMu.Lock()
	defer p.repoLockMu.Unlock()

	if lock, exists := p.repoLocks[repo]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	p.repoLocks[repo] = lock
	return lock
}

// Provision clones or updates the bare repository and adds a new worktree on
// a fresh branch cut from the default branch.
func (p *Provider) Provision(ctx context.Context, req ProvisionRequest) (*Handle, error) {
	lock := p.getRepoLock(req.Repo)
	lock.Lock()
	defer lock.Unlock()

	barePath, err := p.ensureRepo(ctx, req)
	if err != nil {
		return nil, err
	}

	slug := Slugify(req.DescriptiveName)
	name := fmt.Sprintf("%s-%d", slug, time.Now().UnixNano())
	branch := "acp-agent/" + name
	worktreePath := filepath.Join(p.cfg.DataDir, "worktrees", name)

	base := p.defaultBranch(ctx, barePath)
	if _, err := p.runGit(ctx, barePath, "worktree", "add", "-b", branch, worktreePath, base); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("%w: %s", ErrWorktreeConflict, branch)
		}
		return nil, fmt.Errorf("%w: worktree add: %v", ErrRepoUnavailable, err)
	}

	p.installSkillFiles()

	p.log.Info("Provisioned worktree",
		zap.String("repo", req.Repo),
		zap.String("branch", branch),
		zap.String("path", worktreePath))

	return &Handle{
		Repo:     req.Repo,
		Path:     worktreePath,
		Branch:   branch,
		barePath: barePath,
		provider: p,
	}, nil
}

// Reattach restores a workspace for a persisted session: the existing
// worktree is reused when still valid, otherwise a new worktree is added on
// the session's branch after a fetch.
func (p *Provider) Reattach(ctx context.Context, req ProvisionRequest, branch, path string) (*Handle, error) {
	lock := p.getRepoLock(req.Repo)
	lock.Lock()
	defer lock.Unlock()

	barePath, err := p.ensureRepo(ctx, req)
	if err != nil {
		return nil, err
	}

	handle := &Handle{
		Repo:     req.Repo,
		Path:     path,
		Branch:   branch,
		barePath: barePath,
		provider: p,
	}

	if IsValidWorktree(path) {
		p.installSkillFiles()
		return handle, nil
	}

	// The worktree is gone (volume swap, stale sweep). Prune the record and
	// re-add it on the surviving branch.
	_, _ = p.runGit(ctx, barePath, "worktree", "prune")
	if path == "" {
		path = filepath.Join(p.cfg.DataDir, "worktrees", filepath.Base(branch))
		handle.Path = path
	}
	if _, err := p.runGit(ctx, barePath, "worktree", "add", path, branch); err != nil {
		return nil, fmt.Errorf("%w: worktree add %s: %v", ErrRepoUnavailable, branch, err)
	}

	p.installSkillFiles()
	p.log.Info("Reattached worktree",
		zap.String("repo", req.Repo),
		zap.String("branch", branch),
		zap.String("path", path))
	return handle, nil
}

// Cleanup removes the worktree directory. The branch is kept for review.
func (h *Handle) Cleanup(ctx context.Context) error {
	lock := h.provider.getRepoLock(h.Repo)
	lock.Lock()
	defer lock.Unlock()

	return h.provider.removeWorktreeDir(ctx, h.Path, h.barePath)
}

// CleanupWorktree removes a worktree by path for sessions restored from
// persistence, where no Handle survived the restart.
func (p *Provider) CleanupWorktree(ctx context.Context, repoName, path string) error {
	lock := p.getRepoLock(repoName)
	lock.Lock()
	defer lock.Unlock()

	barePath := filepath.Join(p.cfg.DataDir, "repos", filepath.FromSlash(repoName))
	if _, err := os.Stat(filepath.Join(barePath, "HEAD")); err != nil {
		barePath = ""
	}
	return p.removeWorktreeDir(ctx, path, barePath)
}

// CleanupStale removes worktree directories older than olderThan whose paths
// are not in activeCwds, then prunes stale git records.
func (p *Provider) CleanupStale(ctx context.Context, olderThan time.Duration, activeCwds map[string]bool) int {
	base := filepath.Join(p.cfg.DataDir, "worktrees")
	entries, err := os.ReadDir(base)
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(base, entry.Name())
		if activeCwds[path] {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		p.log.Info("Removing stale worktree", zap.String("path", path))
		if err := os.RemoveAll(path); err != nil {
			p.log.Warn("Failed to remove stale worktree",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		repos := filepath.Join(p.cfg.DataDir, "repos")
		_ = filepath.WalkDir(repos, func(path string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if _, statErr := os.Stat(filepath.Join(path, "HEAD")); statErr == nil {
				_, _ = p.runGit(ctx, path, "worktree", "prune")
				return filepath.SkipDir
			}
			return nil
		})
	}
	return removed
}

// IsValidWorktree checks that path is a usable linked worktree: worktrees
// carry a .git file containing "gitdir: <path>", not a .git directory.
func IsValidWorktree(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// ensureRepo clones the bare repository on first use, or fetches the latest
// refs when it already exists. Returns the bare repo path.
func (p *Provider) ensureRepo(ctx context.Context, req ProvisionRequest) (string, error) {
	if req.Repo == "" && req.RemoteURL == "" {
		return "", fmt.Errorf("%w: no repository configured", ErrRepoUnavailable)
	}

	barePath := filepath.Join(p.cfg.DataDir, "repos", filepath.FromSlash(req.Repo))
	if req.Repo == "" {
		barePath = filepath.Join(p.cfg.DataDir, "repos", Slugify(req.RemoteURL))
	}

	remote := req.RemoteURL
	if remote == "" {
		remote = fmt.Sprintf("https://github.com/%s.git", req.Repo)
	}

	if _, err := os.Stat(filepath.Join(barePath, "HEAD")); err == nil {
		args := append(p.authArgs(ctx), "fetch", "origin", "+refs/heads/*:refs/heads/*", "--prune")
		if _, err := p.runGit(ctx, barePath, args...); err != nil {
			return "", classifyGitError(err)
		}
		return barePath, nil
	}

	if err := os.MkdirAll(filepath.Dir(barePath), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRepoUnavailable, err)
	}

	p.log.Info("Cloning repository",
		zap.String("repo", req.Repo),
		zap.String("path", barePath))
	args := append(p.authArgs(ctx), "clone", "--bare", remote, barePath)
	if _, err := p.runGit(ctx, "", args...); err != nil {
		return "", classifyGitError(err)
	}
	return barePath, nil
}

// authArgs returns per-invocation git config that rewrites github URLs to
// carry a fresh installation token. Nothing is written to git config files.
func (p *Provider) authArgs(ctx context.Context) []string {
	if p.tokens == nil {
		return nil
	}
	token, err := p.tokens.Token(ctx)
	if err != nil || token == "" {
		if err != nil {
			p.log.Warn("Failed to get repo token", zap.Error(err))
		}
		return nil
	}
	rewrite := fmt.Sprintf("url.https://x-access-token:%s@github.com/.insteadOf=https://github.com/", token)
	return []string{"-c", rewrite}
}

func (p *Provider) defaultBranch(ctx context.Context, barePath string) string {
	out, err := p.runGit(ctx, barePath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "main"
	}
	branch := strings.TrimSpace(out)
	if branch == "" || branch == "HEAD" {
		return "main"
	}
	return branch
}

// removeWorktreeDir removes a worktree directory using git worktree remove,
// falling back to rm + prune.
func (p *Provider) removeWorktreeDir(ctx context.Context, worktreePath, barePath string) error {
	if worktreePath == "" {
		return nil
	}
	if _, err := p.runGit(ctx, barePath, "worktree", "remove", "--force", worktreePath); err != nil {
		p.log.Debug("git worktree remove failed, falling back to rm",
			zap.String("path", worktreePath),
			zap.Error(err))

		if err := os.RemoveAll(worktreePath); err != nil {
			return err
		}
		_, _ = p.runGit(ctx, barePath, "worktree", "prune")
	}
	return nil
}

// installSkillFiles copies skill folders for enabled services into the
// global agent skill directories.
func (p *Provider) installSkillFiles() {
	if p.cfg.SkillsDir == "" {
		return
	}
	if _, err := os.Stat(p.cfg.SkillsDir); err != nil {
		return
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	targets := []string{
		filepath.Join(home, ".claude", "skills"),
		filepath.Join(home, ".codex", "skills"),
	}

	for _, service := range p.cfg.EnabledServices {
		src := filepath.Join(p.cfg.SkillsDir, service)
		entries, err := os.ReadDir(src)
		if err != nil {
			continue
		}
		for _, target := range targets {
			dst := filepath.Join(target, service)
			if err := os.MkdirAll(dst, 0o755); err != nil {
				continue
			}
			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}
				data, err := os.ReadFile(filepath.Join(src, entry.Name()))
				if err != nil {
					continue
				}
				_ = os.WriteFile(filepath.Join(dst, entry.Name()), data, 0o644)
			}
		}
	}
}

func (p *Provider) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), redactTokens(string(output)))
	}
	return string(output), nil
}

func classifyGitError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "Authentication failed") ||
		strings.Contains(msg, "could not read Username") ||
		strings.Contains(msg, "403") {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return fmt.Errorf("%w: %v", ErrRepoUnavailable, err)
}

var tokenPattern = regexp.MustCompile(`x-access-token:[^@\s]+@`)

// redactTokens strips embedded x-access-token credentials from git output
// before it reaches logs or errors.
func redactTokens(s string) string {
	return tokenPattern.ReplaceAllString(s, "x-access-token:***@")
}
