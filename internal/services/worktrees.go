package services

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	gogit "github.com/go-git/go-git/v5"
	"golang.org/x/sync/semaphore"

	"github.com/ccmux/ccmux/internal/apperr"
	"github.com/ccmux/ccmux/internal/logger"
	"github.com/ccmux/ccmux/internal/models"
)

// scanConcurrency bounds in-flight directory checks during a repo scan
const scanConcurrency = 10

// scanExclusions are directory names never descended into during a scan
var scanExclusions = []string{
	"node_modules", ".cache", "vendor", "__pycache__", ".venv", "target", "dist", "build",
}

var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// shellMetaChars in a path mean someone is trying to smuggle a command
// through us; such paths are rejected outright
const shellMetaChars = ";&|`$(){}[]<>!"

// WorktreeService wraps the git CLI for worktree enumeration, creation
// and deletion, plus filesystem repo scanning. All operations are pure
// functions of their arguments; nothing is cached.
type WorktreeService struct {
	gitBin string
}

// NewWorktreeService creates a worktree service using the given git binary
func NewWorktreeService(gitBin string) *WorktreeService {
	if gitBin == "" {
		gitBin = "git"
	}
	return &WorktreeService{gitBin: gitBin}
}

// ValidatePath resolves path to absolute form and rejects shell
// metacharacters
func ValidatePath(path string) (string, error) {
	if path == "" {
		return "", apperr.New(apperr.InvalidArgument, "path is empty")
	}
	if strings.ContainsAny(path, shellMetaChars) {
		return "", apperr.New(apperr.InvalidArgument, "path contains forbidden characters: %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidArgument, err, "invalid path: %s", path)
	}
	return abs, nil
}

// ValidateBranchName rejects branch names that could be misparsed as
// flags or escape the refs namespace
func ValidateBranchName(branch string) error {
	if branch == "" {
		return apperr.New(apperr.InvalidArgument, "branch name is empty")
	}
	if strings.HasPrefix(branch, "-") {
		return apperr.New(apperr.InvalidArgument, "branch name cannot start with '-': %s", branch)
	}
	if strings.Contains(branch, "..") {
		return apperr.New(apperr.InvalidArgument, "branch name cannot contain '..': %s", branch)
	}
	if !branchNamePattern.MatchString(branch) {
		return apperr.New(apperr.InvalidArgument, "invalid branch name: %s", branch)
	}
	return nil
}

// WorktreeID derives the stable opaque ID for a worktree path
func WorktreeID(path string) string {
	h := fnv.New32a()
	h.Write([]byte(filepath.Clean(path)))
	return fmt.Sprintf("%08x", h.Sum32())
}

func (w *WorktreeService) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, w.gitBin, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// IsRepo reports whether path is inside a Git working tree
func (w *WorktreeService) IsRepo(ctx context.Context, path string) bool {
	abs, err := ValidatePath(path)
	if err != nil {
		return false
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return false
	}
	out, err := w.git(ctx, abs, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// ListWorktrees parses `git worktree list --porcelain`. The first entry
// is the main worktree; detached entries report branch "(detached)".
func (w *WorktreeService) ListWorktrees(ctx context.Context, repoPath string) ([]models.Worktree, error) {
	abs, err := ValidatePath(repoPath)
	if err != nil {
		return nil, err
	}
	if !w.IsRepo(ctx, abs) {
		return nil, apperr.New(apperr.InvalidArgument, "not a Git repository: %s", abs)
	}

	out, err := w.git(ctx, abs, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	return parseWorktreePorcelain(out), nil
}

func parseWorktreePorcelain(out string) []models.Worktree {
	var worktrees []models.Worktree
	var current *models.Worktree

	flush := func() {
		if current != nil {
			if current.Branch == "" {
				current.Branch = "(detached)"
			}
			current.ID = WorktreeID(current.Path)
			current.IsMain = len(worktrees) == 0
			worktrees = append(worktrees, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &models.Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case current == nil:
			// stray line before the first stanza
		case strings.HasPrefix(line, "HEAD "):
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "bare":
			current.IsBare = true
		case line == "detached":
			current.Branch = "(detached)"
		}
	}
	flush()

	return worktrees
}

// CreateWorktree adds a worktree for a new branch next to the repo root.
// The destination is `<repoRoot>-<branch with / replaced by ->`; creation
// fails if it already exists.
func (w *WorktreeService) CreateWorktree(ctx context.Context, repoPath, branch, baseBranch string) (*models.Worktree, error) {
	abs, err := ValidatePath(repoPath)
	if err != nil {
		return nil, err
	}
	if err := ValidateBranchName(branch); err != nil {
		return nil, err
	}
	if baseBranch == "" {
		baseBranch = "HEAD"
	} else if err := ValidateBranchName(baseBranch); err != nil {
		return nil, err
	}
	if !w.IsRepo(ctx, abs) {
		return nil, apperr.New(apperr.InvalidArgument, "not a Git repository: %s", abs)
	}

	rootOut, err := w.git(ctx, abs, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repo root: %w", err)
	}
	root := strings.TrimSpace(rootOut)

	dest := root + "-" + strings.ReplaceAll(branch, "/", "-")
	if _, err := os.Stat(dest); err == nil {
		return nil, apperr.New(apperr.Conflict, "destination already exists: %s", dest)
	}

	logger.Infof("🌿 Creating worktree %s (branch %s from %s)", dest, branch, baseBranch)
	if _, err := w.git(ctx, root, "worktree", "add", "-b", branch, dest, baseBranch); err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w", err)
	}

	worktrees, err := w.ListWorktrees(ctx, root)
	if err != nil {
		return nil, err
	}
	for _, wt := range worktrees {
		if filepath.Clean(wt.Path) == filepath.Clean(dest) {
			return &wt, nil
		}
	}
	return nil, apperr.New(apperr.Internal, "created worktree missing from listing: %s", dest)
}

// DeleteWorktree force-removes a worktree and best-effort deletes its
// branch. The main worktree is refused.
func (w *WorktreeService) DeleteWorktree(ctx context.Context, repoPath, worktreePath string) error {
	absRepo, err := ValidatePath(repoPath)
	if err != nil {
		return err
	}
	absWT, err := ValidatePath(worktreePath)
	if err != nil {
		return err
	}

	worktrees, err := w.ListWorktrees(ctx, absRepo)
	if err != nil {
		return err
	}

	var target *models.Worktree
	for i := range worktrees {
		if filepath.Clean(worktrees[i].Path) == filepath.Clean(absWT) {
			target = &worktrees[i]
			break
		}
	}
	if target == nil {
		return apperr.New(apperr.NotFound, "worktree not found: %s", absWT)
	}
	if target.IsMain {
		return apperr.New(apperr.InvalidArgument, "cannot delete main worktree: %s", absWT)
	}

	logger.Infof("🗑️ Removing worktree %s", absWT)
	if _, err := w.git(ctx, absRepo, "worktree", "remove", absWT, "--force"); err != nil {
		return fmt.Errorf("failed to remove worktree: %w", err)
	}

	if target.Branch != "" && target.Branch != "(detached)" {
		if _, err := w.git(ctx, absRepo, "branch", "-D", target.Branch); err != nil {
			logger.Warnf("⚠️ Failed to delete branch %s: %v", target.Branch, err)
		}
	}
	return nil
}

// ScanRepos locates Git repositories under basePath. An external fast
// finder (fd) is preferred; otherwise a bounded recursive walk is used.
// Results are sorted by path.
func (w *WorktreeService) ScanRepos(ctx context.Context, basePath string, maxDepth int) ([]models.RepoInfo, error) {
	abs, err := ValidatePath(basePath)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, apperr.New(apperr.InvalidArgument, "path not found: %s", abs)
	}
	if maxDepth <= 0 {
		maxDepth = 3
	}

	var paths []string
	if fdBin, err := exec.LookPath("fd"); err == nil {
		paths, err = scanWithFd(ctx, fdBin, abs, maxDepth)
		if err != nil {
			logger.Warnf("⚠️ fd scan failed, falling back to walk: %v", err)
			paths = nil
		}
	}
	if paths == nil {
		paths = scanWithWalk(ctx, abs, maxDepth)
	}

	sort.Strings(paths)

	repos := make([]models.RepoInfo, 0, len(paths))
	for _, p := range paths {
		repos = append(repos, models.RepoInfo{
			Path:   p,
			Name:   filepath.Base(p),
			Branch: w.currentBranch(ctx, p),
		})
	}
	return repos, nil
}

func scanWithFd(ctx context.Context, fdBin, base string, maxDepth int) ([]string, error) {
	// .git is hidden, so fd needs -H; +1 because the match is the .git
	// entry itself, one level below the repo root
	args := []string{"--hidden", "--no-ignore", "--max-depth", fmt.Sprintf("%d", maxDepth+1), "--type", "d", "--type", "f", "--glob", ".git", base}
	for _, excl := range scanExclusions {
		args = append(args, "--exclude", excl)
	}
	out, err := exec.CommandContext(ctx, fdBin, args...).Output()
	if err != nil {
		return nil, err
	}

	var repos []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		repos = append(repos, filepath.Dir(strings.TrimSuffix(line, string(filepath.Separator))))
	}
	return repos, nil
}

// scanWithWalk is the fallback: a concurrency-limited recursive walk
// that skips dot-directories and the exclusion set
func scanWithWalk(ctx context.Context, base string, maxDepth int) []string {
	sem := semaphore.NewWeighted(scanConcurrency)
	var mu sync.Mutex
	var repos []string
	var wg sync.WaitGroup

	excluded := make(map[string]bool, len(scanExclusions))
	for _, e := range scanExclusions {
		excluded[e] = true
	}

	var walk func(dir string, depth int)
	walk = func(dir string, depth int) {
		defer wg.Done()
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		entries, err := os.ReadDir(dir)
		sem.Release(1)
		if err != nil {
			return
		}

		isRepo := false
		for _, entry := range entries {
			if entry.Name() == ".git" {
				isRepo = true
				break
			}
		}
		if isRepo {
			mu.Lock()
			repos = append(repos, dir)
			mu.Unlock()
			return
		}
		if depth >= maxDepth {
			return
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			name := entry.Name()
			if strings.HasPrefix(name, ".") || excluded[name] {
				continue
			}
			wg.Add(1)
			go walk(filepath.Join(dir, name), depth+1)
		}
	}

	wg.Add(1)
	walk(base, 0)
	wg.Wait()

	return repos
}

// currentBranch resolves a repo's checked-out branch without a
// subprocess, falling back to the git CLI for layouts go-git cannot open
func (w *WorktreeService) currentBranch(ctx context.Context, repoPath string) string {
	if repo, err := gogit.PlainOpen(repoPath); err == nil {
		if head, err := repo.Head(); err == nil {
			if head.Name().IsBranch() {
				return head.Name().Short()
			}
			return "(detached)"
		}
	}
	out, err := w.git(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}
