package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aqua-ct/server/internal/logger"
	"github.com/aqua-ct/server/internal/telemetry"
)

// ExecBackend is the production RepoBackend: every method shells out to git,
// npm, node, or grunt under RootDir.
type ExecBackend struct {
	RootDir      string
	ChipperDir   string
	PerennialDir string
	Log          logger.Logger
}

// NewExecBackend builds a backend rooted at rootDir, using the conventional
// chipper/perennial sibling repo names for the two helper scripts. log may be
// nil, in which case every subprocess invocation is logged through the
// package default.
func NewExecBackend(rootDir string, log logger.Logger) *ExecBackend {
	if log == nil {
		log = logger.GetDefault()
	}
	return &ExecBackend{
		RootDir:      rootDir,
		ChipperDir:   filepath.Join(rootDir, "chipper"),
		PerennialDir: filepath.Join(rootDir, "perennial"),
		Log:          log,
	}
}

func (b *ExecBackend) repoPath(repo string) string {
	return filepath.Join(b.RootDir, repo)
}

// Execute runs one subprocess, tracing it as a CT-domain span and logging
// its outcome (§10's "every subprocess invocation outcome" event) regardless
// of which git/npm/node/grunt call site triggered it.
func (b *ExecBackend) Execute(ctx context.Context, command string, args []string, cwd string) (ExecResult, error) {
	ctx, span := telemetry.SubprocessSpan(ctx, command, cwd)
	defer span.End()

	start := time.Now()
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	repo := filepath.Base(cwd)

	if err == nil {
		result.Code = 0
		logger.SubprocessOutcome(b.Log, command, repo, result.Code, time.Since(start), nil)
		return result, nil
	}

	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		result.Code = exitErr.ExitCode()
		wrapped := fmt.Errorf("%s exited with status %d: %w", command, result.Code, err)
		logger.SubprocessOutcome(b.Log, command, repo, result.Code, time.Since(start), wrapped)
		return result, wrapped
	}
	wrapped := fmt.Errorf("starting %s: %w", command, err)
	logger.SubprocessOutcome(b.Log, command, repo, result.Code, time.Since(start), wrapped)
	return result, wrapped
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func (b *ExecBackend) RevParse(ctx context.Context, repo, refspec string) (string, error) {
	result, err := b.Execute(ctx, "git", []string{"rev-parse", refspec}, b.repoPath(repo))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}

func (b *ExecBackend) Pull(ctx context.Context, repo string) error {
	_, err := b.Execute(ctx, "git", []string{"pull"}, b.repoPath(repo))
	return err
}

func (b *ExecBackend) CloneMissingRepos(ctx context.Context) ([]string, error) {
	active, err := b.RepoList(ctx, "active-repos")
	if err != nil {
		return nil, err
	}

	var cloned []string
	for _, repo := range active {
		if _, err := os.Stat(b.repoPath(repo)); err == nil {
			continue
		}
		url := fmt.Sprintf("https://github.com/phetsims/%s.git", repo)
		if _, err := b.Execute(ctx, "git", []string{"clone", url, repo}, b.RootDir); err != nil {
			return cloned, fmt.Errorf("cloning %s: %w", repo, err)
		}
		cloned = append(cloned, repo)
	}
	return cloned, nil
}

func (b *ExecBackend) IsStale(ctx context.Context, repo string) (bool, error) {
	local, err := b.RevParse(ctx, repo, "master")
	if err != nil {
		return false, err
	}
	result, err := b.Execute(ctx, "git", []string{"ls-remote", "origin", "master"}, b.repoPath(repo))
	if err != nil {
		return false, err
	}
	fields := strings.Fields(result.Stdout)
	if len(fields) == 0 {
		return false, fmt.Errorf("ls-remote for %s returned no SHA", repo)
	}
	return fields[0] != local, nil
}

func (b *ExecBackend) LastCommitTimestamp(ctx context.Context, repo string) (int64, error) {
	result, err := b.Execute(ctx, "git", []string{"log", "-1", "--format=%ct"}, b.repoPath(repo))
	if err != nil {
		return 0, err
	}
	seconds, err := strconv.ParseInt(strings.TrimSpace(result.Stdout), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing commit timestamp for %s: %w", repo, err)
	}
	return seconds * 1000, nil
}

func (b *ExecBackend) NPMUpdate(ctx context.Context, repo string) error {
	_, err := b.Execute(ctx, "npm", []string{"update"}, b.repoPath(repo))
	return err
}

func (b *ExecBackend) OutputJSAll(ctx context.Context) error {
	_, err := b.Execute(ctx, "node", []string{"js/scripts/output-js-all.js"}, b.ChipperDir)
	return err
}

func (b *ExecBackend) RepoList(ctx context.Context, listName string) ([]string, error) {
	path := filepath.Join(b.PerennialDir, "data", listName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading repo list %s: %w", listName, err)
	}
	var repos []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			repos = append(repos, line)
		}
	}
	return repos, nil
}

func (b *ExecBackend) PrintDependencies(ctx context.Context, repo string) ([]string, error) {
	result, err := b.Execute(ctx, "node", []string{"js/scripts/print-dependencies.js", repo}, b.ChipperDir)
	if err != nil {
		return nil, err
	}
	var deps []string
	for _, dep := range strings.Split(strings.TrimSpace(result.Stdout), ",") {
		dep = strings.TrimSpace(dep)
		if dep != "" {
			deps = append(deps, dep)
		}
	}
	return deps, nil
}

func (b *ExecBackend) ListContinuousTests(ctx context.Context) ([]byte, error) {
	result, err := b.Execute(ctx, "node", []string{"js/listContinuousTests.js"}, b.PerennialDir)
	if err != nil {
		return nil, err
	}
	return []byte(result.Stdout), nil
}

func (b *ExecBackend) HasPackageJSON(repo string) bool {
	_, err := os.Stat(filepath.Join(b.repoPath(repo), "package.json"))
	return err == nil
}

func (b *ExecBackend) HasNodeModules(repo string) bool {
	_, err := os.Stat(filepath.Join(b.repoPath(repo), "node_modules"))
	return err == nil
}
