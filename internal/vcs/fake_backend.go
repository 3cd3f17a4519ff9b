package vcs

import (
	"context"
	"fmt"
	"sync"
)

// FakeRepoBackend is an in-memory RepoBackend double for tests: every
// external collaborator becomes a map lookup or a scripted response instead
// of a subprocess.
type FakeRepoBackend struct {
	mu sync.Mutex

	RevParseSHAs      map[string]string // repo -> sha
	RemoteSHAs        map[string]string // repo -> sha, compared against RevParseSHAs for IsStale
	CommitTimestamps  map[string]int64  // repo -> ms
	ActiveRepos       []string
	ActiveRunnables   []string
	Dependencies      map[string][]string // repo -> dependency repos
	ListTestsJSON     []byte
	PackageJSONRepos  map[string]bool
	NodeModulesRepos  map[string]bool
	MissingRepos      []string // repos CloneMissingRepos should report as cloned

	Pulled      []string
	NPMUpdated  []string
	Transpiled  int
	Executed    []ExecCall

	// ExecuteResults, keyed by command, lets tests script a non-zero exit
	// (and a matching error) for a specific Execute call.
	ExecuteResults map[string]ExecResult
	ExecuteErrors  map[string]error

	// BeforeRevParse, if set, runs synchronously inside RevParse — a seam
	// for tests that need to observe coordinator state while a multi-step
	// snapshot.Create call is still in flight.
	BeforeRevParse func(repo string)
}

// ExecCall records one Execute invocation for assertions.
type ExecCall struct {
	Command string
	Args    []string
	Cwd     string
}

// NewFakeRepoBackend returns an empty, ready-to-configure fake.
func NewFakeRepoBackend() *FakeRepoBackend {
	return &FakeRepoBackend{
		RevParseSHAs:     make(map[string]string),
		RemoteSHAs:       make(map[string]string),
		CommitTimestamps: make(map[string]int64),
		Dependencies:     make(map[string][]string),
		PackageJSONRepos: make(map[string]bool),
		NodeModulesRepos: make(map[string]bool),
	}
}

func (f *FakeRepoBackend) RevParse(ctx context.Context, repo, refspec string) (string, error) {
	if f.BeforeRevParse != nil {
		f.BeforeRevParse(repo)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sha, ok := f.RevParseSHAs[repo]
	if !ok {
		return "", fmt.Errorf("fake backend: no sha configured for repo %q", repo)
	}
	return sha, nil
}

func (f *FakeRepoBackend) Pull(ctx context.Context, repo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pulled = append(f.Pulled, repo)
	return nil
}

func (f *FakeRepoBackend) CloneMissingRepos(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.MissingRepos...), nil
}

func (f *FakeRepoBackend) IsStale(ctx context.Context, repo string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	local, localOK := f.RevParseSHAs[repo]
	remote, remoteOK := f.RemoteSHAs[repo]
	if !localOK || !remoteOK {
		return false, fmt.Errorf("fake backend: missing sha configuration for repo %q", repo)
	}
	return local != remote, nil
}

func (f *FakeRepoBackend) LastCommitTimestamp(ctx context.Context, repo string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CommitTimestamps[repo], nil
}

func (f *FakeRepoBackend) NPMUpdate(ctx context.Context, repo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NPMUpdated = append(f.NPMUpdated, repo)
	return nil
}

func (f *FakeRepoBackend) OutputJSAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Transpiled++
	return nil
}

func (f *FakeRepoBackend) RepoList(ctx context.Context, listName string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch listName {
	case "active-repos":
		return append([]string(nil), f.ActiveRepos...), nil
	case "active-runnables":
		return append([]string(nil), f.ActiveRunnables...), nil
	default:
		return nil, fmt.Errorf("fake backend: unknown repo list %q", listName)
	}
}

func (f *FakeRepoBackend) Execute(ctx context.Context, command string, args []string, cwd string) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Executed = append(f.Executed, ExecCall{Command: command, Args: args, Cwd: cwd})
	if result, ok := f.ExecuteResults[command]; ok {
		return result, f.ExecuteErrors[command]
	}
	return ExecResult{Code: 0}, nil
}

func (f *FakeRepoBackend) PrintDependencies(ctx context.Context, repo string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Dependencies[repo]...), nil
}

func (f *FakeRepoBackend) ListContinuousTests(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListTestsJSON == nil {
		return []byte("[]"), nil
	}
	return f.ListTestsJSON, nil
}

func (f *FakeRepoBackend) HasPackageJSON(repo string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PackageJSONRepos[repo]
}

func (f *FakeRepoBackend) HasNodeModules(repo string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.NodeModulesRepos[repo]
}

var _ RepoBackend = (*FakeRepoBackend)(nil)
var _ RepoBackend = (*ExecBackend)(nil)
