// Package vcs wraps the external collaborators the coordinator shells out
// to: git, npm, the transpile step, and the two perennial/chipper helper
// scripts. RepoBackend is the seam between the coordinator loops and these
// processes, so tests can swap in an in-memory double.
package vcs

import "context"

// ExecResult is the outcome of running an external command.
type ExecResult struct {
	Code   int
	Stdout string
	Stderr string
}

// RepoBackend is every external collaborator named in spec §6.
type RepoBackend interface {
	// RevParse resolves refspec (e.g. "master") to a SHA in repo's working copy.
	RevParse(ctx context.Context, repo, refspec string) (string, error)

	// Pull fast-forwards repo's working copy to the remote.
	Pull(ctx context.Context, repo string) error

	// CloneMissingRepos clones any repo present in the active-repos list but
	// absent from disk, returning the names it cloned.
	CloneMissingRepos(ctx context.Context) ([]string, error)

	// IsStale reports whether repo's local master SHA differs from the
	// remote's.
	IsStale(ctx context.Context, repo string) (bool, error)

	// LastCommitTimestamp returns repo's most recent commit time, in
	// milliseconds since the epoch.
	LastCommitTimestamp(ctx context.Context, repo string) (int64, error)

	// NPMUpdate runs `npm install`/`npm update` equivalent in repo.
	NPMUpdate(ctx context.Context, repo string) error

	// OutputJSAll runs the transpile step across the working tree.
	OutputJSAll(ctx context.Context) error

	// RepoList returns the members of a named repo list, e.g. "active-repos"
	// or "active-runnables".
	RepoList(ctx context.Context, listName string) ([]string, error)

	// Execute runs an arbitrary command with args in cwd, returning its exit
	// code and captured output. A non-zero exit, or a process that could not
	// start, is also returned as an error.
	Execute(ctx context.Context, command string, args []string, cwd string) (ExecResult, error)

	// PrintDependencies resolves repo's transitive runtime dependency list
	// via chipper's print-dependencies.js helper.
	PrintDependencies(ctx context.Context, repo string) ([]string, error)

	// ListContinuousTests runs perennial's listContinuousTests.js helper,
	// returning the raw JSON array of test descriptions.
	ListContinuousTests(ctx context.Context) ([]byte, error)

	// HasPackageJSON reports whether repo's working copy carries a
	// package.json.
	HasPackageJSON(repo string) bool

	// HasNodeModules reports whether repo's working copy already has
	// node_modules installed.
	HasNodeModules(repo string) bool
}
