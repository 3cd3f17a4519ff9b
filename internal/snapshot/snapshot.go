// Package snapshot implements the Snapshot lifecycle: constructing an
// immutable copy of the working tree plus its discovered tests, and
// retiring that copy once it ages out.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aqua-ct/server/internal/telemetry"
	"github.com/aqua-ct/server/internal/testmodel"
	"github.com/aqua-ct/server/internal/vcs"
)

// Snapshot is one immutable (once Constructed) copy of the working tree,
// plus the tests discovered in it.
type Snapshot struct {
	mu sync.RWMutex

	RootDir     string
	UseRootDirV bool
	TimestampV  int64
	Constructed bool
	NameV       string
	ExistsV     bool
	Directory   string
	Repos       []string
	Shas        map[string]string

	tests   []*testmodel.Test
	testMap map[string]*testmodel.Test
}

// Name, Timestamp, and UseRootDir satisfy testmodel.SnapshotRef.
func (s *Snapshot) Name() string     { return s.NameV }
func (s *Snapshot) Timestamp() int64 { return s.TimestampV }
func (s *Snapshot) UseRootDir() bool { return s.UseRootDirV }

// Exists reports whether the snapshot's directory is still present.
func (s *Snapshot) Exists() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ExistsV
}

// Tests returns a snapshot's full test list. The returned slice must not be
// mutated by the caller.
func (s *Snapshot) Tests() []*testmodel.Test {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tests
}

// FindTest looks a test up by its names, mirroring the JS findTest(names)
// accessor used throughout §4.7.
func (s *Snapshot) FindTest(names []string) *testmodel.Test {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.testMap[strings.Join(names, ".")]
}

// PendingDirectory computes the directory a non-useRootDir Create call
// rooted at rootDir and timestamped at timestampMillis will use, before
// construction begins. The caller uses this to populate pendingSnapshot
// ahead of the (possibly multi-second) copy, so a crash mid-copy still
// leaves a reclaimable stub pointing at the right directory.
func PendingDirectory(rootDir string, timestampMillis int64) string {
	return filepath.Join(rootDir, "ct-snapshots", fmt.Sprintf("%d", timestampMillis))
}

// create is the shared construction path for both the copied-snapshot and
// useRootDir modes, implementing §4.4 steps 1-8.
func create(ctx context.Context, backend vcs.RepoBackend, rootDir string, useRootDir bool, now time.Time) (*Snapshot, error) {
	timestamp := now.UnixMilli()

	spanDir := rootDir
	if !useRootDir {
		spanDir = PendingDirectory(rootDir, timestamp)
	}
	ctx, span := telemetry.SnapshotSpan(ctx, "build", spanDir)
	defer span.End()

	s := &Snapshot{
		RootDir:     rootDir,
		UseRootDirV: useRootDir,
		TimestampV:  timestamp,
		NameV:       fmt.Sprintf("snapshot-%d", timestamp),
		ExistsV:     true,
		Shas:        make(map[string]string),
		testMap:     make(map[string]*testmodel.Test),
	}

	if useRootDir {
		s.Directory = rootDir
	} else {
		s.Directory = PendingDirectory(rootDir, timestamp)
		if err := os.MkdirAll(s.Directory, 0755); err != nil {
			return nil, fmt.Errorf("creating snapshot directory: %w", err)
		}
	}

	activeRepos, err := backend.RepoList(ctx, "active-repos")
	if err != nil {
		return s, fmt.Errorf("listing active-repos: %w", err)
	}
	s.Repos = activeRepos

	for _, repo := range activeRepos {
		sha, err := backend.RevParse(ctx, repo, "master")
		if err != nil {
			return s, fmt.Errorf("resolving sha for %s: %w", repo, err)
		}
		s.Shas[repo] = sha

		if !useRootDir {
			if err := copyDir(filepath.Join(rootDir, repo), filepath.Join(s.Directory, repo)); err != nil {
				return s, fmt.Errorf("copying %s into snapshot: %w", repo, err)
			}
		}
	}

	lastRepoTimestamps := make(map[string]int64, len(activeRepos))
	for _, repo := range activeRepos {
		ts, err := backend.LastCommitTimestamp(ctx, repo)
		if err != nil {
			return s, fmt.Errorf("reading last commit timestamp for %s: %w", repo, err)
		}
		lastRepoTimestamps[repo] = ts
	}

	activeRunnables, err := backend.RepoList(ctx, "active-runnables")
	if err != nil {
		return s, fmt.Errorf("listing active-runnables: %w", err)
	}

	lastRunnableTimestamps := make(map[string]int64, len(activeRunnables))
	for _, repo := range activeRunnables {
		deps, err := backend.PrintDependencies(ctx, repo)
		if err != nil {
			// Non-fatal: the timestamp stays absent (treated as 0 in the
			// weight function).
			continue
		}
		var max int64
		for _, dep := range deps {
			if ts := lastRepoTimestamps[dep]; ts > max {
				max = ts
			}
		}
		lastRunnableTimestamps[repo] = max
	}

	raw, err := backend.ListContinuousTests(ctx)
	if err != nil {
		return s, fmt.Errorf("listing continuous tests: %w", err)
	}
	descriptions, err := testmodel.ParseDescriptions(raw)
	if err != nil {
		return s, err
	}

	var duplicateNames []string
	for _, desc := range descriptions {
		var key string
		if len(desc.Test) > 0 {
			key = desc.Test[0]
		}
		test, err := testmodel.New(desc, lastRepoTimestamps[key], lastRunnableTimestamps[key], s)
		if err != nil {
			duplicateNames = append(duplicateNames, err.Error())
			continue
		}
		if err := s.addTest(test); err != nil {
			duplicateNames = append(duplicateNames, err.Error())
		}
	}

	internalTest := testmodel.NewInternal([]string{"perennial", "listContinuousTests"}, s)
	if len(duplicateNames) > 0 {
		internalTest.AppendResult(testmodel.NewResult(false, 0, strings.Join(duplicateNames, "\n")))
	} else {
		internalTest.AppendResult(testmodel.NewResult(true, 0, ""))
	}
	if err := s.addTest(internalTest); err != nil {
		// A discovered test already named perennial.listContinuousTests makes
		// construction fail: the error is returned and Constructed stays false.
		return s, err
	}

	s.Constructed = true
	return s, nil
}

// Create constructs a new, fully-populated Snapshot rooted at rootDir.
func Create(ctx context.Context, backend vcs.RepoBackend, rootDir string, now time.Time) (*Snapshot, error) {
	return create(ctx, backend, rootDir, false, now)
}

// CreateRootDir constructs the single, permanent useRootDir-mode Snapshot.
func CreateRootDir(ctx context.Context, backend vcs.RepoBackend, rootDir string, now time.Time) (*Snapshot, error) {
	return create(ctx, backend, rootDir, true, now)
}

func (s *Snapshot) addTest(test *testmodel.Test) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := test.NameString()
	if _, exists := s.testMap[key]; exists {
		return fmt.Errorf("duplicate test name: %s", key)
	}
	s.testMap[key] = test
	s.tests = append(s.tests, test)
	return nil
}

// Remove transitions the snapshot to REMOVED: it is no longer on disk and no
// longer addressable by directory.
func (s *Snapshot) Remove() error {
	s.mu.Lock()
	directory := s.Directory
	useRootDir := s.UseRootDirV
	s.ExistsV = false
	s.Directory = ""
	s.mu.Unlock()

	if useRootDir || directory == "" {
		return nil
	}
	return os.RemoveAll(directory)
}

// SortedTestNames returns every distinct NameString present across the given
// snapshots, lexicographically sorted, plus its corresponding names slice —
// the testNameMap/testNames construction used by the report loop (§4.7).
func SortedTestNames(snapshots []*Snapshot) (names [][]string) {
	union := make(map[string][]string)
	for _, snap := range snapshots {
		for _, test := range snap.Tests() {
			union[test.NameString()] = test.Names
		}
	}
	keys := make([]string, 0, len(union))
	for k := range union {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	names = make([][]string, len(keys))
	for i, k := range keys {
		names[i] = union[k]
	}
	return names
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
