package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aqua-ct/server/internal/config"
	"github.com/aqua-ct/server/internal/logger"
	"github.com/aqua-ct/server/internal/vcs"
)

var errExitStatus = errors.New("grunt exited with status 2")

func newTestState(t *testing.T, backend vcs.RepoBackend) *State {
	t.Helper()
	cfg := &config.Config{
		Coord: config.CoordinatorConfig{
			UseRootDir:     true,
			RootDir:        t.TempDir(),
			MaxSnapshots:   70,
			MaxSnapshotAge: 48 * time.Hour,
			CheckpointPath: filepath.Join(t.TempDir(), "checkpoint.json"),
		},
	}
	log := logger.NewFromConfig("error", "text")
	s, err := New(cfg, backend, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func backendWithLocalTests(t *testing.T, descriptions []map[string]interface{}) *vcs.FakeRepoBackend {
	t.Helper()
	backend := vcs.NewFakeRepoBackend()
	backend.ActiveRepos = []string{"alpha"}
	backend.RevParseSHAs["alpha"] = "aaa"
	raw, err := json.Marshal(descriptions)
	if err != nil {
		t.Fatal(err)
	}
	backend.ListTestsJSON = raw
	return backend
}

func TestLocalIteration_RunsLintAndRecordsSuccess(t *testing.T) {
	backend := backendWithLocalTests(t, []map[string]interface{}{
		{"test": []string{"alpha", "lint"}, "type": "lint", "repo": "alpha"},
	})
	s := newTestState(t, backend)
	s.createRootDirSnapshot(context.Background())

	if ok := s.localIteration(context.Background()); !ok {
		t.Fatal("expected localIteration to find work")
	}

	snaps := s.Snapshots()
	test := snaps[0].FindTest([]string{"alpha", "lint"})
	if test == nil {
		t.Fatal("expected lint test")
	}
	if !test.Complete {
		t.Error("expected Complete = true")
	}
	if len(test.Results) != 1 || !test.Results[0].Passed {
		t.Errorf("results = %+v, want single passing result", test.Results)
	}

	calls := backend.Executed
	if len(calls) != 1 || calls[0].Command != "grunt" {
		t.Errorf("Executed = %+v, want one grunt call", calls)
	}
	if len(calls[0].Args) != 1 || calls[0].Args[0] != "lint" {
		t.Errorf("args = %v, want [lint]", calls[0].Args)
	}
	if calls[0].Cwd != filepath.Join(s.rootDir, "alpha") {
		t.Errorf("cwd = %q, want %q", calls[0].Cwd, filepath.Join(s.rootDir, "alpha"))
	}
}

func TestLocalIteration_FailedGruntRecordsFailureMessage(t *testing.T) {
	backend := backendWithLocalTests(t, []map[string]interface{}{
		{"test": []string{"alpha", "lint"}, "type": "lint", "repo": "alpha"},
	})
	backend.ExecuteResults = map[string]vcs.ExecResult{
		"grunt": {Code: 2, Stdout: "some output", Stderr: "boom"},
	}
	backend.ExecuteErrors = map[string]error{
		"grunt": errExitStatus,
	}
	s := newTestState(t, backend)
	s.createRootDirSnapshot(context.Background())

	if ok := s.localIteration(context.Background()); !ok {
		t.Fatal("expected localIteration to find work")
	}

	snaps := s.Snapshots()
	test := snaps[0].FindTest([]string{"alpha", "lint"})
	if len(test.Results) != 1 || test.Results[0].Passed {
		t.Fatalf("results = %+v, want single failing result", test.Results)
	}
	if test.Results[0].Message == nil || *test.Results[0].Message == "" {
		t.Error("expected a non-empty failure message")
	}
}

func TestLocalIteration_BuildSetsSuccess(t *testing.T) {
	backend := backendWithLocalTests(t, []map[string]interface{}{
		{"test": []string{"alpha", "build"}, "type": "build", "repo": "alpha", "brands": []string{"phet"}},
	})
	s := newTestState(t, backend)
	s.createRootDirSnapshot(context.Background())

	if ok := s.localIteration(context.Background()); !ok {
		t.Fatal("expected localIteration to find work")
	}

	test := s.Snapshots()[0].FindTest([]string{"alpha", "build"})
	if !test.Success {
		t.Error("expected Success = true after a passing build")
	}
}

func TestLocalIteration_NoSnapshotsReturnsFalse(t *testing.T) {
	s := newTestState(t, vcs.NewFakeRepoBackend())
	if s.localIteration(context.Background()) {
		t.Error("expected no work with zero snapshots")
	}
}
