package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aqua-ct/server/internal/checkpoint"
	"github.com/aqua-ct/server/internal/config"
	"github.com/aqua-ct/server/internal/logger"
	"github.com/aqua-ct/server/internal/snapshot"
	"github.com/aqua-ct/server/internal/vcs"
)

func newNonRootTestState(t *testing.T, backend vcs.RepoBackend, rootDir string) *State {
	t.Helper()
	cfg := &config.Config{
		Coord: config.CoordinatorConfig{
			UseRootDir:     false,
			RootDir:        rootDir,
			MaxSnapshots:   70,
			MaxSnapshotAge: 48 * time.Hour,
			CheckpointPath: filepath.Join(t.TempDir(), "checkpoint.json"),
		},
	}
	s, err := New(cfg, backend, logger.NewFromConfig("error", "text"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// TestCreateSnapshot_PendingSnapshotSurvivesDuringCreate exercises §4.9/S6:
// a checkpoint written while snapshot.Create is still copying repos must
// carry a pendingSnapshot stub, not nil, so a crash mid-copy leaves the
// partial directory reclaimable on next boot.
func TestCreateSnapshot_PendingSnapshotSurvivesDuringCreate(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "alpha"), 0755); err != nil {
		t.Fatal(err)
	}

	backend := vcs.NewFakeRepoBackend()
	backend.ActiveRepos = []string{"alpha"}
	backend.RevParseSHAs["alpha"] = "aaa"
	backend.CommitTimestamps["alpha"] = 0
	backend.ListTestsJSON = []byte("[]")

	s := newNonRootTestState(t, backend, root)

	hookFired := false
	backend.BeforeRevParse = func(repo string) {
		hookFired = true

		s.mu.Lock()
		pending := s.pendingSnapshot
		s.mu.Unlock()
		if pending == nil {
			t.Error("expected pendingSnapshot to be populated before Create resolves repo shas")
			return
		}

		loaded, err := checkpoint.Load(s.checkpointPath)
		if err != nil {
			t.Errorf("checkpoint.Load: %v", err)
			return
		}
		if loaded.PendingSnapshot == nil {
			t.Error("expected a checkpoint written mid-Create to carry a pendingSnapshot stub")
			return
		}
		if loaded.PendingSnapshot.Directory != pending.Directory {
			t.Errorf("checkpoint pendingSnapshot.Directory = %q, want %q", loaded.PendingSnapshot.Directory, pending.Directory)
		}
	}

	s.createSnapshot(context.Background())

	if !hookFired {
		t.Fatal("BeforeRevParse hook never ran; test did not exercise the in-flight window")
	}

	s.mu.Lock()
	pendingAfter := s.pendingSnapshot
	s.mu.Unlock()
	if pendingAfter != nil {
		t.Error("expected pendingSnapshot cleared once the snapshot was appended")
	}
	if len(s.Snapshots()) != 1 {
		t.Fatalf("len(Snapshots) = %d, want 1", len(s.Snapshots()))
	}
}

// TestCreateSnapshot_FailureRetiresPendingSnapshot covers the non-crash
// failure path: Create can fail partway through (e.g. a repo missing from
// disk) after already creating the snapshot directory. That directory must
// not be silently dropped — it moves to trashSnapshots for reclamation.
func TestCreateSnapshot_FailureRetiresPendingSnapshot(t *testing.T) {
	root := t.TempDir()
	// "alpha" is active but absent from disk, so snapshot.Create's copyDir
	// step fails after the snapshot directory itself has been created.

	backend := vcs.NewFakeRepoBackend()
	backend.ActiveRepos = []string{"alpha"}
	backend.RevParseSHAs["alpha"] = "aaa"
	backend.ListTestsJSON = []byte("[]")

	s := newNonRootTestState(t, backend, root)
	s.createSnapshot(context.Background())

	s.mu.Lock()
	pending := s.pendingSnapshot
	trashed := append([]*snapshot.Snapshot(nil), s.trashSnapshots...)
	s.mu.Unlock()

	if pending != nil {
		t.Error("expected pendingSnapshot cleared after the failed Create hands off to trash")
	}
	if len(trashed) != 1 {
		t.Fatalf("len(trashSnapshots) = %d, want 1", len(trashed))
	}
	if len(s.Snapshots()) != 0 {
		t.Error("expected no snapshot to have been inserted")
	}

	deadline := time.After(time.Second)
	for {
		s.mu.Lock()
		remaining := len(s.trashSnapshots)
		s.mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the orphaned directory to be reclaimed")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
