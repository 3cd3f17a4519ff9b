package coordinator

import (
	"context"
	"time"

	"github.com/aqua-ct/server/internal/logger"
	"github.com/aqua-ct/server/internal/metrics"
	"github.com/aqua-ct/server/internal/snapshot"
)

// RunSnapshotLoop launches the initial cold-start triage, then the SnapshotLoop's
// forever iteration (or the single useRootDir construction), per §4.3.
func (s *State) RunSnapshotLoop(ctx context.Context, pollInterval time.Duration) {
	s.coldStartTriage(ctx)

	s.mu.Lock()
	trash := append([]*snapshot.Snapshot(nil), s.trashSnapshots...)
	s.mu.Unlock()
	for _, snap := range trash {
		go s.deleteTrashSnapshot(ctx, snap)
	}

	s.npmUpdateActiveRepos(ctx)

	if s.useRootDir {
		s.createRootDirSnapshot(ctx)
		return
	}

	s.setStatus("ready")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		start := time.Now()
		s.snapshotIteration(ctx)
		metrics.LoopIterationsTotal.WithLabelValues("snapshot").Inc()
		logger.LoopIteration(s.log, "snapshot", time.Since(start))
		sleepCtx(ctx, pollInterval)
	}
}

// coldStartTriage compares any restored snapshots[0].shas against a fresh
// revparse, setting wasStale on first mismatch.
func (s *State) coldStartTriage(ctx context.Context) {
	s.mu.Lock()
	var newest *snapshot.Snapshot
	if len(s.snapshots) > 0 {
		newest = s.snapshots[0]
	}
	s.mu.Unlock()

	if newest == nil {
		return
	}

	stale := false
	for repo, sha := range newest.Shas {
		fresh, err := s.backend.RevParse(ctx, repo, "master")
		if err != nil {
			s.recordError("snapshot", "cold-start revparse", err)
			stale = true
			continue
		}
		if fresh != sha {
			stale = true
			break
		}
	}

	s.mu.Lock()
	s.wasStale = stale
	s.mu.Unlock()
}

func (s *State) npmUpdateActiveRepos(ctx context.Context) {
	repos, err := s.backend.RepoList(ctx, "active-repos")
	if err != nil {
		s.recordError("snapshot", "listing active-repos at startup", err)
		return
	}
	for _, repo := range repos {
		if s.backend.HasPackageJSON(repo) && !s.backend.HasNodeModules(repo) {
			if err := s.backend.NPMUpdate(ctx, repo); err != nil {
				s.recordError("snapshot", "startup npm update for "+repo, err)
			}
		}
	}
}

func (s *State) createRootDirSnapshot(ctx context.Context) {
	snap, err := snapshot.CreateRootDir(ctx, s.backend, s.rootDir, time.Now())
	if err != nil {
		s.recordError("snapshot", "creating useRootDir snapshot", err)
		return
	}
	s.recomputeWeights([]*snapshot.Snapshot{snap})

	s.mu.Lock()
	s.snapshots = []*snapshot.Snapshot{snap}
	s.mu.Unlock()

	metrics.SnapshotsCreatedTotal.Inc()
	metrics.ActiveSnapshots.Set(1)
	s.setStatus("ready")
	s.checkpointNow()
}

// snapshotIteration is one pass of the main (non-useRootDir) SnapshotLoop
// body, §4.3 steps 1-3.
func (s *State) snapshotIteration(ctx context.Context) {
	activeRepos, err := s.backend.RepoList(ctx, "active-repos")
	if err != nil {
		s.recordError("snapshot", "listing active-repos", err)
		return
	}

	var staleRepos []string
	for _, repo := range activeRepos {
		stale, err := s.backend.IsStale(ctx, repo)
		if err != nil {
			s.recordError("snapshot", "checking staleness of "+repo, err)
			continue
		}
		if stale {
			staleRepos = append(staleRepos, repo)
		}
	}

	if len(staleRepos) > 0 {
		s.mu.Lock()
		s.wasStale = true
		s.mu.Unlock()

		for _, repo := range staleRepos {
			if err := s.backend.Pull(ctx, repo); err != nil {
				s.recordError("snapshot", "pulling "+repo, err)
			}
		}

		clonedRepos, err := s.backend.CloneMissingRepos(ctx)
		if err != nil {
			s.recordError("snapshot", "cloning missing repos", err)
		}

		for _, repo := range append(append([]string(nil), staleRepos...), clonedRepos...) {
			if s.backend.HasPackageJSON(repo) {
				if err := s.backend.NPMUpdate(ctx, repo); err != nil {
					s.recordError("snapshot", "npm update for "+repo, err)
				}
			}
		}

		if err := s.backend.OutputJSAll(ctx); err != nil {
			s.recordError("snapshot", "transpiling", err)
		}
		return
	}

	s.mu.Lock()
	wasStale := s.wasStale
	completedAllTests := len(s.snapshots) == 0
	if !completedAllTests {
		completedAllTests = true
		for _, test := range s.snapshots[0].Tests() {
			if test.Type.IsBrowser() && test.Count == 0 {
				completedAllTests = false
				break
			}
		}
	}
	s.mu.Unlock()

	if !wasStale {
		return
	}

	if localHour() < 5 && !completedAllTests {
		s.log.Info("deferring snapshot creation until test coverage catches up")
		return
	}

	s.mu.Lock()
	s.wasStale = false
	s.mu.Unlock()

	s.createSnapshot(ctx)
}

// createSnapshot implements the remainder of §4.3's wasStale==true branch:
// construct, prepend, evict, checkpoint, and schedule retirement.
//
// pendingSnapshot is populated with the target directory before
// snapshot.Create runs and cleared only once the result is appended to
// s.snapshots (or, on failure, once the partial directory has been handed
// off to trashSnapshots for reclamation) — §4.9/S6's "from construction to
// successful insertion" window. Create's repo-directory copy can run for
// several seconds, and AutosaveLoop (weights_loop.go) checkpoints every few
// minutes concurrently, so the stub must exist for the whole window or a
// crash mid-copy leaks the directory past next boot.
func (s *State) createSnapshot(ctx context.Context) {
	start := time.Now()

	pendingDir := snapshot.PendingDirectory(s.rootDir, start.UnixMilli())
	pending := snapshot.FromStub(snapshot.Stub{
		RootDir:   s.rootDir,
		Directory: pendingDir,
	})
	s.mu.Lock()
	s.pendingSnapshot = pending
	s.mu.Unlock()
	logger.SnapshotTransition(s.log, pending.Name(), "BUILDING", pendingDir)
	s.checkpointNow()

	newSnap, err := snapshot.Create(ctx, s.backend, s.rootDir, start)
	if err != nil {
		s.recordError("snapshot", "creating snapshot", err)
		s.retirePendingSnapshot(ctx)
		return
	}
	metrics.SnapshotCreateDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotsCreatedTotal.Inc()
	logger.SnapshotTransition(s.log, newSnap.Name(), "ACTIVE", newSnap.Directory)

	s.mu.Lock()
	s.snapshots = append([]*snapshot.Snapshot{newSnap}, s.snapshots...)
	s.pendingSnapshot = nil

	now := time.Now()
	for len(s.snapshots) > 0 {
		n := len(s.snapshots)
		oldest := s.snapshots[n-1]
		overCap := n > s.maxSnapshots
		tooOldAndGone := oldest.Timestamp() < now.Add(-s.maxAge).UnixMilli() && !oldest.Exists()
		if !overCap && !tooOldAndGone {
			break
		}
		s.snapshots = s.snapshots[:n-1]
	}
	snapshots := append([]*snapshot.Snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	s.recomputeWeights(snapshots)
	metrics.ActiveSnapshots.Set(float64(len(snapshots)))
	s.checkpointNow()

	s.setStatus("Removing old snapshot files")
	s.retireBeyondIndex(ctx, 2)
}

// retireBeyondIndex moves every still-existing, not-yet-trashed snapshot
// beyond index idx into trashSnapshots and fire-and-forget deletes it.
func (s *State) retireBeyondIndex(ctx context.Context, idx int) {
	s.mu.Lock()
	var toRetire []*snapshot.Snapshot
	if len(s.snapshots) > idx {
		for _, snap := range s.snapshots[idx:] {
			if !snap.Exists() {
				continue
			}
			alreadyTrashed := false
			for _, trashed := range s.trashSnapshots {
				if trashed == snap {
					alreadyTrashed = true
					break
				}
			}
			if !alreadyTrashed {
				toRetire = append(toRetire, snap)
			}
		}
		if len(toRetire) > 0 {
			s.trashSnapshots = append(s.trashSnapshots, toRetire...)
			metrics.SnapshotsRetiredTotal.Add(float64(len(toRetire)))
			metrics.TrashSnapshots.Set(float64(len(s.trashSnapshots)))
		}
	}
	s.mu.Unlock()

	for _, snap := range toRetire {
		logger.SnapshotTransition(s.log, snap.Name(), "RETIRING", snap.Directory)
		go s.deleteTrashSnapshot(ctx, snap)
	}
}

// retirePendingSnapshot moves a failed in-progress snapshot's directory into
// trashSnapshots and fire-and-forget deletes it, mirroring how
// checkpoint.Restore reclaims a pendingSnapshot left behind by a crash
// (checkpoint.go) — a Create error partway through leaves the same kind of
// orphaned directory, just without a restart in between.
func (s *State) retirePendingSnapshot(ctx context.Context) {
	s.mu.Lock()
	pending := s.pendingSnapshot
	s.pendingSnapshot = nil
	if pending != nil {
		s.trashSnapshots = append(s.trashSnapshots, pending)
		metrics.TrashSnapshots.Set(float64(len(s.trashSnapshots)))
	}
	s.mu.Unlock()

	if pending != nil {
		logger.SnapshotTransition(s.log, pending.Name(), "RETIRING", pending.Directory)
		go s.deleteTrashSnapshot(ctx, pending)
	}
}

// localHour is the coordinator host's current hour-of-day, used to defer
// snapshot creation during the overnight quiet window.
func localHour() int {
	return time.Now().Hour()
}
