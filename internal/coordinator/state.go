// Package coordinator owns the process-wide in-memory state described in
// spec §3 (Coordinator state) and runs the five cooperative loops that
// mutate it: SnapshotLoop, LocalLoop, WeightsLoop, AutosaveLoop, and
// ReportLoop. A single mutex guards every read-modify-write, matching the
// single-logical-execution-context model the loops assume.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/aqua-ct/server/internal/checkpoint"
	"github.com/aqua-ct/server/internal/config"
	"github.com/aqua-ct/server/internal/logger"
	"github.com/aqua-ct/server/internal/metrics"
	"github.com/aqua-ct/server/internal/snapshot"
	"github.com/aqua-ct/server/internal/vcs"
)

// State is the coordinator's shared, mutex-guarded state.
type State struct {
	mu sync.Mutex

	rootDir      string
	useRootDir   bool
	maxSnapshots int
	maxAge       time.Duration
	checkpointPath string

	backend vcs.RepoBackend
	log     logger.Logger

	snapshots       []*snapshot.Snapshot
	pendingSnapshot *snapshot.Snapshot
	trashSnapshots  []*snapshot.Snapshot

	reportJSON       string
	status           string
	lastErrorString  string
	startupTimestamp int64

	wasStale bool

	reportListener func(string)
}

// SetReportListener registers a callback invoked with the freshly built
// report JSON after every ReportLoop tick, used to feed the websocket
// broadcaster without coupling this package to httpapi.
func (s *State) SetReportListener(fn func(string)) {
	s.mu.Lock()
	s.reportListener = fn
	s.mu.Unlock()
}

// New constructs a State, restoring any prior checkpoint before the caller
// launches the loops.
func New(cfg *config.Config, backend vcs.RepoBackend, log logger.Logger) (*State, error) {
	s := &State{
		rootDir:        cfg.Coord.RootDir,
		useRootDir:     cfg.Coord.UseRootDir,
		maxSnapshots:   cfg.Coord.MaxSnapshots,
		maxAge:         cfg.Coord.MaxSnapshotAge,
		checkpointPath: cfg.Coord.CheckpointPath,
		backend:        backend,
		log:            log,
		status:         "starting",
		startupTimestamp: time.Now().UnixMilli(),
		wasStale:       true,
	}

	loaded, err := checkpoint.Load(cfg.Coord.CheckpointPath)
	if err != nil {
		return nil, err
	}
	snapshots, trash := checkpoint.Restore(loaded)
	s.snapshots = snapshots
	s.trashSnapshots = trash

	metrics.ActiveSnapshots.Set(float64(len(s.snapshots)))
	metrics.TrashSnapshots.Set(float64(len(s.trashSnapshots)))

	return s, nil
}

// recordError appends prefix to lastErrorString, matching §7's "transient
// subprocess failure" handling: logged, non-fatal, loop continues.
func (s *State) recordError(loop, prefix string, err error) {
	s.log.Warn("loop error", logger.String("loop", loop), logger.Error(err))
	metrics.LoopErrorsTotal.WithLabelValues(loop).Inc()

	s.mu.Lock()
	s.lastErrorString = prefix + ": " + err.Error()
	s.mu.Unlock()
}

// Status returns the §6 /aquaserver/status payload fields.
func (s *State) Status() (status string, startupTimestamp int64, lastErrorString string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.startupTimestamp, s.lastErrorString
}

// ReportJSON returns the last report produced by ReportLoop, verbatim.
func (s *State) ReportJSON() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reportJSON
}

// Snapshots returns a stable snapshot of the snapshots slice for read-only
// use by callers outside the coordinator loops (e.g. the dispatcher).
func (s *State) Snapshots() []*snapshot.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*snapshot.Snapshot(nil), s.snapshots...)
}

func (s *State) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Checkpoint writes the current state to disk immediately, exposed for the
// shutdown path so SIGINT/SIGTERM loses at most the in-flight work, not the
// whole autosave interval (§5, §7).
func (s *State) Checkpoint() {
	s.checkpointNow()
}

// checkpointNow writes the current state to disk, logging but not
// propagating I/O errors per §7.
func (s *State) checkpointNow() {
	s.mu.Lock()
	state := s.buildCheckpointLocked()
	s.mu.Unlock()

	if err := checkpoint.Write(s.checkpointPath, state); err != nil {
		s.log.Warn("checkpoint write failed", logger.Error(err))
		metrics.CheckpointWritesTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.CheckpointWritesTotal.WithLabelValues("success").Inc()
}

func (s *State) buildCheckpointLocked() checkpoint.State {
	state := checkpoint.State{}
	for _, snap := range s.snapshots {
		state.Snapshots = append(state.Snapshots, snap.ToSerialized())
	}
	if s.pendingSnapshot != nil {
		stub := s.pendingSnapshot.ToStub()
		state.PendingSnapshot = &stub
	}
	for _, snap := range s.trashSnapshots {
		state.TrashSnapshots = append(state.TrashSnapshots, snap.ToStub())
	}
	return state
}

// deleteTrashSnapshot removes one retiring snapshot's directory,
// fire-and-forget: the caller never waits on this, and a checkpoint write
// is scheduled on completion per §5.
func (s *State) deleteTrashSnapshot(ctx context.Context, snap *snapshot.Snapshot) {
	name, directory := snap.Name(), snap.Directory
	if err := snap.Remove(); err != nil {
		s.log.Warn("trash snapshot removal failed", logger.String("directory", directory), logger.Error(err))
	} else {
		metrics.SnapshotsRemovedTotal.Inc()
		logger.SnapshotTransition(s.log, name, "REMOVED", directory)
	}

	s.mu.Lock()
	for i, trashed := range s.trashSnapshots {
		if trashed == snap {
			s.trashSnapshots = append(s.trashSnapshots[:i], s.trashSnapshots[i+1:]...)
			break
		}
	}
	metrics.TrashSnapshots.Set(float64(len(s.trashSnapshots)))
	s.mu.Unlock()

	s.checkpointNow()
}

// sleepCtx is interruptible by ctx cancellation, used between loop iterations.
func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
