package coordinator

import (
	"context"
	"strings"
	"time"

	"github.com/aqua-ct/server/internal/logger"
	"github.com/aqua-ct/server/internal/metrics"
	"github.com/aqua-ct/server/internal/snapshot"
	"github.com/aqua-ct/server/internal/testmodel"
)

// RunWeightsLoop recomputes weights for every Test in the two newest
// snapshots every interval, forever.
func (s *State) RunWeightsLoop(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		s.recomputeWeights(s.twoNewest())
		metrics.LoopIterationsTotal.WithLabelValues("weights").Inc()
		logger.LoopIteration(s.log, "weights", time.Since(start))
		sleepCtx(ctx, interval)
	}
}

// RunAutosaveLoop writes the full checkpoint every interval, forever. This is
// the loop that races createSnapshot's BUILDING window (§4.9/S6): whatever
// pendingSnapshot holds at the instant checkpointNow runs is what a crash
// recovers from on next boot.
func (s *State) RunAutosaveLoop(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		s.checkpointNow()
		metrics.LoopIterationsTotal.WithLabelValues("autosave").Inc()
		logger.LoopIteration(s.log, "autosave", time.Since(start))
		sleepCtx(ctx, interval)
	}
}

func (s *State) twoNewest() []*snapshot.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) > 2 {
		return append([]*snapshot.Snapshot(nil), s.snapshots[:2]...)
	}
	return append([]*snapshot.Snapshot(nil), s.snapshots...)
}

// allSnapshotsLocked returns every snapshot (active and trashed), most-recent
// first, used to assemble a Test's cross-snapshot incarnation history for
// the weight function.
func (s *State) allSnapshotsLocked() []*snapshot.Snapshot {
	all := make([]*snapshot.Snapshot, 0, len(s.snapshots)+len(s.trashSnapshots))
	all = append(all, s.snapshots...)
	all = append(all, s.trashSnapshots...)
	return all
}

// recomputeWeights recomputes test.weight for every Test in the given
// snapshots (normally the two newest), consulting the full snapshot history
// for each test's incarnations.
func (s *State) recomputeWeights(targets []*snapshot.Snapshot) {
	now := time.Now()

	s.mu.Lock()
	history := s.allSnapshotsLocked()
	s.mu.Unlock()

	for _, snap := range targets {
		for _, test := range snap.Tests() {
			incarnations := incarnationsOf(test, history)
			test.SetWeight(testmodel.Weight(test, now, incarnations))
		}
	}
}

// incarnationsOf collects, most-recent-first, every Test across snapshots
// sharing test's NameString.
func incarnationsOf(test *testmodel.Test, snapshots []*snapshot.Snapshot) []*testmodel.Test {
	name := test.NameString()
	var incarnations []*testmodel.Test
	for _, snap := range snapshots {
		if found := snap.FindTest(splitNameString(name)); found != nil {
			incarnations = append(incarnations, found)
		}
	}
	return incarnations
}

func splitNameString(name string) []string {
	var names []string
	current := ""
	for _, r := range name {
		if r == '.' {
			names = append(names, current)
			current = ""
			continue
		}
		current += string(r)
	}
	names = append(names, current)
	return names
}
