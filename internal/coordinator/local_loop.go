package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aqua-ct/server/internal/dispatch"
	"github.com/aqua-ct/server/internal/logger"
	"github.com/aqua-ct/server/internal/metrics"
	"github.com/aqua-ct/server/internal/testmodel"
)

// RunLocalLoop consumes lint/build work items forever, per §4.5.
func (s *State) RunLocalLoop(ctx context.Context, idleSleep time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		if !s.localIteration(ctx) {
			sleepCtx(ctx, idleSleep)
			continue
		}
		metrics.LoopIterationsTotal.WithLabelValues("local").Inc()
		logger.LoopIteration(s.log, "local", time.Since(start))
	}
}

// localIteration performs one LocalLoop pass. It returns false when there
// was nothing to do (caller should sleep before retrying).
func (s *State) localIteration(ctx context.Context) bool {
	snapshots := s.Snapshots()
	if len(snapshots) == 0 {
		return false
	}

	candidates := dispatch.AvailableLocalTests(snapshots)
	if len(candidates) == 0 {
		return false
	}

	test := dispatch.WeightedSample(candidates)
	if test == nil {
		return false
	}

	// Set exactly here, before the subprocess runs: guarantees at-most-once
	// execution regardless of what the subprocess does (§8 property 2).
	test.MarkComplete()

	start := time.Now()
	s.runLocalTest(ctx, test, start)
	return true
}

// runLocalTest dispatches a single local Test by type, per §4.5.
func (s *State) runLocalTest(ctx context.Context, test *testmodel.Test, start time.Time) {
	directory := ""
	if test.Snapshot != nil {
		directory = s.snapshotDirectory(test.Snapshot)
	}

	var (
		result vcsExecResult
		err    error
	)

	switch test.Type {
	case testmodel.TypeLint:
		result, err = s.execute(ctx, "grunt", []string{"lint"}, joinPath(directory, test.Repo))
	case testmodel.TypeLintEverything:
		result, err = s.execute(ctx, "grunt", []string{"lint-everything", "--hide-progress-bar"}, joinPath(directory, "perennial"))
	case testmodel.TypeBuild:
		args := []string{fmt.Sprintf("--brands=%s", strings.Join(test.Brands, ",")), "--lint=false"}
		result, err = s.execute(ctx, "grunt", args, joinPath(directory, test.Repo))
	default:
		s.recordError("local", "unrecognized local test type", fmt.Errorf("%s", test.NameString()))
		return
	}

	elapsed := int(time.Since(start).Milliseconds())
	metrics.LocalTestDuration.WithLabelValues(string(test.Type)).Observe(time.Since(start).Seconds())
	metrics.DispatchesTotal.WithLabelValues(string(test.Type)).Inc()

	if err != nil {
		message := fmt.Sprintf("%s failed with status code %d:\n%s\n%s", test.Type, result.Code, result.Stdout, result.Stderr)
		test.AppendResult(testmodel.NewResult(false, elapsed, strings.TrimSpace(message)))
		metrics.TestResultsTotal.WithLabelValues("false").Inc()
		s.log.Warn("local test failed",
			logger.String("test", test.NameString()),
			logger.String("type", string(test.Type)),
			logger.Int("code", result.Code),
		)
		return
	}

	if test.Type == testmodel.TypeBuild {
		test.SetSuccess(true)
	}
	test.AppendResult(testmodel.NewResult(true, elapsed, result.Stdout))
	metrics.TestResultsTotal.WithLabelValues("true").Inc()
}

type vcsExecResult struct {
	Code   int
	Stdout string
	Stderr string
}

func (s *State) execute(ctx context.Context, command string, args []string, cwd string) (vcsExecResult, error) {
	res, err := s.backend.Execute(ctx, command, args, cwd)
	return vcsExecResult{Code: res.Code, Stdout: res.Stdout, Stderr: res.Stderr}, err
}

// snapshotDirectory resolves a Test's weak SnapshotRef into the directory its
// subprocess must run in. useRootDir snapshots run directly in rootDir.
func (s *State) snapshotDirectory(ref testmodel.SnapshotRef) string {
	if ref.UseRootDir() {
		return s.rootDir
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.snapshots {
		if snap.Name() == ref.Name() {
			return snap.Directory
		}
	}
	return ""
}

func joinPath(directory, repo string) string {
	if directory == "" {
		return repo
	}
	return directory + "/" + repo
}
