package coordinator

import (
	"strings"

	"github.com/aqua-ct/server/internal/dispatch"
	"github.com/aqua-ct/server/internal/logger"
	"github.com/aqua-ct/server/internal/metrics"
	"github.com/aqua-ct/server/internal/testmodel"
)

// DeliveredTest is the result of a successful browser dispatch: the test
// plus the identity fields the HTTP handler needs to build a next-test URL
// without reaching back into the Snapshot the test weakly references.
type DeliveredTest struct {
	SnapshotName      string
	SnapshotTimestamp int64
	UseRootDir        bool
	Names             []string
	Type              testmodel.Type
	URLPrefix         string
	URL               string
	QueryParameters   string
	TestQueryParameters string
}

// DeliverBrowserTest implements the /aquaserver/next-test endpoint's
// dispatch, logging and incrementing count atomically per §4.2.
func (s *State) DeliverBrowserTest(es5Only bool) *DeliveredTest {
	snapshots := s.Snapshots()
	test := dispatch.DeliverBrowserTest(snapshots, es5Only)
	if test == nil {
		metrics.DispatchMisses.WithLabelValues("browser").Inc()
		return nil
	}

	test.IncrementCount()
	metrics.DispatchesTotal.WithLabelValues(string(test.Type)).Inc()

	delivered := &DeliveredTest{
		SnapshotName:        test.Snapshot.Name(),
		SnapshotTimestamp:   test.Snapshot.Timestamp(),
		UseRootDir:          test.Snapshot.UseRootDir(),
		Names:               test.Names,
		Type:                test.Type,
		URLPrefix:           test.URLPrefix(),
		URL:                 test.URL,
		QueryParameters:     test.QueryParameters,
		TestQueryParameters: test.TestQueryParameters,
	}

	s.log.Info("[SEND]",
		logger.String("snapshot", delivered.SnapshotName),
		logger.String("test", strings.Join(delivered.Names, ",")),
		logger.String("url", delivered.URL),
	)

	return delivered
}

// ReportedResult is the §6 /aquaserver/test-result payload, decoded by the
// HTTP layer and handed to the coordinator to apply.
type ReportedResult struct {
	SnapshotName string
	Test         []string
	Passed       bool
	Message      string
	ID           string
	Timestamp    int64
}

// RecordResult implements §6's test-result handling and §7's "unknown
// snapshot name, unknown test names, malformed result JSON" error kind: it
// never returns an error to the HTTP layer, since per spec this is "not the
// client's problem." Messages containing "errors.html#timeout" are
// discarded silently.
func (s *State) RecordResult(r ReportedResult, now int64) {
	if strings.Contains(r.Message, "errors.html#timeout") {
		return
	}

	s.mu.Lock()
	var target *testmodel.Test
	for _, snap := range s.snapshots {
		if snap.Name() == r.SnapshotName {
			target = snap.FindTest(r.Test)
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		s.log.Info("could not find snapshot for name", logger.String("snapshot", r.SnapshotName))
		return
	}

	message := r.Message
	if !r.Passed {
		if message != "" {
			message = message + "\nid: " + r.ID
		} else {
			message = "id: " + r.ID
		}
	}

	elapsed := int(now - r.Timestamp)
	target.AppendResult(testmodel.NewResult(r.Passed, elapsed, message))
	metrics.TestResultsTotal.WithLabelValues(boolLabel(r.Passed)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
