package coordinator

import (
	"context"
	"encoding/json"
	"math"
	"runtime"
	"time"

	"github.com/aqua-ct/server/internal/logger"
	"github.com/aqua-ct/server/internal/metrics"
	"github.com/aqua-ct/server/internal/snapshot"
)

// maxReportSnapshots bounds the report to the 100 most recent snapshots,
// per §4.7 step 3.
const maxReportSnapshots = 100

// reportSnapshot is one entry of the report's per-snapshot summary array.
type reportSnapshot struct {
	Timestamp int64             `json:"timestamp"`
	Shas      map[string]string `json:"shas"`
	Tests     []reportTestEntry `json:"tests"`
}

// reportTestEntry is {} for a snapshot with no incarnation of a given test,
// else the pass/fail/message summary.
type reportTestEntry struct {
	have     bool
	Y        int      `json:"y"`
	N        int      `json:"n"`
	Messages []string `json:"m,omitempty"`
}

func (e reportTestEntry) MarshalJSON() ([]byte, error) {
	if !e.have {
		return []byte("{}"), nil
	}
	type alias reportTestEntry
	return json.Marshal(alias(e))
}

// report is the §4.7 reportJSON shape.
type report struct {
	Snapshots      []reportSnapshot `json:"snapshots"`
	TestNames      [][]string       `json:"testNames"`
	TestAverageTimes []float64      `json:"testAverageTimes"`
	TestWeights    []float64        `json:"testWeights"`
}

// RunReportLoop produces the public JSON report forever, per §4.7.
func (s *State) RunReportLoop(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		s.buildReport(ctx)
		metrics.LoopIterationsTotal.WithLabelValues("report").Inc()
		logger.LoopIteration(s.log, "report", time.Since(start))
		sleepCtx(ctx, interval)
	}
}

// buildReport implements §4.7 steps 1-6, yielding cooperatively between
// snapshots so the loop does not starve concurrent HTTP requests.
func (s *State) buildReport(ctx context.Context) {
	allSnapshots := s.Snapshots()
	testNames := snapshot.SortedTestNames(allSnapshots)

	considered := allSnapshots
	if len(considered) > maxReportSnapshots {
		considered = considered[:maxReportSnapshots]
	}

	elapsedTimes := make([]int64, len(testNames))
	numElapsedTimes := make([]int, len(testNames))
	snapshotEntries := make([]reportSnapshot, 0, len(considered))

	for _, snap := range considered {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entry := reportSnapshot{
			Timestamp: snap.Timestamp(),
			Shas:      snap.Shas,
			Tests:     make([]reportTestEntry, len(testNames)),
		}

		for i, names := range testNames {
			test := snap.FindTest(names)
			if test == nil {
				entry.Tests[i] = reportTestEntry{have: false}
				continue
			}

			var y, n int
			seen := make(map[string]struct{})
			var messages []string
			for _, result := range test.Results {
				if result.Passed {
					y++
				} else {
					n++
				}
				if result.Milliseconds != 0 {
					elapsedTimes[i] += int64(result.Milliseconds)
					numElapsedTimes[i]++
				}
				if !result.Passed && result.Message != nil && *result.Message != "" {
					if _, ok := seen[*result.Message]; !ok {
						seen[*result.Message] = struct{}{}
						messages = append(messages, *result.Message)
					}
				}
			}
			entry.Tests[i] = reportTestEntry{have: true, Y: y, N: n, Messages: messages}
		}

		snapshotEntries = append(snapshotEntries, entry)
		runtime.Gosched()
	}

	testAverageTimes := make([]float64, len(testNames))
	for i := range testNames {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if elapsedTimes[i] == 0 {
			testAverageTimes[i] = 0
		} else {
			testAverageTimes[i] = float64(elapsedTimes[i]) / float64(numElapsedTimes[i])
		}
	}

	testWeights := make([]float64, len(testNames))
	if len(allSnapshots) > 0 {
		newest := allSnapshots[0]
		for i, names := range testNames {
			if test := newest.FindTest(names); test != nil {
				testWeights[i] = math.Ceil(test.Weight*100) / 100
			}
		}
	}

	rep := report{
		Snapshots:        snapshotEntries,
		TestNames:        testNames,
		TestAverageTimes: testAverageTimes,
		TestWeights:      testWeights,
	}

	data, err := json.Marshal(rep)
	if err != nil {
		s.recordError("report", "marshaling report", err)
		return
	}

	s.mu.Lock()
	s.reportJSON = string(data)
	listener := s.reportListener
	s.mu.Unlock()

	if listener != nil {
		listener(string(data))
	}
}
