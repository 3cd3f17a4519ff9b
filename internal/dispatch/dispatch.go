// Package dispatch selects the next Test to hand to a local worker loop or a
// polling browser client, restricted to the two newest snapshots and
// weighted by each Test's current priority.
package dispatch

import (
	"math/rand"

	"github.com/aqua-ct/server/internal/snapshot"
	"github.com/aqua-ct/server/internal/testmodel"
)

// recentSnapshots returns at most the two newest snapshots, snapshots[0]
// assumed newest.
func recentSnapshots(snapshots []*snapshot.Snapshot) []*snapshot.Snapshot {
	if len(snapshots) > 2 {
		return snapshots[:2]
	}
	return snapshots
}

// buildSucceeded reports whether snap has a build-type test for repo with
// success == true.
func buildSucceeded(snap *snapshot.Snapshot, repo string) bool {
	for _, test := range snap.Tests() {
		if test.Type == testmodel.TypeBuild && test.Repo == repo && test.Success {
			return true
		}
	}
	return false
}

// IsBrowserAvailable reports whether test may be dispatched to a browser
// client under the es5Only constraint.
func IsBrowserAvailable(test *testmodel.Test, snap *snapshot.Snapshot, es5Only bool) bool {
	if !test.Type.IsBrowser() {
		return false
	}
	if es5Only && !test.ES5 {
		return false
	}
	for _, repo := range test.BuildDependencies {
		if !buildSucceeded(snap, repo) {
			return false
		}
	}
	return true
}

// IsLocalAvailable reports whether test may be dispatched to a LocalLoop
// iteration.
func IsLocalAvailable(test *testmodel.Test) bool {
	return test.Type.IsLocal() && !test.Complete
}

// AvailableBrowserTests collects the union of browser-dispatchable tests
// from the two newest snapshots.
func AvailableBrowserTests(snapshots []*snapshot.Snapshot, es5Only bool) []*testmodel.Test {
	var available []*testmodel.Test
	for _, snap := range recentSnapshots(snapshots) {
		for _, test := range snap.Tests() {
			if IsBrowserAvailable(test, snap, es5Only) {
				available = append(available, test)
			}
		}
	}
	return available
}

// AvailableLocalTests collects the union of local-dispatchable tests from
// the two newest snapshots.
func AvailableLocalTests(snapshots []*snapshot.Snapshot) []*testmodel.Test {
	var available []*testmodel.Test
	for _, snap := range recentSnapshots(snapshots) {
		for _, test := range snap.Tests() {
			if IsLocalAvailable(test) {
				available = append(available, test)
			}
		}
	}
	return available
}

// DeliverBrowserTest implements §4.2's deliverBrowserTest: among the
// browser-available tests (with the es5Only filter already applied), restrict
// to the minimum count and weighted-sample one. Returns nil when no
// candidate exists.
func DeliverBrowserTest(snapshots []*snapshot.Snapshot, es5Only bool) *testmodel.Test {
	candidates := AvailableBrowserTests(snapshots, es5Only)
	if len(candidates) == 0 {
		return nil
	}

	min := candidates[0].Count
	for _, test := range candidates[1:] {
		if test.Count < min {
			min = test.Count
		}
	}

	var restricted []*testmodel.Test
	for _, test := range candidates {
		if test.Count == min {
			restricted = append(restricted, test)
		}
	}

	return WeightedSample(restricted)
}

// WeightedSample draws one test with probability proportional to its
// weight. If every weight is zero, the last test is returned. Returns nil
// for an empty input.
func WeightedSample(tests []*testmodel.Test) *testmodel.Test {
	if len(tests) == 0 {
		return nil
	}

	var total float64
	for _, test := range tests {
		if test.Weight > 0 {
			total += test.Weight
		}
	}
	if total <= 0 {
		return tests[len(tests)-1]
	}

	u := rand.Float64() * total
	var cumulative float64
	for _, test := range tests {
		w := test.Weight
		if w < 0 {
			w = 0
		}
		cumulative += w
		if u < cumulative {
			return test
		}
	}
	return tests[len(tests)-1]
}
