package testmodel

import "time"

const (
	twoHoursMillis   int64 = 2 * 3600 * 1000
	twelveHoursMillis int64 = 12 * 3600 * 1000
)

// interp is linear interpolation of x from [lo,hi] into [a,b].
func interp(lo, hi int64, a, b float64, x int64) float64 {
	return a + (b-a)*float64(x-lo)/float64(hi-lo)
}

// ageDecay computes the multiplier a triple (m0, m2, m12) yields for an
// elapsed duration e, piecewise-linear below twelve hours and flat beyond.
func ageDecay(e int64, m0, m2, m12 float64) float64 {
	switch {
	case e < twoHoursMillis:
		return interp(0, twoHoursMillis, m0, m2, e)
	case e < twelveHoursMillis:
		return interp(twoHoursMillis, twelveHoursMillis, m2, m12, e)
	default:
		return m12
	}
}

// Weight computes test's dispatch priority. incarnations is this test's
// history across all known snapshots, ordered most-recent-first and matched
// by NameString — the caller assembles it since only it can see every
// snapshot.
func Weight(test *Test, now time.Time, incarnations []*Test) float64 {
	w := test.Priority
	nowMillis := now.UnixMilli()

	if test.RepoCommitTimestamp > 0 {
		w *= ageDecay(nowMillis-test.RepoCommitTimestamp, 2, 1, 0.5)
	}
	if test.DependenciesCommitTimestamp > 0 {
		w *= ageDecay(nowMillis-test.DependenciesCommitTimestamp, 1.5, 1, 0.75)
	}

	lastTestedIndex := -1
	lastFailedIndex := -1
	for i, incarnation := range incarnations {
		if lastTestedIndex == -1 && len(incarnation.Results) > 0 {
			lastTestedIndex = i
		}
		if lastFailedIndex == -1 && hasFailure(incarnation.Results) {
			lastFailedIndex = i
		}
		if lastTestedIndex != -1 && lastFailedIndex != -1 {
			break
		}
	}

	switch {
	case lastFailedIndex >= 0:
		if lastFailedIndex < 3 {
			w *= 6
		} else {
			w *= 3
		}
	case lastTestedIndex == -1:
		w *= 1.5
	case lastTestedIndex == 0:
		w *= 0.3
	case lastTestedIndex == 1:
		w *= 0.7
	}

	return w
}

func hasFailure(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}
