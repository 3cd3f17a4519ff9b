package coordinator

import (
	"context"
	"testing"
)

func TestDeliverBrowserTest_PopulatesURLPrefixAndIncrementsCount(t *testing.T) {
	backend := backendWithLocalTests(t, []map[string]interface{}{
		{"test": []string{"alpha", "A"}, "type": "sim-test", "url": "alpha/a.html"},
	})
	s := newTestState(t, backend)
	s.createRootDirSnapshot(context.Background())

	delivered := s.DeliverBrowserTest(false)
	if delivered == nil {
		t.Fatal("expected a delivered test")
	}
	if delivered.URLPrefix != "sim" {
		t.Errorf("URLPrefix = %q, want sim", delivered.URLPrefix)
	}
	if delivered.SnapshotName == "" {
		t.Error("expected non-empty SnapshotName")
	}
	if !delivered.UseRootDir {
		t.Error("expected UseRootDir = true")
	}

	test := s.Snapshots()[0].FindTest([]string{"alpha", "A"})
	if test.Count != 1 {
		t.Errorf("Count = %d, want 1", test.Count)
	}
}

func TestDeliverBrowserTest_NoCandidateReturnsNil(t *testing.T) {
	s := newTestState(t, backendWithLocalTests(t, nil))
	s.createRootDirSnapshot(context.Background())

	if got := s.DeliverBrowserTest(false); got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestRecordResult_AppliesToMatchingTest(t *testing.T) {
	backend := backendWithLocalTests(t, []map[string]interface{}{
		{"test": []string{"alpha", "A"}, "type": "sim-test", "url": "alpha/a.html"},
	})
	s := newTestState(t, backend)
	s.createRootDirSnapshot(context.Background())

	snapName := s.Snapshots()[0].Name()
	s.RecordResult(ReportedResult{
		SnapshotName: snapName,
		Test:         []string{"alpha", "A"},
		Passed:       false,
		Message:      "oh no",
		ID:           "client-1",
		Timestamp:    1000,
	}, 1500)

	test := s.Snapshots()[0].FindTest([]string{"alpha", "A"})
	if len(test.Results) != 1 {
		t.Fatalf("len(Results) = %d, want 1", len(test.Results))
	}
	result := test.Results[0]
	if result.Passed {
		t.Error("expected a failing result")
	}
	if result.Milliseconds != 500 {
		t.Errorf("Milliseconds = %d, want 500", result.Milliseconds)
	}
	want := "oh no\nid: client-1"
	if result.Message == nil || *result.Message != want {
		t.Errorf("Message = %v, want %q", result.Message, want)
	}

	// Count must never be bumped by a result submission: only dispatch does.
	if test.Count != 0 {
		t.Errorf("Count = %d, want 0 (result submission must not increment it)", test.Count)
	}
}

func TestRecordResult_DiscardsTimeoutErrorsPage(t *testing.T) {
	backend := backendWithLocalTests(t, []map[string]interface{}{
		{"test": []string{"alpha", "A"}, "type": "sim-test", "url": "alpha/a.html"},
	})
	s := newTestState(t, backend)
	s.createRootDirSnapshot(context.Background())

	snapName := s.Snapshots()[0].Name()
	s.RecordResult(ReportedResult{
		SnapshotName: snapName,
		Test:         []string{"alpha", "A"},
		Passed:       false,
		Message:      "see errors.html#timeout for details",
	}, 1000)

	test := s.Snapshots()[0].FindTest([]string{"alpha", "A"})
	if len(test.Results) != 0 {
		t.Errorf("expected the timeout result to be discarded, got %+v", test.Results)
	}
}

func TestRecordResult_UnknownSnapshotIsANoop(t *testing.T) {
	backend := backendWithLocalTests(t, []map[string]interface{}{
		{"test": []string{"alpha", "A"}, "type": "sim-test", "url": "alpha/a.html"},
	})
	s := newTestState(t, backend)
	s.createRootDirSnapshot(context.Background())

	s.RecordResult(ReportedResult{
		SnapshotName: "does-not-exist",
		Test:         []string{"alpha", "A"},
		Passed:       true,
	}, 1000)

	test := s.Snapshots()[0].FindTest([]string{"alpha", "A"})
	if len(test.Results) != 0 {
		t.Errorf("expected no result recorded for an unknown snapshot, got %+v", test.Results)
	}
}
