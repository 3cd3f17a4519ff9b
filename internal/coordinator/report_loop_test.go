package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aqua-ct/server/internal/snapshot"
	"github.com/aqua-ct/server/internal/testmodel"
)

func TestBuildReport_ShapeAndWeights(t *testing.T) {
	backend := backendWithLocalTests(t, []map[string]interface{}{
		{"test": []string{"alpha", "A"}, "type": "sim-test", "url": "alpha/a.html"},
	})
	s := newTestState(t, backend)
	s.createRootDirSnapshot(context.Background())

	snap := s.Snapshots()[0]
	test := snap.FindTest([]string{"alpha", "A"})
	test.AppendResult(testmodel.NewResult(true, 100, ""))
	test.AppendResult(testmodel.NewResult(false, 200, "boom"))
	test.SetWeight(3.14159)

	s.buildReport(context.Background())

	var rep report
	if err := json.Unmarshal([]byte(s.ReportJSON()), &rep); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}

	if len(rep.Snapshots) != 1 {
		t.Fatalf("len(Snapshots) = %d, want 1", len(rep.Snapshots))
	}
	if len(rep.TestNames) != len(rep.Snapshots[0].Tests) {
		t.Fatalf("TestNames/Tests length mismatch")
	}

	idx := -1
	for i, names := range rep.TestNames {
		if len(names) == 2 && names[0] == "alpha" && names[1] == "A" {
			idx = i
		}
	}
	if idx < 0 {
		t.Fatal("expected alpha.A in testNames")
	}

	entry := rep.Snapshots[0].Tests[idx]
	if entry.Y != 1 || entry.N != 1 {
		t.Errorf("entry = %+v, want Y=1 N=1", entry)
	}
	if len(entry.Messages) != 1 || entry.Messages[0] != "boom" {
		t.Errorf("messages = %v, want [boom]", entry.Messages)
	}

	if got := rep.TestAverageTimes[idx]; got != 150 {
		t.Errorf("averageTime = %v, want 150", got)
	}
	if got := rep.TestWeights[idx]; got != 3.15 {
		t.Errorf("weight = %v, want 3.15 (ceil to two decimals)", got)
	}
}

func TestBuildReport_MissingIncarnationMarshalsEmptyObject(t *testing.T) {
	// Build two snapshots with disjoint test sets so the older one has no
	// incarnation of the newer one's test, exercising the {} shape.
	oldBackend := backendWithLocalTests(t, []map[string]interface{}{
		{"test": []string{"alpha", "old-only"}, "type": "sim-test", "url": "alpha/old.html"},
	})
	oldSnap, err := snapshot.CreateRootDir(context.Background(), oldBackend, "/old", time.UnixMilli(1000))
	if err != nil {
		t.Fatalf("CreateRootDir: %v", err)
	}

	newBackend := backendWithLocalTests(t, []map[string]interface{}{
		{"test": []string{"alpha", "new-only"}, "type": "sim-test", "url": "alpha/new.html"},
	})
	newSnap, err := snapshot.CreateRootDir(context.Background(), newBackend, "/new", time.UnixMilli(2000))
	if err != nil {
		t.Fatalf("CreateRootDir: %v", err)
	}

	s := newTestState(t, newBackend)
	s.mu.Lock()
	s.snapshots = []*snapshot.Snapshot{newSnap, oldSnap}
	s.mu.Unlock()

	s.buildReport(context.Background())

	var rep report
	if err := json.Unmarshal([]byte(s.ReportJSON()), &rep); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}

	idx := -1
	for i, names := range rep.TestNames {
		if len(names) == 2 && names[0] == "alpha" && names[1] == "new-only" {
			idx = i
		}
	}
	if idx < 0 {
		t.Fatal("expected alpha.new-only in testNames")
	}

	var rawRep struct {
		Snapshots []struct {
			Tests []json.RawMessage `json:"tests"`
		} `json:"snapshots"`
	}
	if err := json.Unmarshal([]byte(s.ReportJSON()), &rawRep); err != nil {
		t.Fatalf("unmarshal raw report: %v", err)
	}
	raw := rawRep.Snapshots[1].Tests[idx]
	if string(raw) != "{}" {
		t.Errorf("old snapshot's entry for the new-only test = %s, want {}", raw)
	}
}

func TestBuildReport_ListenerInvoked(t *testing.T) {
	backend := backendWithLocalTests(t, []map[string]interface{}{
		{"test": []string{"alpha", "A"}, "type": "sim-test", "url": "alpha/a.html"},
	})
	s := newTestState(t, backend)
	s.createRootDirSnapshot(context.Background())

	var got string
	s.SetReportListener(func(report string) { got = report })
	s.buildReport(context.Background())

	if got == "" {
		t.Error("expected listener to be invoked with the report JSON")
	}
	if got != s.ReportJSON() {
		t.Error("listener payload should match ReportJSON()")
	}
}
