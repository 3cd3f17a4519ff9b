// Package checkpoint persists and restores the coordinator's durable state:
// the full in-memory snapshots, the in-progress pendingSnapshot stub (if
// any), and the trashSnapshots awaiting directory removal.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aqua-ct/server/internal/snapshot"
)

// State is the on-disk checkpoint shape.
type State struct {
	Snapshots       []snapshot.Serialized `json:"snapshots"`
	PendingSnapshot *snapshot.Stub        `json:"pendingSnapshot"`
	TrashSnapshots  []snapshot.Stub       `json:"trashSnapshots"`
}

// Write serializes state to path via a temp-file-then-rename so a crash
// mid-write never corrupts the previous checkpoint.
func Write(path string, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("creating checkpoint temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing checkpoint temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing checkpoint temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming checkpoint into place: %w", err)
	}
	return nil
}

// Load reads and parses the checkpoint at path. A missing file is not an
// error — it returns a zero State, the cold-boot case.
func Load(path string) (State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("reading checkpoint: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parsing checkpoint: %w", err)
	}
	return state, nil
}

// Restore rebuilds in-memory Snapshots from a loaded State: the full
// snapshots list, plus — per the crash-safety rules of §4.9/S6 — a trash
// stub for any in-progress pendingSnapshot, merged with the already-
// persisted trashSnapshots.
func Restore(state State) (snapshots []*snapshot.Snapshot, trash []*snapshot.Snapshot) {
	for _, serialized := range state.Snapshots {
		snapshots = append(snapshots, snapshot.FromSerialized(serialized))
	}

	for _, stub := range state.TrashSnapshots {
		trash = append(trash, snapshot.FromStub(stub))
	}

	if state.PendingSnapshot != nil {
		// A crash during BUILDING: the partial directory becomes a trash
		// stub on next boot instead of silently leaking disk space.
		trash = append(trash, snapshot.FromStub(*state.PendingSnapshot))
	}

	return snapshots, trash
}
