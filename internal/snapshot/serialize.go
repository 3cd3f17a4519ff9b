package snapshot

import "github.com/aqua-ct/server/internal/testmodel"

// Serialized is the full on-disk shape of an ACTIVE snapshot, written by the
// checkpoint writer and read back on boot.
type Serialized struct {
	RootDir     string                 `json:"rootDir"`
	UseRootDir  bool                   `json:"useRootDir"`
	Timestamp   int64                  `json:"timestamp"`
	Constructed bool                   `json:"constructed"`
	Name        string                 `json:"name"`
	Exists      bool                   `json:"exists"`
	Directory   string                 `json:"directory"`
	Repos       []string               `json:"repos"`
	Shas        map[string]string      `json:"shas"`
	Tests       []testmodel.Serialized `json:"tests"`
}

// Stub is the minimal shape persisted for pendingSnapshot and each
// trashSnapshot entry — enough to reclaim a directory on crash recovery.
type Stub struct {
	RootDir     string `json:"rootDir"`
	Constructed bool   `json:"constructed"`
	Directory   string `json:"directory"`
	UseRootDir  bool   `json:"useRootDir"`
}

// ToSerialized captures every field the checkpoint persists for an ACTIVE
// snapshot.
func (s *Snapshot) ToSerialized() Serialized {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tests := make([]testmodel.Serialized, len(s.tests))
	for i, test := range s.tests {
		tests[i] = test.ToSerialized()
	}

	shas := make(map[string]string, len(s.Shas))
	for k, v := range s.Shas {
		shas[k] = v
	}

	return Serialized{
		RootDir:     s.RootDir,
		UseRootDir:  s.UseRootDirV,
		Timestamp:   s.TimestampV,
		Constructed: s.Constructed,
		Name:        s.NameV,
		Exists:      s.ExistsV,
		Directory:   s.Directory,
		Repos:       append([]string(nil), s.Repos...),
		Shas:        shas,
		Tests:       tests,
	}
}

// ToStub captures the minimal directory-reclamation fields, used when a
// snapshot transitions into pendingSnapshot or trashSnapshots.
func (s *Snapshot) ToStub() Stub {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stub{
		RootDir:     s.RootDir,
		Constructed: s.Constructed,
		Directory:   s.Directory,
		UseRootDir:  s.UseRootDirV,
	}
}

// FromSerialized reconstructs a Snapshot from a checkpoint record, rebuilding
// testMap and each Test's back-pointer.
func FromSerialized(data Serialized) *Snapshot {
	s := &Snapshot{
		RootDir:     data.RootDir,
		UseRootDirV: data.UseRootDir,
		TimestampV:  data.Timestamp,
		Constructed: data.Constructed,
		NameV:       data.Name,
		ExistsV:     data.Exists,
		Directory:   data.Directory,
		Repos:       data.Repos,
		Shas:        data.Shas,
		testMap:     make(map[string]*testmodel.Test, len(data.Tests)),
	}
	if s.Shas == nil {
		s.Shas = make(map[string]string)
	}

	for _, serializedTest := range data.Tests {
		test := testmodel.FromSerialized(serializedTest, s)
		s.tests = append(s.tests, test)
		s.testMap[test.NameString()] = test
	}
	return s
}

// FromStub reconstructs a directory-reclamation-only Snapshot for a
// pendingSnapshot or trashSnapshot entry restored on boot.
func FromStub(stub Stub) *Snapshot {
	return &Snapshot{
		RootDir:     stub.RootDir,
		UseRootDirV: stub.UseRootDir,
		Constructed: stub.Constructed,
		Directory:   stub.Directory,
		ExistsV:     true,
		testMap:     make(map[string]*testmodel.Test),
	}
}
