// Package testmodel defines the executable unit dispatched by the
// coordinator (Test), its immutable outcomes (TestResult), and the pure
// weight computation used to prioritize dispatch.
package testmodel

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Type is the closed set of test variants. lint/lint-everything/build run
// as local subprocesses; sim-test/qunit-test/pageload-test/wrapper-test are
// polled by browser clients; internal is a synthetic sentinel used to
// surface coordinator errors as a failing test.
type Type string

const (
	TypeLint           Type = "lint"
	TypeLintEverything Type = "lint-everything"
	TypeBuild          Type = "build"
	TypeSim            Type = "sim-test"
	TypeQunit          Type = "qunit-test"
	TypePageload       Type = "pageload-test"
	TypeWrapper        Type = "wrapper-test"
	TypeInternal       Type = "internal"
)

// IsLocal reports whether this type executes as a coordinator-host subprocess.
func (t Type) IsLocal() bool {
	switch t {
	case TypeLint, TypeLintEverything, TypeBuild:
		return true
	default:
		return false
	}
}

// IsBrowser reports whether this type is polled by a browser client.
func (t Type) IsBrowser() bool {
	switch t {
	case TypeSim, TypeQunit, TypePageload, TypeWrapper:
		return true
	default:
		return false
	}
}

// urlPrefix is the HTML page type used to build /aquaserver/next-test URLs.
func (t Type) urlPrefix() string {
	switch t {
	case TypeSim:
		return "sim"
	case TypeQunit:
		return "qunit"
	case TypePageload:
		return "pageload"
	case TypeWrapper:
		return "wrapper"
	default:
		return ""
	}
}

// SnapshotRef is the weak back-reference a Test holds to its owning
// Snapshot: only the immutable identity fields a Test needs to read, never
// serialized directly (the deserializer restores it).
type SnapshotRef interface {
	Name() string
	Timestamp() int64
	UseRootDir() bool
}

// Description is the wire shape produced by the external listContinuousTests
// command (and by checkpoint deserialization of a persisted Test).
type Description struct {
	Test                []string `json:"test"`
	Type                Type     `json:"type"`
	Repo                string   `json:"repo,omitempty"`
	Brands              []string `json:"brands,omitempty"`
	URL                 string   `json:"url,omitempty"`
	QueryParameters     string   `json:"queryParameters,omitempty"`
	TestQueryParameters string   `json:"testQueryParameters,omitempty"`
	ES5                 bool     `json:"es5,omitempty"`
	BuildDependencies   []string `json:"buildDependencies,omitempty"`
	Priority            float64  `json:"priority,omitempty"`
}

// Test is one executable unit belonging to exactly one Snapshot.
type Test struct {
	mu sync.Mutex

	Names                       []string
	Type                        Type
	Repo                        string
	Brands                      []string
	URL                         string
	QueryParameters             string
	TestQueryParameters         string
	ES5                         bool
	BuildDependencies           []string
	Priority                    float64
	RepoCommitTimestamp         int64
	DependenciesCommitTimestamp int64

	Results  []Result
	Weight   float64
	Count    int
	Complete bool
	Success  bool

	Snapshot SnapshotRef
}

// New validates a Description against the tagged-variant constraints of §3
// and constructs a Test bound to snapshot.
func New(desc Description, repoCommitTimestamp, dependenciesCommitTimestamp int64, snapshot SnapshotRef) (*Test, error) {
	if len(desc.Test) == 0 {
		return nil, fmt.Errorf("test description missing names")
	}

	switch desc.Type {
	case TypeLint, TypeBuild:
		if desc.Repo == "" {
			return nil, fmt.Errorf("test %s: repo is required for type %s", nameString(desc.Test), desc.Type)
		}
	case TypeLintEverything, TypeInternal:
		// no required fields beyond names/type
	case TypeSim, TypeQunit, TypePageload, TypeWrapper:
		if desc.URL == "" {
			return nil, fmt.Errorf("test %s: url is required for type %s", nameString(desc.Test), desc.Type)
		}
	default:
		return nil, fmt.Errorf("test %s: unrecognized type %q", nameString(desc.Test), desc.Type)
	}

	if desc.Type == TypeBuild && len(desc.Brands) == 0 {
		return nil, fmt.Errorf("test %s: brands is required for type build", nameString(desc.Test))
	}

	priority := desc.Priority
	if priority == 0 {
		priority = 1
	}

	return &Test{
		Names:                       desc.Test,
		Type:                        desc.Type,
		Repo:                        desc.Repo,
		Brands:                      desc.Brands,
		URL:                         desc.URL,
		QueryParameters:             desc.QueryParameters,
		TestQueryParameters:         desc.TestQueryParameters,
		ES5:                         desc.ES5,
		BuildDependencies:           desc.BuildDependencies,
		Priority:                    priority,
		RepoCommitTimestamp:         repoCommitTimestamp,
		DependenciesCommitTimestamp: dependenciesCommitTimestamp,
		Snapshot:                    snapshot,
	}, nil
}

// NewInternal constructs the synthetic internal sentinel test.
func NewInternal(names []string, snapshot SnapshotRef) *Test {
	return &Test{
		Names:    names,
		Type:     TypeInternal,
		Priority: 1,
		Snapshot: snapshot,
	}
}

func nameString(names []string) string {
	return strings.Join(names, ".")
}

// NameString is the unique-within-snapshot identity key.
func (t *Test) NameString() string {
	return nameString(t.Names)
}

// URLPrefix returns the HTML page type for this test's URL (empty for
// non-browser types).
func (t *Test) URLPrefix() string {
	return t.Type.urlPrefix()
}

// AppendResult appends an outcome and, for local tests, leaves Complete
// exactly as the caller set it — Complete is set by the dispatcher the
// instant a test is selected, not when the result arrives, so no two
// LocalLoop iterations ever execute the same Test twice.
func (t *Test) AppendResult(r Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Results = append(t.Results, r)
}

// IncrementCount atomically bumps the browser dispatch counter and returns
// the new value.
func (t *Test) IncrementCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Count++
	return t.Count
}

// MarkComplete sets Complete true; called the instant a local test is
// selected for dispatch, before the subprocess runs.
func (t *Test) MarkComplete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Complete = true
}

// SetSuccess records a build test's success flag, observed by dependent
// browser tests' BuildDependencies check.
func (t *Test) SetSuccess(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Success = success
}

// SetWeight stores a freshly computed priority weight.
func (t *Test) SetWeight(w float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Weight = w
}

// Serialized is the persisted-checkpoint shape of a Test (§6).
type Serialized struct {
	Description                 Description `json:"description"`
	Results                     []Result    `json:"results"`
	Complete                    bool        `json:"complete"`
	Success                     bool        `json:"success"`
	Count                       int         `json:"count"`
	RepoCommitTimestamp         int64       `json:"repoCommitTimestamp"`
	DependenciesCommitTimestamp int64       `json:"dependenciesCommitTimestamp"`
}

// ToSerialized captures the fields the checkpoint file persists.
func (t *Test) ToSerialized() Serialized {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Serialized{
		Description: Description{
			Test:                t.Names,
			Type:                t.Type,
			Repo:                t.Repo,
			Brands:              t.Brands,
			URL:                 t.URL,
			QueryParameters:     t.QueryParameters,
			TestQueryParameters: t.TestQueryParameters,
			ES5:                 t.ES5,
			BuildDependencies:   t.BuildDependencies,
			Priority:            t.Priority,
		},
		Results:                     t.Results,
		Complete:                    t.Complete,
		Success:                     t.Success,
		Count:                       t.Count,
		RepoCommitTimestamp:         t.RepoCommitTimestamp,
		DependenciesCommitTimestamp: t.DependenciesCommitTimestamp,
	}
}

// FromSerialized reconstructs a Test from a checkpoint record, restoring the
// weak back-reference to snapshot.
func FromSerialized(s Serialized, snapshot SnapshotRef) *Test {
	priority := s.Description.Priority
	if priority == 0 {
		priority = 1
	}
	return &Test{
		Names:                       s.Description.Test,
		Type:                        s.Description.Type,
		Repo:                        s.Description.Repo,
		Brands:                      s.Description.Brands,
		URL:                         s.Description.URL,
		QueryParameters:             s.Description.QueryParameters,
		TestQueryParameters:         s.Description.TestQueryParameters,
		ES5:                         s.Description.ES5,
		BuildDependencies:           s.Description.BuildDependencies,
		Priority:                    priority,
		RepoCommitTimestamp:         s.RepoCommitTimestamp,
		DependenciesCommitTimestamp: s.DependenciesCommitTimestamp,
		Results:                     s.Results,
		Complete:                    s.Complete,
		Success:                     s.Success,
		Count:                       s.Count,
		Snapshot:                    snapshot,
	}
}

// ParseDescriptions decodes the JSON array produced by listContinuousTests.
func ParseDescriptions(data []byte) ([]Description, error) {
	var descs []Description
	if err := json.Unmarshal(data, &descs); err != nil {
		return nil, fmt.Errorf("parsing test descriptions: %w", err)
	}
	return descs, nil
}
