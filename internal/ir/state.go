package ir

import (
	"sort"

	"github.com/google/uuid"
)

// State is the persisted last-known state for one scope. Serial is the
// monotonically increasing revision; every accepted write bumps it by
// exactly one.
type State struct {
	Version   int                 `json:"version"`
	Serial    uint64              `json:"serial"`
	Lineage   string              `json:"lineage"`
	Resources []*RecordedResource `json:"resources"`
}

// RecordedResource is the state record for one applied resource: the
// last-applied attribute snapshot plus the identifier the provider
// assigned when the resource was created.
type RecordedResource struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	Provider      string         `json:"provider"`
	ExternalID    string         `json:"externalId,omitempty"`
	AppliedSerial uint64         `json:"appliedSerial"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

// NewState returns an empty state with a fresh lineage.
func NewState() *State {
	return &State{
		Version: 1,
		Lineage: uuid.NewString(),
	}
}

// Resource returns the record with the given identifier, or nil.
func (s *State) Resource(id string) *RecordedResource {
	for _, r := range s.Resources {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Index returns the records keyed by resource identifier.
func (s *State) Index() map[string]*RecordedResource {
	idx := make(map[string]*RecordedResource, len(s.Resources))
	for _, r := range s.Resources {
		idx[r.ID] = r
	}
	return idx
}

// Put inserts or replaces the record with the same identifier.
func (s *State) Put(rec *RecordedResource) {
	for i, r := range s.Resources {
		if r.ID == rec.ID {
			s.Resources[i] = rec
			return
		}
	}
	s.Resources = append(s.Resources, rec)
}

// Remove drops the record with the given identifier, if present.
func (s *State) Remove(id string) {
	for i, r := range s.Resources {
		if r.ID == id {
			s.Resources = append(s.Resources[:i], s.Resources[i+1:]...)
			return
		}
	}
}

// Normalize sorts records by identifier so serialized state is stable
// and diffs between revisions stay readable.
func (s *State) Normalize() {
	sort.Slice(s.Resources, func(i, j int) bool {
		return s.Resources[i].ID < s.Resources[j].ID
	})
}

// Clone deep-copies the state so callers can refresh or mutate a
// snapshot without touching the original.
func (s *State) Clone() *State {
	out := &State{
		Version: s.Version,
		Serial:  s.Serial,
		Lineage: s.Lineage,
	}
	if s.Resources != nil {
		out.Resources = make([]*RecordedResource, len(s.Resources))
		for i, r := range s.Resources {
			out.Resources[i] = r.Clone()
		}
	}
	return out
}

// Clone deep-copies a record.
func (r *RecordedResource) Clone() *RecordedResource {
	if r == nil {
		return nil
	}
	return &RecordedResource{
		ID:            r.ID,
		Kind:          r.Kind,
		Provider:      r.Provider,
		ExternalID:    r.ExternalID,
		AppliedSerial: r.AppliedSerial,
		Dependencies:  append([]string(nil), r.Dependencies...),
		Attributes:    CloneAttributes(r.Attributes),
	}
}
