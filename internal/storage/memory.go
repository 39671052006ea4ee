package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used when no database is configured.
// A single mutex guards the record map; registration for a given key is
// therefore trivially serialized and identical-timestamp races on "latest"
// cannot occur.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]*ModelRecord // name -> version -> record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]*ModelRecord),
	}
}

func (s *MemoryStore) Put(_ context.Context, record *ModelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.records[record.Name]
	if !ok {
		versions = make(map[string]*ModelRecord)
		s.records[record.Name] = versions
	}
	if _, exists := versions[record.Version]; exists {
		return ErrConflict
	}

	// Stamp through the caller's record so the register response carries
	// the stored timestamp, matching the postgres store.
	if record.RegisteredAt.IsZero() {
		record.RegisteredAt = time.Now().UTC()
	}
	stored := *record
	versions[record.Version] = &stored
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name, version string) (*ModelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.records[name]
	if !ok || len(versions) == 0 {
		return nil, ErrNotFound
	}

	if version == "" || version == VersionLatest {
		latest := latestOf(versions)
		if latest == nil {
			return nil, ErrNotFound
		}
		copied := *latest
		return &copied, nil
	}

	record, ok := versions[version]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (s *MemoryStore) List(_ context.Context, allVersions bool) ([]ModelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ModelRecord
	for _, versions := range s.records {
		if allVersions {
			for _, record := range versions {
				out = append(out, *record)
			}
			continue
		}
		if latest := latestOf(versions); latest != nil {
			out = append(out, *latest)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].RegisteredAt.After(out[j].RegisteredAt)
	})
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, name, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.records[name]
	if !ok {
		return ErrNotFound
	}
	if _, exists := versions[version]; !exists {
		return ErrNotFound
	}
	delete(versions, version)
	if len(versions) == 0 {
		delete(s.records, name)
	}
	return nil
}

func (s *MemoryStore) Healthy(_ context.Context) bool { return true }

func (s *MemoryStore) Close() {}

func latestOf(versions map[string]*ModelRecord) *ModelRecord {
	var latest *ModelRecord
	for _, record := range versions {
		if latest == nil || record.RegisteredAt.After(latest.RegisteredAt) {
			latest = record
		}
	}
	return latest
}
