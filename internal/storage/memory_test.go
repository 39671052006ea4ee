package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := &ModelRecord{
		Name:          "irismodel",
		Version:       "1.0.0",
		Image:         "registry.example.com/irismodel:1.0.0",
		Title:         "Iris classifier",
		AlignedOutput: true,
	}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get(ctx, "irismodel", "1.0.0")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Image != rec.Image {
		t.Errorf("expected image %q, got %q", rec.Image, got.Image)
	}
	if got.RegisteredAt.IsZero() {
		t.Error("expected RegisteredAt to be set on insert")
	}
}

func TestMemoryStore_PutStampsCallerRecord(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := &ModelRecord{Name: "irismodel", Version: "1.0.0", Image: "irismodel:1.0.0"}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if rec.RegisteredAt.IsZero() {
		t.Fatal("Put must write the timestamp back to the caller's record")
	}

	got, err := s.Get(ctx, "irismodel", "1.0.0")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.RegisteredAt.Equal(rec.RegisteredAt) {
		t.Errorf("stored timestamp %v differs from caller's %v", got.RegisteredAt, rec.RegisteredAt)
	}
}

func TestMemoryStore_DuplicateConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := &ModelRecord{Name: "irismodel", Version: "1.0.0", Image: "irismodel:1.0.0"}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}

	dup := &ModelRecord{Name: "irismodel", Version: "1.0.0", Image: "other:latest"}
	if err := s.Put(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on duplicate put, got %v", err)
	}

	// The original record must be untouched.
	got, err := s.Get(ctx, "irismodel", "1.0.0")
	if err != nil {
		t.Fatalf("Get after conflict failed: %v", err)
	}
	if got.Image != "irismodel:1.0.0" {
		t.Errorf("conflict overwrote existing record: image = %q", got.Image)
	}
}

func TestMemoryStore_LatestResolution(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, v := range []string{"1.0.0", "1.1.0"} {
		rec := &ModelRecord{
			Name:         "irismodel",
			Version:      v,
			Image:        "irismodel:" + v,
			RegisteredAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.Put(ctx, rec); err != nil {
			t.Fatalf("Put %s failed: %v", v, err)
		}
	}

	for _, version := range []string{VersionLatest, ""} {
		got, err := s.Get(ctx, "irismodel", version)
		if err != nil {
			t.Fatalf("Get(%q) failed: %v", version, err)
		}
		if got.Version != "1.1.0" {
			t.Errorf("Get(%q): expected latest 1.1.0, got %s", version, got.Version)
		}
	}

	// Explicit older version still resolves.
	got, err := s.Get(ctx, "irismodel", "1.0.0")
	if err != nil {
		t.Fatalf("Get(1.0.0) failed: %v", err)
	}
	if got.Version != "1.0.0" {
		t.Errorf("expected 1.0.0, got %s", got.Version)
	}
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing", "latest"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown name, got %v", err)
	}

	_ = s.Put(ctx, &ModelRecord{Name: "irismodel", Version: "1.0.0", Image: "irismodel:1.0.0"})
	if _, err := s.Get(ctx, "irismodel", "9.9.9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown version, got %v", err)
	}
}

func TestMemoryStore_List(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	records := []struct {
		name, version string
		offset        time.Duration
	}{
		{"bmodel", "1.0.0", 0},
		{"amodel", "1.0.0", time.Second},
		{"amodel", "2.0.0", 2 * time.Second},
	}
	for _, r := range records {
		err := s.Put(ctx, &ModelRecord{
			Name:         r.name,
			Version:      r.version,
			Image:        r.name + ":" + r.version,
			RegisteredAt: base.Add(r.offset),
		})
		if err != nil {
			t.Fatalf("Put %s:%s failed: %v", r.name, r.version, err)
		}
	}

	latest, err := s.List(ctx, false)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 latest records, got %d", len(latest))
	}
	if latest[0].Name != "amodel" || latest[0].Version != "2.0.0" {
		t.Errorf("expected amodel:2.0.0 first, got %s:%s", latest[0].Name, latest[0].Version)
	}
	if latest[1].Name != "bmodel" {
		t.Errorf("expected bmodel second, got %s", latest[1].Name)
	}

	all, err := s.List(ctx, true)
	if err != nil {
		t.Fatalf("List all failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 records with allVersions, got %d", len(all))
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Put(ctx, &ModelRecord{Name: "irismodel", Version: "1.0.0", Image: "irismodel:1.0.0"})

	if err := s.Delete(ctx, "irismodel", "1.0.0"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "irismodel", "1.0.0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "irismodel", "1.0.0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}

	// Re-registering the same key after delete is allowed.
	if err := s.Put(ctx, &ModelRecord{Name: "irismodel", Version: "1.0.0", Image: "irismodel:1.0.0"}); err != nil {
		t.Errorf("re-register after delete failed: %v", err)
	}
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref         string
		wantName    string
		wantVersion string
		wantErr     bool
	}{
		{"irismodel", "irismodel", "latest", false},
		{"irismodel:1.0.0", "irismodel", "1.0.0", false},
		{"registry.example.com/team/irismodel:1.0.0", "irismodel", "1.0.0", false},
		{"localhost:5000/irismodel", "irismodel", "latest", false},
		{"localhost:5000/irismodel:2.1", "irismodel", "2.1", false},
		{"", "", "", true},
		{"   ", "", "", true},
		{"irismodel:", "", "", true},
	}

	for _, tt := range tests {
		name, version, err := ParseRef(tt.ref)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseRef(%q): expected error, got %s:%s", tt.ref, name, version)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRef(%q): unexpected error: %v", tt.ref, err)
			continue
		}
		if name != tt.wantName || version != tt.wantVersion {
			t.Errorf("ParseRef(%q) = %s, %s; want %s, %s",
				tt.ref, name, version, tt.wantName, tt.wantVersion)
		}
	}
}
