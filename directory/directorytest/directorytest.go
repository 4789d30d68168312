// Package directorytest is a conformance suite for directory.Store
// implementations.
package directorytest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/notifycast/directory"
	"github.com/ggoodman/notifycast/notify"
)

// StoreFactory creates a new, empty Store for one subtest.
type StoreFactory func(t *testing.T) directory.Store

// RunDirectoryTests runs the complete Store suite against factory.
func RunDirectoryTests(t *testing.T, factory StoreFactory) {
	t.Run("Lookup_UnknownIsNotFound", func(t *testing.T) { testUnknown(t, factory) })
	t.Run("Put_ThenLookup", func(t *testing.T) { testPutLookup(t, factory) })
	t.Run("Put_Overwrites", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("Delete_RemovesRecord", func(t *testing.T) { testDelete(t, factory) })
	t.Run("Deactivate_KeepsRecordInactive", func(t *testing.T) { testDeactivate(t, factory) })
	t.Run("Deactivate_UnknownIsNotFound", func(t *testing.T) { testDeactivateUnknown(t, factory) })
	t.Run("Lookup_ReturnsCopy", func(t *testing.T) { testCopy(t, factory) })
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func sample(id string) *directory.Record {
	return &directory.Record{
		SessionID:   id,
		UserID:      "user-" + id,
		Permissions: []string{"admin", "reports"},
		UnitID:      "math",
		Role:        "staff",
		Active:      true,
		ExpiresAt:   time.Now().Add(time.Hour).Truncate(time.Millisecond),
	}
}

func testUnknown(t *testing.T, factory StoreFactory) {
	s := factory(t)
	_, err := s.Lookup(ctx(t), "nope")
	if !errors.Is(err, notify.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testPutLookup(t *testing.T, factory StoreFactory) {
	s := factory(t)
	c := ctx(t)
	want := sample("s1")
	if err := s.Put(c, want); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Lookup(c, "s1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.UserID != want.UserID || got.UnitID != want.UnitID || got.Role != want.Role || !got.Active {
		t.Fatalf("unexpected record: %+v", got)
	}
	if len(got.Permissions) != 2 || got.Permissions[0] != "admin" || got.Permissions[1] != "reports" {
		t.Fatalf("unexpected permissions: %v", got.Permissions)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Fatalf("expires_at: got %v want %v", got.ExpiresAt, want.ExpiresAt)
	}
	if reason := got.Invalid(time.Now()); reason != "" {
		t.Fatalf("expected valid record, got %q", reason)
	}
}

func testOverwrite(t *testing.T, factory StoreFactory) {
	s := factory(t)
	c := ctx(t)
	rec := sample("s1")
	if err := s.Put(c, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec.Permissions = nil
	rec.Role = "student"
	if err := s.Put(c, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Lookup(c, "s1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Role != "student" || len(got.Permissions) != 0 {
		t.Fatalf("expected overwritten record, got %+v", got)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	c := ctx(t)
	if err := s.Put(c, sample("s1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(c, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Lookup(c, "s1"); !errors.Is(err, notify.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
	if err := s.Delete(c, "s1"); err != nil {
		t.Fatalf("deleting a missing session should succeed: %v", err)
	}
}

func testDeactivate(t *testing.T, factory StoreFactory) {
	s := factory(t)
	c := ctx(t)
	if err := s.Put(c, sample("s1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Deactivate(c, "s1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, err := s.Lookup(c, "s1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Invalid(time.Now()) != directory.InvalidInactive {
		t.Fatalf("expected inactive record, got %+v", got)
	}
}

func testDeactivateUnknown(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if err := s.Deactivate(ctx(t), "ghost"); !errors.Is(err, notify.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testCopy(t *testing.T, factory StoreFactory) {
	s := factory(t)
	c := ctx(t)
	if err := s.Put(c, sample("s1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Lookup(c, "s1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	got.Permissions[0] = "mutated"
	again, err := s.Lookup(c, "s1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if again.Permissions[0] != "admin" {
		t.Fatalf("lookup must return an independent copy")
	}
}
