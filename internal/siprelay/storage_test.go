package siprelay

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/medrelay-project/medrelay/internal/core"
)

func TestPersonalStoragePutAssignsID(t *testing.T) {
	ps := NewPersonalStorage(t.TempDir())

	item, err := ps.Put(core.RoleAdmin, core.PersonalStorageItem{
		Type:      "medical-reports",
		Payload:   "{}",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if item.ID == "" {
		t.Fatal("Put did not assign an id")
	}

	got, err := ps.Get(core.RoleAdmin, item.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != item.ID || got.Type != "medical-reports" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestPersonalStorageRolesAreIsolated(t *testing.T) {
	ps := NewPersonalStorage(t.TempDir())

	item, err := ps.Put(core.RoleAdmin, core.PersonalStorageItem{
		Type: "medical-reports", Payload: "{}", Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := ps.Get(core.RoleTeamLead, item.ID); !core.IsNotFound(err) {
		t.Errorf("item visible from another role's storage: %v", err)
	}

	tlItems, err := ps.List(core.RoleTeamLead)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tlItems) != 0 {
		t.Errorf("tl storage = %d items, want 0", len(tlItems))
	}
}

func TestPersonalStorageListNewestFirst(t *testing.T) {
	ps := NewPersonalStorage(t.TempDir())
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := ps.Put(core.RoleAnalyst, core.PersonalStorageItem{
			Type:      "medical-reports",
			Payload:   "{}",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	items, err := ps.List(core.RoleAnalyst)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	for i := 1; i < len(items); i++ {
		if items[i].Timestamp.After(items[i-1].Timestamp) {
			t.Errorf("items not sorted newest first at index %d", i)
		}
	}
}

func TestPersonalStorageGetMissing(t *testing.T) {
	ps := NewPersonalStorage(t.TempDir())

	if _, err := ps.Get(core.RoleAdmin, "ghost"); !core.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}

	items, err := ps.List(core.RoleAdmin)
	if err != nil {
		t.Fatalf("List on empty store: %v", err)
	}
	if items != nil {
		t.Errorf("empty store list = %v, want nil", items)
	}
}

func TestPersonalStorageListIgnoresInProgressWrites(t *testing.T) {
	dir := t.TempDir()
	ps := NewPersonalStorage(dir)

	_, err := ps.Put(core.RoleAdmin, core.PersonalStorageItem{
		Type: "medical-reports", Payload: "{}", Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	// A half-written item looks like the temp file Put uses before its
	// rename. List must skip it rather than fail on truncated JSON.
	partial := filepath.Join(dir, string(core.RoleAdmin), "half_1.json.tmp")
	if err := os.WriteFile(partial, []byte(`{"type":"medi`), 0600); err != nil {
		t.Fatalf("writing partial file: %v", err)
	}

	items, err := ps.List(core.RoleAdmin)
	if err != nil {
		t.Fatalf("List with in-progress write present: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("items = %d, want 1", len(items))
	}
}

func TestPersonalStorageConcurrentPutsAndLists(t *testing.T) {
	ps := NewPersonalStorage(t.TempDir())

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 50; i++ {
			_, err := ps.Put(core.RoleAdmin, core.PersonalStorageItem{
				Type:      "medical-reports",
				Payload:   strings.Repeat("x", 4096),
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := 0; i < 50; i++ {
		if _, err := ps.List(core.RoleAdmin); err != nil {
			t.Fatalf("List during concurrent puts: %v", err)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestPersonalStorageConcurrentPuts(t *testing.T) {
	ps := NewPersonalStorage(t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := ps.Put(core.RoleAdmin, core.PersonalStorageItem{
				Type:      "medical-reports",
				Payload:   "{}",
				Timestamp: time.Now().UTC().Add(time.Duration(n) * time.Microsecond),
			})
			if err != nil {
				t.Errorf("Put: %v", err)
			}
		}(i)
	}
	wg.Wait()

	items, err := ps.List(core.RoleAdmin)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 10 {
		t.Errorf("items = %d, want 10", len(items))
	}
}
