package ray5agent

import (
	"reflect"
	"testing"
)

func TestCatalogReplaceKeepsSurvivingMarkers(t *testing.T) {
	catalog := NewFileCatalog(5)
	catalog.Replace([]RemoteFile{
		{Name: "a.gc", Size: 10},
		{Name: "b.gc", Size: 20},
	})
	catalog.MarkChanged([]string{"a.gc", "b.gc"})

	// b.gc vanishes from the next listing; its marker must go with it.
	catalog.Replace([]RemoteFile{
		{Name: "a.gc", Size: 10},
		{Name: "c.gc", Size: 30},
	})

	changed := catalog.ChangedNames()
	if !reflect.DeepEqual(changed, []string{"a.gc"}) {
		t.Fatalf("unexpected markers after replace: %v", changed)
	}
	if catalog.Len() != 2 {
		t.Fatalf("expected 2 files, got %d", catalog.Len())
	}
}

func TestCatalogMarkChangedIgnoresUnlistedNames(t *testing.T) {
	catalog := NewFileCatalog(5)
	catalog.Replace([]RemoteFile{{Name: "a.gc", Size: 10}})
	catalog.MarkChanged([]string{"a.gc", "ghost.gc"})

	changed := catalog.ChangedNames()
	if !reflect.DeepEqual(changed, []string{"a.gc"}) {
		t.Fatalf("unexpected markers: %v", changed)
	}
}

func TestCatalogDecayExpiresMarkers(t *testing.T) {
	catalog := NewFileCatalog(2)
	catalog.Replace([]RemoteFile{{Name: "a.gc", Size: 10}})
	catalog.MarkChanged([]string{"a.gc"})

	if expired := catalog.DecayTick(); expired {
		t.Fatal("marker expired one tick early")
	}
	if len(catalog.ChangedNames()) != 1 {
		t.Fatal("marker should still be lit after first tick")
	}
	if expired := catalog.DecayTick(); !expired {
		t.Fatal("second tick should expire the marker")
	}
	if names := catalog.ChangedNames(); len(names) != 0 {
		t.Fatalf("markers left after expiry: %v", names)
	}
	// No markers left: further ticks report nothing.
	if expired := catalog.DecayTick(); expired {
		t.Fatal("tick on empty marker set reported expiry")
	}
}

func TestCatalogMarkChangedReArmsTicks(t *testing.T) {
	catalog := NewFileCatalog(3)
	catalog.Replace([]RemoteFile{{Name: "a.gc", Size: 10}})
	catalog.MarkChanged([]string{"a.gc"})
	catalog.DecayTick()
	catalog.DecayTick()

	// Re-marking resets the countdown to the full three ticks.
	catalog.MarkChanged([]string{"a.gc"})
	catalog.DecayTick()
	catalog.DecayTick()
	if len(catalog.ChangedNames()) != 1 {
		t.Fatal("re-armed marker expired too early")
	}
	if expired := catalog.DecayTick(); !expired {
		t.Fatal("re-armed marker should expire on the third tick")
	}
}

func TestCatalogSnapshotIsACopy(t *testing.T) {
	catalog := NewFileCatalog(5)
	catalog.Replace([]RemoteFile{{Name: "a.gc", Size: 10}})

	files, _ := catalog.Snapshot()
	files[0].Name = "mutated"

	if catalog.Files()[0].Name != "a.gc" {
		t.Fatal("snapshot mutation leaked into the catalog")
	}
}

func TestCatalogClear(t *testing.T) {
	catalog := NewFileCatalog(5)
	catalog.Replace([]RemoteFile{{Name: "a.gc", Size: 10}})
	catalog.MarkChanged([]string{"a.gc"})

	catalog.Clear()
	if catalog.Len() != 0 {
		t.Fatal("files survive Clear")
	}
	if len(catalog.ChangedNames()) != 0 {
		t.Fatal("markers survive Clear")
	}
}
