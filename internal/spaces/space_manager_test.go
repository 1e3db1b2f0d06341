package spaces

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateSpaceValidation(t *testing.T) {
	sm := NewSpaceManager(t.TempDir(), nil)
	defer sm.CloseAll()

	if _, err := sm.CreateSpace(SpaceConfig{Dimension: 2}); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := sm.CreateSpace(SpaceConfig{Name: "x", Dimension: 0}); err == nil {
		t.Error("expected error for dimension 0")
	}
	if _, err := sm.CreateSpace(SpaceConfig{Name: "x", Dimension: 2, Metric: "manhattan"}); err == nil {
		t.Error("expected error for unknown metric")
	}
}

func TestCreateAndUseSpace(t *testing.T) {
	sm := NewSpaceManager(t.TempDir(), nil)
	defer sm.CloseAll()

	sp, err := sm.CreateSpace(SpaceConfig{Name: "movies", Dimension: 3})
	if err != nil {
		t.Fatalf("create space: %v", err)
	}
	if sp.Store.Dimension() != 3 {
		t.Errorf("expected dimension 3, got %d", sp.Store.Dimension())
	}

	if _, err := sm.CreateSpace(SpaceConfig{Name: "movies", Dimension: 3}); err == nil {
		t.Error("expected error for duplicate space")
	}

	got, err := sm.UseSpace("movies")
	if err != nil {
		t.Fatalf("use space: %v", err)
	}
	if got != sp {
		t.Error("UseSpace returned a different space instance")
	}

	if _, err := sm.UseSpace("missing"); err == nil {
		t.Error("expected error for unknown space")
	}
}

func TestListSpacesSorted(t *testing.T) {
	sm := NewSpaceManager(t.TempDir(), nil)
	defer sm.CloseAll()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := sm.CreateSpace(SpaceConfig{Name: name, Dimension: 2}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	names := sm.ListSpaces()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}

func TestSpacesSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	sm := NewSpaceManager(dir, nil)
	sp, err := sm.CreateSpace(SpaceConfig{Name: "movies", Dimension: 2, Metric: "cosine"})
	if err != nil {
		t.Fatalf("create space: %v", err)
	}
	if err := sp.Store.Upsert("a", []float32{1, 0}, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := sp.Engine.Record("u", "a", 1); err != nil {
		t.Fatalf("record: %v", err)
	}
	sm.CloseAll()

	sm2 := NewSpaceManager(dir, nil)
	defer sm2.CloseAll()

	sp2, ok := sm2.GetSpace("movies")
	if !ok {
		t.Fatal("space lost across restart")
	}
	if sp2.Meta.Dimension != 2 || sp2.Meta.Metric != "cosine" {
		t.Errorf("metadata wrong after restart: %+v", sp2.Meta)
	}
	if sp2.Store.Len() != 1 {
		t.Errorf("expected 1 stored item, got %d", sp2.Store.Len())
	}
	// "a" is the only item and the user interacted with it, so the search
	// excludes everything and returns no results without error.
	results, err := sp2.Engine.Recommend("u", 5)
	if err != nil {
		t.Fatalf("recommend after restart: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected empty recommendations, got %v", results)
	}
}

func TestDeleteSpaceRemovesDirectory(t *testing.T) {
	dir := t.TempDir()
	sm := NewSpaceManager(dir, nil)
	defer sm.CloseAll()

	if _, err := sm.CreateSpace(SpaceConfig{Name: "tmp", Dimension: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	spaceDir := filepath.Join(dir, "tmp")
	if _, err := os.Stat(spaceDir); err != nil {
		t.Fatalf("space dir missing after create: %v", err)
	}

	if err := sm.DeleteSpace("tmp"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(spaceDir); !os.IsNotExist(err) {
		t.Error("space dir still present after delete")
	}
	if _, ok := sm.GetSpace("tmp"); ok {
		t.Error("deleted space still resolvable")
	}
	if err := sm.DeleteSpace("tmp"); err == nil {
		t.Error("expected error deleting a missing space")
	}
}
