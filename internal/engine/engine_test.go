package engine

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/kindreddb/kindred-server/internal/index"
	"github.com/kindreddb/kindred-server/internal/storage"
	"github.com/kindreddb/kindred-server/internal/vector"
)

func newTestEngine(t *testing.T, dim int) (*Engine, *storage.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(
		filepath.Join(dir, "vector_data.db"),
		filepath.Join(dir, "vector_wal.db"),
		dim, vector.MetricCosine, index.Options{}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log, err := OpenInteractionLog(filepath.Join(dir, "interactions.log"))
	if err != nil {
		t.Fatalf("open interaction log: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	return New(store, log), store
}

func TestRecommendNoHistory(t *testing.T) {
	e, _ := newTestEngine(t, 2)

	if _, err := e.Recommend("nobody", 5); !errors.Is(err, ErrNoHistory) {
		t.Errorf("expected ErrNoHistory, got %v", err)
	}
}

func TestRecommendInvalidLimit(t *testing.T) {
	e, _ := newTestEngine(t, 2)

	if _, err := e.Recommend("u", 0); !errors.Is(err, index.ErrInvalidArgument) {
		t.Errorf("limit=0: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := e.Recommend("u", -1); !errors.Is(err, index.ErrInvalidArgument) {
		t.Errorf("limit<0: expected ErrInvalidArgument, got %v", err)
	}
}

func TestRecordValidation(t *testing.T) {
	e, _ := newTestEngine(t, 2)

	if err := e.Record("", "item", 1); !errors.Is(err, index.ErrInvalidArgument) {
		t.Errorf("empty user: expected ErrInvalidArgument, got %v", err)
	}
	if err := e.Record("u", "", 1); !errors.Is(err, index.ErrInvalidArgument) {
		t.Errorf("empty item: expected ErrInvalidArgument, got %v", err)
	}
	if err := e.Record("u", "item", 0); !errors.Is(err, index.ErrInvalidArgument) {
		t.Errorf("zero weight: expected ErrInvalidArgument, got %v", err)
	}
	if err := e.Record("u", "item", -2); !errors.Is(err, index.ErrInvalidArgument) {
		t.Errorf("negative weight: expected ErrInvalidArgument, got %v", err)
	}
}

func TestRecommendExcludesInteractedItems(t *testing.T) {
	e, store := newTestEngine(t, 2)

	store.Upsert("a", []float32{1, 0}, nil)
	store.Upsert("b", []float32{0.9, 0.1}, nil)
	store.Upsert("c", []float32{0, 1}, nil)

	if err := e.Record("u", "a", 1); err != nil {
		t.Fatalf("record: %v", err)
	}

	results, err := e.Recommend("u", 10)
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	for _, r := range results {
		if r.ID == "a" {
			t.Fatal("interacted item recommended back")
		}
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %v", results)
	}
	// Centroid is a's own vector, so b is the nearest non-interacted item.
	if results[0].ID != "b" {
		t.Errorf("expected b first, got %v", results)
	}
}

func TestRecommendSingleInteractionMatchesDirectSearch(t *testing.T) {
	e, store := newTestEngine(t, 2)

	store.Upsert("x", []float32{0.6, 0.8}, nil)
	store.Upsert("p", []float32{0.5, 0.9}, nil)
	store.Upsert("q", []float32{1, 0}, nil)

	if err := e.Record("u", "x", 1); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := e.Recommend("u", 5)
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	want, err := store.Search([]float32{0.6, 0.8}, 5, map[string]struct{}{"x": {}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("result sizes differ: %v vs %v", got, want)
	}
	for i := range want {
		if got[i].ID != want[i].ID || math.Abs(got[i].Score-want[i].Score) > 1e-6 {
			t.Errorf("result %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRecommendWeightedCentroid(t *testing.T) {
	e, store := newTestEngine(t, 2)

	store.Upsert("right", []float32{1, 0}, nil)
	store.Upsert("up", []float32{0, 1}, nil)
	store.Upsert("mostly-up", []float32{0.1, 0.9}, nil)
	store.Upsert("mostly-right", []float32{0.9, 0.1}, nil)

	// 3x weight on "up" drags the centroid toward the y axis.
	e.Record("u", "right", 1)
	e.Record("u", "up", 3)

	results, err := e.Recommend("u", 2)
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %v", results)
	}
	if results[0].ID != "mostly-up" {
		t.Errorf("expected mostly-up first, got %v", results)
	}
}

func TestRecommendRepeatedInteractionsAccumulate(t *testing.T) {
	e, store := newTestEngine(t, 2)

	store.Upsert("right", []float32{1, 0}, nil)
	store.Upsert("up", []float32{0, 1}, nil)
	store.Upsert("mostly-up", []float32{0.1, 0.9}, nil)
	store.Upsert("mostly-right", []float32{0.9, 0.1}, nil)

	// Three separate unit-weight views of "up" outweigh one view of "right".
	e.Record("u", "right", 1)
	e.Record("u", "up", 1)
	e.Record("u", "up", 1)
	e.Record("u", "up", 1)

	results, err := e.Recommend("u", 1)
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if len(results) != 1 || results[0].ID != "mostly-up" {
		t.Errorf("expected mostly-up, got %v", results)
	}
}

func TestRecommendAllInteractedItemsRemoved(t *testing.T) {
	e, store := newTestEngine(t, 2)

	store.Upsert("gone", []float32{1, 0}, nil)
	store.Upsert("other", []float32{0, 1}, nil)

	e.Record("u", "gone", 1)
	store.Remove("gone")

	if _, err := e.Recommend("u", 5); !errors.Is(err, ErrNoHistory) {
		t.Errorf("expected ErrNoHistory when every interacted item is gone, got %v", err)
	}
}

func TestRecommendSkipsRemovedButUsesRemaining(t *testing.T) {
	e, store := newTestEngine(t, 2)

	store.Upsert("gone", []float32{0, 1}, nil)
	store.Upsert("kept", []float32{1, 0}, nil)
	store.Upsert("near-kept", []float32{0.9, 0.1}, nil)

	e.Record("u", "gone", 5)
	e.Record("u", "kept", 1)
	store.Remove("gone")

	results, err := e.Recommend("u", 5)
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	// Only "kept" contributes to the centroid now.
	if len(results) != 1 || results[0].ID != "near-kept" {
		t.Errorf("expected [near-kept], got %v", results)
	}
}

func TestInteractionLogSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "interactions.log")

	log, err := OpenInteractionLog(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	log.Append("u", "a", 1)
	log.Append("u", "a", 2)
	log.Append("v", "b", 4)
	log.Close()

	reopened, err := OpenInteractionLog(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	u := reopened.ForUser("u")
	if u["a"] != 3 {
		t.Errorf("expected summed weight 3 for u/a, got %v", u["a"])
	}
	v := reopened.ForUser("v")
	if v["b"] != 4 {
		t.Errorf("expected weight 4 for v/b, got %v", v["b"])
	}
	if len(reopened.ForUser("w")) != 0 {
		t.Error("unknown user should have empty history")
	}
}

func TestInteractionLogRecoversAfterTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "interactions.log")

	log, err := OpenInteractionLog(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := log.Append("u", "a", 1); err != nil {
		t.Fatalf("append: %v", err)
	}
	log.Close()

	// Simulate a crash mid-append: a partial JSON line with no newline.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		t.Fatalf("reopen raw: %v", err)
	}
	if _, err := f.Write([]byte(`{"user":"u","it`)); err != nil {
		t.Fatalf("write fragment: %v", err)
	}
	f.Close()

	log, err = OpenInteractionLog(path)
	if err != nil {
		t.Fatalf("reopen after torn tail: %v", err)
	}
	if err := log.Append("u", "c", 7); err != nil {
		t.Fatalf("append after torn tail: %v", err)
	}
	log.Close()

	reopened, err := OpenInteractionLog(path)
	if err != nil {
		t.Fatalf("final reopen: %v", err)
	}
	defer reopened.Close()

	u := reopened.ForUser("u")
	if u["a"] != 1 {
		t.Errorf("record from before the crash lost: %v", u)
	}
	if u["c"] != 7 {
		t.Errorf("record appended after the torn tail lost: %v", u)
	}
}
