package storage

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/kindreddb/kindred-server/internal/index"
	"github.com/kindreddb/kindred-server/internal/vector"
	"github.com/kindreddb/kindred-server/internal/wal"
)

func openTestStore(t *testing.T, dir string, dim int) *Store {
	t.Helper()
	s, err := Open(
		filepath.Join(dir, "vector_data.db"),
		filepath.Join(dir, "vector_wal.db"),
		dim, vector.MetricCosine, index.Options{}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestUpsertGetRoundTrip(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 3)
	defer s.Close()

	meta := map[string]any{"title": "first", "rank": 1.0}
	if err := s.Upsert("a", []float32{0.1, 0.2, 0.3}, meta); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	item, err := s.Get("a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := []float32{0.1, 0.2, 0.3}
	for i := range want {
		if item.Vector[i] != want[i] {
			t.Fatalf("vector mismatch: got %v, want %v", item.Vector, want)
		}
	}
	if item.Metadata["title"] != "first" || item.Metadata["rank"] != 1.0 {
		t.Errorf("metadata mismatch: %v", item.Metadata)
	}

	// The returned copy must not alias store state.
	item.Vector[0] = 99
	again, _ := s.Get("a")
	if again.Vector[0] != 0.1 {
		t.Error("Get returned a vector aliasing store memory")
	}
}

func TestUpsertReplacesExisting(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 2)
	defer s.Close()

	if err := s.Upsert("a", []float32{1, 0}, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Upsert("a", []float32{0, 1}, map[string]any{"v": "2"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if s.Len() != 1 {
		t.Fatalf("expected 1 item, got %d", s.Len())
	}
	item, err := s.Get("a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Vector[0] != 0 || item.Vector[1] != 1 {
		t.Errorf("expected replaced vector, got %v", item.Vector)
	}
}

func TestUpsertDimensionMismatchLeavesStoreUnchanged(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 2)
	defer s.Close()

	if err := s.Upsert("a", []float32{1, 0}, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	err := s.Upsert("a", []float32{1, 2, 3}, nil)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}

	item, err := s.Get("a")
	if err != nil {
		t.Fatalf("get after failed upsert: %v", err)
	}
	if item.Vector[0] != 1 || item.Vector[1] != 0 {
		t.Errorf("store changed by failed upsert: %v", item.Vector)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 2)
	defer s.Close()

	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 2)
	defer s.Close()

	if err := s.Upsert("a", []float32{1, 0}, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Remove("a"); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	if err := s.Remove("a"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	if err := s.Remove("never-existed"); err != nil {
		t.Fatalf("removing an absent id should succeed: %v", err)
	}

	if _, err := s.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after remove, got %v", err)
	}

	// The index must not return the removed item either.
	results, err := s.Search([]float32{1, 0}, 1, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("removed item still searchable: %v", results)
	}
}

func TestAllIDsSortedAndRestartable(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 2)
	defer s.Close()

	for _, id := range []string{"charlie", "alpha", "bravo"} {
		if err := s.Upsert(id, []float32{1, 0}, nil); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	seq := s.AllIDs()
	var first []string
	for id := range seq {
		first = append(first, id)
	}
	want := []string{"alpha", "bravo", "charlie"}
	if len(first) != 3 {
		t.Fatalf("expected 3 ids, got %v", first)
	}
	for i := range want {
		if first[i] != want[i] {
			t.Fatalf("ids not sorted: got %v, want %v", first, want)
		}
	}

	// Re-iterating the same sequence must yield the same snapshot.
	var second []string
	for id := range seq {
		second = append(second, id)
		if len(second) == 2 {
			break
		}
	}
	if len(second) != 2 || second[0] != "alpha" || second[1] != "bravo" {
		t.Errorf("restarted iteration wrong: %v", second)
	}
}

func TestSearchOrdering(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 2)
	defer s.Close()

	s.Upsert("a", []float32{1, 0}, nil)
	s.Upsert("b", []float32{0, 1}, nil)
	s.Upsert("c", []float32{1, 1}, nil)

	results, err := s.Search([]float32{1, 0.1}, 2, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 || results[0].ID != "a" || results[1].ID != "c" {
		t.Fatalf("expected [a c], got %v", results)
	}
	wantA := vector.Cosine([]float32{1, 0.1}, []float32{1, 0})
	if math.Abs(results[0].Score-wantA) > 1e-9 {
		t.Errorf("score = %v, want %v", results[0].Score, wantA)
	}
}

func TestReopenRecoversData(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir, 2)
	s.Upsert("keep", []float32{1, 2}, map[string]any{"k": "v"})
	s.Upsert("drop", []float32{3, 4}, nil)
	s.Remove("drop")
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2 := openTestStore(t, dir, 2)
	defer s2.Close()

	if s2.Len() != 1 {
		t.Fatalf("expected 1 item after reopen, got %d", s2.Len())
	}
	item, err := s2.Get("keep")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if item.Vector[0] != 1 || item.Vector[1] != 2 {
		t.Errorf("vector lost across restart: %v", item.Vector)
	}
	if item.Metadata["k"] != "v" {
		t.Errorf("metadata lost across restart: %v", item.Metadata)
	}
	if _, err := s2.Get("drop"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted item resurrected: %v", err)
	}

	// The recovered index answers queries too.
	results, err := s2.Search([]float32{1, 2}, 1, nil)
	if err != nil || len(results) != 1 || results[0].ID != "keep" {
		t.Errorf("search after reopen: results=%v err=%v", results, err)
	}
}

func TestPendingWALEntriesReplayedOnOpen(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "vector_wal.db")

	// Simulate a crash between the WAL write and the data-file append: the
	// entry exists in the WAL, uncommitted, and nowhere else.
	w, err := wal.Open(walPath)
	if err != nil {
		t.Fatalf("open WAL: %v", err)
	}
	payload, err := encodePayload(map[string]any{"src": "wal"}, []float32{5, 6})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := w.WriteUpsert("recovered", payload); err != nil {
		t.Fatalf("write WAL entry: %v", err)
	}
	w.Close()

	s := openTestStore(t, dir, 2)
	defer s.Close()

	item, err := s.Get("recovered")
	if err != nil {
		t.Fatalf("pending WAL entry not recovered: %v", err)
	}
	if item.Vector[0] != 5 || item.Vector[1] != 6 {
		t.Errorf("recovered vector wrong: %v", item.Vector)
	}
	if item.Metadata["src"] != "wal" {
		t.Errorf("recovered metadata wrong: %v", item.Metadata)
	}
}

func TestFailedAppendLeavesStoreUnchanged(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 2)
	defer s.Close()

	if err := s.Upsert("a", []float32{1, 0}, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Kill the data file out from under the store so the next append fails.
	s.dataFile.Close()

	if err := s.Upsert("b", []float32{0, 1}, nil); err == nil {
		t.Fatal("upsert with a dead data file succeeded")
	}
	if _, err := s.Get("b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed upsert left the item readable: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 item, got %d", s.Len())
	}
	results, err := s.Search([]float32{0, 1}, 2, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range results {
		if r.ID == "b" {
			t.Error("failed upsert reached the index")
		}
	}

	if err := s.Remove("a"); err == nil {
		t.Fatal("remove with a dead data file succeeded")
	}
	if _, err := s.Get("a"); err != nil {
		t.Errorf("failed remove dropped the item: %v", err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 2)
	s.Close()

	if err := s.Upsert("a", []float32{1, 0}, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := s.Remove("a"); err != nil && !errors.Is(err, ErrClosed) {
		t.Errorf("expected nil or ErrClosed, got %v", err)
	}
}

func TestCodecRejectsCorruptPayload(t *testing.T) {
	payload, err := encodePayload(map[string]any{"x": 1.0}, []float32{1, 2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, _, err := decodePayload(payload, 2); err != nil {
		t.Fatalf("decode valid payload: %v", err)
	}
	if _, _, err := decodePayload(payload, 3); err == nil {
		t.Error("expected error for wrong dimension")
	}
	if _, _, err := decodePayload(payload[:3], 2); err == nil {
		t.Error("expected error for truncated payload")
	}
}
