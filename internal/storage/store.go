// Package storage implements the durable vector store backing each space.
// Every item holds a fixed-dimension vector plus opaque JSON metadata; the
// store keeps its similarity index consistent under a single write lock and
// persists through a WAL plus an append-only data log.
package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kindreddb/kindred-server/internal/index"
	"github.com/kindreddb/kindred-server/internal/vector"
	"github.com/kindreddb/kindred-server/internal/wal"
)

var (
	// ErrDimensionMismatch reports a vector whose length differs from the
	// store dimension. The store is left unchanged.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrNotFound reports a lookup of an id the store does not hold.
	ErrNotFound = errors.New("item not found")
	// ErrClosed reports a write against a closed store.
	ErrClosed = errors.New("store is closed")
)

// Item is one stored vector with its metadata.
type Item struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
}

// Store owns the id -> vector mapping for one space. Concurrent readers are
// always safe; writers serialize against each other and against index
// notification, so a reader never sees a store/index mismatch.
type Store struct {
	dim    int
	metric vector.Metric

	dataPath string
	dataFile *os.File
	wal      *wal.WAL
	idx      *index.Index

	items map[string]Item

	quitChan     chan struct{}
	flushRunning int32
	closeOnce    sync.Once
	closed       bool

	logger *zap.Logger
	lock   sync.RWMutex
}

// Open loads or creates a store at dataPath/walPath. Existing data is read
// back, pending WAL entries are replayed, and a compacting checkpoint clears
// the log before the store is handed to callers.
func Open(dataPath, walPath string, dim int, metric vector.Metric, opts index.Options, logger *zap.Logger) (*Store, error) {
	if dim < 1 {
		return nil, fmt.Errorf("%w: dimension must be >= 1, got %d", index.ErrInvalidArgument, dim)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	idx, err := index.New(dim, metric, opts)
	if err != nil {
		return nil, err
	}

	df, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}

	w, err := wal.Open(walPath)
	if err != nil {
		df.Close()
		return nil, fmt.Errorf("open WAL: %w", err)
	}

	s := &Store{
		dim:      dim,
		metric:   metric,
		dataPath: dataPath,
		dataFile: df,
		wal:      w,
		idx:      idx,
		items:    make(map[string]Item),
		quitChan: make(chan struct{}),
		logger:   logger,
	}

	if err := s.loadDataFile(); err != nil {
		s.wal.Close()
		df.Close()
		return nil, fmt.Errorf("load data file: %w", err)
	}
	if err := s.replayWAL(); err != nil {
		s.wal.Close()
		df.Close()
		return nil, fmt.Errorf("WAL replay failed: %w", err)
	}

	go s.autoCheckpoint()
	return s, nil
}

// Dimension returns the fixed vector dimension of the store.
func (s *Store) Dimension() int { return s.dim }

// Metric returns the scoring metric of the store.
func (s *Store) Metric() vector.Metric { return s.metric }

// Len returns the number of stored items.
func (s *Store) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.items)
}

// Upsert inserts or replaces the item for id and re-indexes it. The WAL entry
// lands before any state changes, and a failed append leaves the in-memory
// store and index untouched.
func (s *Store) Upsert(id string, vec []float32, meta map[string]any) error {
	if len(vec) != s.dim {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, s.dim, len(vec))
	}
	payload, err := encodePayload(meta, vec)
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrClosed
	}

	off, err := s.wal.WriteUpsert(id, payload)
	if err != nil {
		return err
	}
	if _, err := s.dataFile.Write(encodeRecord(wal.OpUpsert, id, payload)); err != nil {
		// Commit the WAL entry so replay does not resurrect a write the
		// caller was told had failed.
		s.wal.MarkCommitted(off)
		return err
	}
	s.applyUpsertLocked(id, vec, meta)
	return s.wal.MarkCommitted(off)
}

// Remove deletes the item for id and drops its index entry. Removing an
// absent id is a no-op, not an error.
func (s *Store) Remove(id string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.items[id]; !exists {
		return nil
	}

	off, err := s.wal.WriteDelete(id)
	if err != nil {
		return err
	}
	if _, err := s.dataFile.Write(encodeRecord(wal.OpDelete, id, nil)); err != nil {
		s.wal.MarkCommitted(off)
		return err
	}
	s.applyRemoveLocked(id)
	return s.wal.MarkCommitted(off)
}

// Get returns a copy of the item for id.
func (s *Store) Get(id string) (Item, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return Item{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return copyItem(item), nil
}

// AllIDs returns a restartable iterator over a sorted snapshot of the ids
// present when it was called.
func (s *Store) AllIDs() iter.Seq[string] {
	s.lock.RLock()
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	s.lock.RUnlock()
	sort.Strings(ids)

	return func(yield func(string) bool) {
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}

// Search answers a top-k query against the index, holding the store read lock
// so no write can interleave between store and index state.
func (s *Store) Search(query []float32, k int, exclude map[string]struct{}) ([]index.Result, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.idx.TopK(query, k, exclude)
}

// applyUpsertLocked mutates store and index together; the caller holds the
// write lock.
func (s *Store) applyUpsertLocked(id string, vec []float32, meta map[string]any) {
	item := Item{ID: id, Vector: make([]float32, len(vec)), Metadata: copyMeta(meta)}
	copy(item.Vector, vec)
	s.items[id] = item
	s.idx.NotifyUpsert(id, item.Vector)
}

func (s *Store) applyRemoveLocked(id string) {
	delete(s.items, id)
	s.idx.NotifyRemove(id)
}

func (s *Store) loadDataFile() error {
	if _, err := s.dataFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(s.dataFile)
	for {
		op, id, payload, err := readRecord(r)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// Truncated tail from an interrupted write; the WAL holds the
			// authoritative copy of anything lost here.
			break
		}
		if err != nil {
			return err
		}
		switch op {
		case wal.OpUpsert:
			meta, vec, err := decodePayload(payload, s.dim)
			if err != nil {
				return fmt.Errorf("record for %q: %w", id, err)
			}
			s.applyUpsertLocked(id, vec, meta)
		case wal.OpDelete:
			s.applyRemoveLocked(id)
		default:
			return fmt.Errorf("unknown record op 0x%02x", op)
		}
	}
	// Subsequent writes append after the last intact record.
	_, err := s.dataFile.Seek(0, io.SeekEnd)
	return err
}

func (s *Store) replayWAL() error {
	entries, err := s.wal.Replay()
	if err != nil {
		return err
	}
	for _, e := range entries {
		switch e.Op {
		case wal.OpUpsert:
			meta, vec, err := decodePayload(e.Value, s.dim)
			if err != nil {
				return fmt.Errorf("replay %q: %w", e.Key, err)
			}
			s.applyUpsertLocked(e.Key, vec, meta)
		case wal.OpDelete:
			s.applyRemoveLocked(e.Key)
		}
	}
	if len(entries) > 0 {
		s.logger.Info("replayed WAL entries", zap.Int("count", len(entries)))
		if err := s.checkpoint(); err != nil {
			return fmt.Errorf("checkpoint after replay: %w", err)
		}
	}
	return s.wal.Clear()
}

func (s *Store) autoCheckpoint() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !atomic.CompareAndSwapInt32(&s.flushRunning, 0, 1) {
				continue
			}
			if s.wal.ShouldCheckpoint() {
				if err := s.checkpoint(); err != nil {
					s.logger.Error("checkpoint failed", zap.Error(err))
				} else {
					s.wal.Clear()
				}
			}
			atomic.StoreInt32(&s.flushRunning, 0)
		case <-s.quitChan:
			return
		}
	}
}

// checkpoint compacts the data log: the live items are written to a temp
// file which then replaces the log atomically.
func (s *Store) checkpoint() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.checkpointLocked()
}

func (s *Store) checkpointLocked() error {
	tmpPath := s.dataPath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("create checkpoint file: %w", err)
	}

	w := bufio.NewWriter(tmp)
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		item := s.items[id]
		payload, err := encodePayload(item.Metadata, item.Vector)
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := w.Write(encodeRecord(wal.OpUpsert, id, payload)); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, s.dataPath); err != nil {
		return fmt.Errorf("swap checkpoint file: %w", err)
	}
	old := s.dataFile
	df, err := os.OpenFile(s.dataPath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return fmt.Errorf("reopen data file: %w", err)
	}
	if _, err := df.Seek(0, io.SeekEnd); err != nil {
		df.Close()
		return err
	}
	s.dataFile = df
	old.Close()
	return nil
}

// Close checkpoints once and releases the files. Safe to call repeatedly.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.quitChan)

		s.lock.Lock()
		s.closed = true
		if err := s.checkpointLocked(); err != nil {
			s.logger.Error("final checkpoint failed", zap.Error(err))
		}
		s.lock.Unlock()

		s.wal.Clear()
		s.wal.Close()

		s.lock.Lock()
		s.dataFile.Close()
		s.lock.Unlock()
	})
	return nil
}

func copyItem(item Item) Item {
	out := Item{ID: item.ID, Vector: make([]float32, len(item.Vector)), Metadata: copyMeta(item.Metadata)}
	copy(out.Vector, item.Vector)
	return out
}

func copyMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
