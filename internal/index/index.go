// Package index maintains the searchable structure behind every vector
// space. Entries are bucketed by a random-hyperplane signature so that top-k
// queries over large stores probe a handful of buckets instead of scanning
// every vector; small stores and under-filled probes fall back to an exact
// scan, so the result contract is identical in both regimes.
package index

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/kindreddb/kindred-server/internal/vector"
)

// ErrInvalidArgument reports a malformed query: k < 1 or a query vector whose
// dimension does not match the index.
var ErrInvalidArgument = errors.New("invalid argument")

// Result is a single search hit. Score semantics depend on the store metric;
// higher is always more similar.
type Result struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// entry binds an item id to its vector and bucket signature. Owned
// exclusively by the index; never handed out.
type entry struct {
	id  string
	vec []float32
	sig uint64
}

// Options tune the bucketing structure. Zero values select the defaults.
type Options struct {
	// Planes is the number of random hyperplanes per signature. Negative
	// disables bucketing entirely (every query is an exact scan).
	Planes int
	// ScanThreshold is the entry count at or below which queries always use
	// the exact scan.
	ScanThreshold int
	// Seed fixes the hyperplane RNG so that a space probes the same buckets
	// across restarts.
	Seed int64
}

const (
	defaultPlanes        = 16
	defaultScanThreshold = 512
	defaultSeed          = 0x5eed
	// maxProbeRing bounds the Hamming-distance rings probed before giving up
	// and scanning exactly.
	maxProbeRing = 2
	// candidateFactor is the oversampling ratio: probing stops once
	// k*candidateFactor candidates have been gathered.
	candidateFactor = 4
)

func (o Options) withDefaults() Options {
	if o.Planes == 0 {
		o.Planes = defaultPlanes
	}
	if o.Planes < 0 {
		o.Planes = 0
	}
	if o.ScanThreshold == 0 {
		o.ScanThreshold = defaultScanThreshold
	}
	if o.Seed == 0 {
		o.Seed = defaultSeed
	}
	return o
}

// Index answers top-k similarity queries over the entries the owning store
// pushes into it. Safe for concurrent readers; writes are serialized by the
// store's write lock on top of the index's own mutex.
type Index struct {
	dim     int
	metric  vector.Metric
	opts    Options
	planes  [][]float32
	entries *btree.BTreeG[*entry]
	buckets map[uint64]map[string]*entry
	lock    sync.RWMutex
}

// New creates an empty index for dim-sized vectors scored under metric.
func New(dim int, metric vector.Metric, opts Options) (*Index, error) {
	if dim < 1 {
		return nil, fmt.Errorf("%w: dimension must be >= 1, got %d", ErrInvalidArgument, dim)
	}
	opts = opts.withDefaults()
	if opts.Planes > 64 {
		return nil, fmt.Errorf("%w: at most 64 hyperplanes supported, got %d", ErrInvalidArgument, opts.Planes)
	}

	ix := &Index{
		dim:     dim,
		metric:  metric,
		opts:    opts,
		entries: btree.NewG(2, func(a, b *entry) bool { return a.id < b.id }),
		buckets: make(map[uint64]map[string]*entry),
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	ix.planes = make([][]float32, opts.Planes)
	for i := range ix.planes {
		p := make([]float32, dim)
		for j := range p {
			p[j] = float32(rng.NormFloat64())
		}
		ix.planes[i] = p
	}
	return ix, nil
}

// Dimension returns the fixed vector dimension of the index.
func (ix *Index) Dimension() int { return ix.dim }

// Len returns the number of indexed entries.
func (ix *Index) Len() int {
	ix.lock.RLock()
	defer ix.lock.RUnlock()
	return ix.entries.Len()
}

func (ix *Index) signature(v []float32) uint64 {
	var sig uint64
	for i, p := range ix.planes {
		if vector.Dot(v, p) >= 0 {
			sig |= 1 << uint(i)
		}
	}
	return sig
}

// NotifyUpsert inserts or replaces the entry for id. Called by the owning
// store under its write lock; repeated calls for the same id leave exactly
// one entry.
func (ix *Index) NotifyUpsert(id string, vec []float32) {
	ix.lock.Lock()
	defer ix.lock.Unlock()

	ix.dropLocked(id)

	e := &entry{id: id, vec: vec, sig: ix.signature(vec)}
	ix.entries.ReplaceOrInsert(e)
	bucket, ok := ix.buckets[e.sig]
	if !ok {
		bucket = make(map[string]*entry)
		ix.buckets[e.sig] = bucket
	}
	bucket[id] = e
}

// NotifyRemove drops the entry for id. No-op when absent.
func (ix *Index) NotifyRemove(id string) {
	ix.lock.Lock()
	defer ix.lock.Unlock()
	ix.dropLocked(id)
}

func (ix *Index) dropLocked(id string) {
	old, ok := ix.entries.Delete(&entry{id: id})
	if !ok {
		return
	}
	bucket := ix.buckets[old.sig]
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(ix.buckets, old.sig)
	}
}

// TopK returns at most k entries ordered by descending score, ties broken by
// ascending id. Entries in exclude are skipped. An empty index yields an
// empty result, not an error.
func (ix *Index) TopK(query []float32, k int, exclude map[string]struct{}) ([]Result, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be >= 1, got %d", ErrInvalidArgument, k)
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: query dimension mismatch: expected %d, got %d", ErrInvalidArgument, ix.dim, len(query))
	}

	ix.lock.RLock()
	defer ix.lock.RUnlock()

	n := ix.entries.Len()
	if n == 0 {
		return nil, nil
	}

	var candidates []*entry
	if len(ix.planes) == 0 || n <= ix.opts.ScanThreshold {
		candidates = ix.scanLocked(exclude)
	} else {
		candidates = ix.probeLocked(query, k, exclude)
		if len(candidates) < k {
			// Not enough neighbors inside the probed rings; fall back to the
			// exact scan so callers still get up to k results.
			candidates = ix.scanLocked(exclude)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	results := make([]Result, 0, len(candidates))
	for _, e := range candidates {
		results = append(results, Result{ID: e.id, Score: ix.metric.Score(query, e.vec)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// scanLocked gathers every non-excluded entry in ascending id order.
func (ix *Index) scanLocked(exclude map[string]struct{}) []*entry {
	out := make([]*entry, 0, ix.entries.Len())
	ix.entries.Ascend(func(e *entry) bool {
		if _, skip := exclude[e.id]; !skip {
			out = append(out, e)
		}
		return true
	})
	return out
}

// probeLocked gathers candidates from buckets in rings of increasing Hamming
// distance around the query signature, stopping once the oversampling target
// is met.
func (ix *Index) probeLocked(query []float32, k int, exclude map[string]struct{}) []*entry {
	sig := ix.signature(query)
	want := k * candidateFactor

	var out []*entry
	collect := func(bucketSig uint64) {
		for _, e := range ix.buckets[bucketSig] {
			if _, skip := exclude[e.id]; !skip {
				out = append(out, e)
			}
		}
	}

	collect(sig)
	for ring := 1; ring <= maxProbeRing && len(out) < want; ring++ {
		for _, mask := range ringMasks(len(ix.planes), ring) {
			collect(sig ^ mask)
		}
	}
	return out
}

// ringMasks enumerates every bitmask over nbits bits with exactly popcount
// set bits, in ascending numeric order (Gosper's hack) so probe order is
// deterministic.
func ringMasks(nbits, popcount int) []uint64 {
	limit := uint64(1) << uint(nbits)
	masks := make([]uint64, 0, 64)
	m := uint64(1)<<uint(popcount) - 1
	for m < limit {
		masks = append(masks, m)
		c := m & (^m + 1)
		r := m + c
		if r == 0 {
			break
		}
		m = (((r ^ m) >> 2) / c) | r
	}
	return masks
}
