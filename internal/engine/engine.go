// Package engine turns a user's interaction history into ranked
// recommendations: the interacted items' vectors are collapsed into a
// weighted centroid which is then run through the space's similarity index,
// excluding everything the user has already touched.
package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kindreddb/kindred-server/internal/index"
	"github.com/kindreddb/kindred-server/internal/storage"
	"github.com/kindreddb/kindred-server/internal/vector"
)

// ErrNoHistory reports a recommendation request for a user with no usable
// interactions. Recoverable: callers typically fall back to a default list.
var ErrNoHistory = errors.New("user has no interaction history")

// Engine computes recommendations for one space.
type Engine struct {
	store *storage.Store
	log   *InteractionLog
}

func New(store *storage.Store, log *InteractionLog) *Engine {
	return &Engine{store: store, log: log}
}

// Record appends one interaction to the log.
func (e *Engine) Record(user, item string, weight float64) error {
	return e.log.Append(user, item, weight)
}

// Recommend returns up to limit items ranked by similarity to the user's
// preference centroid, skipping items the user has interacted with. Items
// removed from the store since they were interacted with do not contribute;
// when nothing usable remains the request fails with ErrNoHistory.
func (e *Engine) Recommend(user string, limit int) ([]index.Result, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: limit must be >= 1, got %d", index.ErrInvalidArgument, limit)
	}

	history := e.log.ForUser(user)
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoHistory, user)
	}

	// Fixed accumulation order keeps the centroid reproducible for a given
	// history.
	items := make([]string, 0, len(history))
	for item := range history {
		items = append(items, item)
	}
	sort.Strings(items)

	exclude := make(map[string]struct{}, len(items))
	vectors := make([][]float32, 0, len(items))
	weights := make([]float64, 0, len(items))
	for _, id := range items {
		exclude[id] = struct{}{}
		item, err := e.store.Get(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		vectors = append(vectors, item.Vector)
		weights = append(weights, history[id])
	}

	centroid, ok := vector.WeightedCentroid(e.store.Dimension(), vectors, weights)
	if !ok {
		return nil, fmt.Errorf("%w: %q has no items left in the store", ErrNoHistory, user)
	}

	return e.store.Search(centroid, limit, exclude)
}
