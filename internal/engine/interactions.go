package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/kindreddb/kindred-server/internal/index"
)

// InteractionRecord is one (user, item, weight) event, e.g. view=1.0,
// like=3.0. Records are append-only; weights for the same pair accumulate.
type InteractionRecord struct {
	User   string  `json:"user"`
	Item   string  `json:"item"`
	Weight float64 `json:"weight"`
	At     int64   `json:"at"`
}

// InteractionLog persists interaction records as JSON lines and keeps the
// per-user weight aggregation in memory.
type InteractionLog struct {
	file *os.File
	// user -> item -> summed weight
	byUser map[string]map[string]float64
	lock   sync.RWMutex
}

// OpenInteractionLog loads the log at path, creating it when absent. An
// unparseable tail (a torn append) ends the load without error and is
// truncated away, so the next append starts on a clean line instead of
// gluing itself onto the torn bytes.
func OpenInteractionLog(path string) (*InteractionLog, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("open interaction log: %w", err)
	}

	l := &InteractionLog{
		file:   file,
		byUser: make(map[string]map[string]float64),
	}

	// intact tracks the byte offset just past the last fully-parsed line.
	var intact int64
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			file.Close()
			return nil, fmt.Errorf("read interaction log: %w", err)
		}
		if len(line) > 0 {
			var rec InteractionRecord
			if jerr := json.Unmarshal(line, &rec); jerr != nil || err == io.EOF {
				// Torn tail: either garbage or a line the crash cut short.
				break
			}
			l.aggregate(rec)
			intact += int64(len(line))
		}
		if err == io.EOF {
			break
		}
	}
	if err := file.Truncate(intact); err != nil {
		file.Close()
		return nil, fmt.Errorf("truncate torn interaction log tail: %w", err)
	}
	return l, nil
}

// Append records one interaction. Weight must be positive.
func (l *InteractionLog) Append(user, item string, weight float64) error {
	if user == "" || item == "" {
		return fmt.Errorf("%w: user and item must be non-empty", index.ErrInvalidArgument)
	}
	if weight <= 0 {
		return fmt.Errorf("%w: weight must be positive, got %v", index.ErrInvalidArgument, weight)
	}

	rec := InteractionRecord{User: user, Item: item, Weight: weight, At: time.Now().Unix()}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	l.lock.Lock()
	defer l.lock.Unlock()
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	l.aggregate(rec)
	return nil
}

func (l *InteractionLog) aggregate(rec InteractionRecord) {
	items, ok := l.byUser[rec.User]
	if !ok {
		items = make(map[string]float64)
		l.byUser[rec.User] = items
	}
	items[rec.Item] += rec.Weight
}

// ForUser returns a copy of the item -> summed weight aggregation for user.
// Empty map when the user has no history.
func (l *InteractionLog) ForUser(user string) map[string]float64 {
	l.lock.RLock()
	defer l.lock.RUnlock()

	out := make(map[string]float64, len(l.byUser[user]))
	for item, w := range l.byUser[user] {
		out[item] = w
	}
	return out
}

func (l *InteractionLog) Close() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.file.Close()
}
