// Package spaces manages the named vector spaces of a server instance. Each
// space owns a durable store, a similarity index and a recommendation engine,
// and is described by an entry in metadata.json so it survives restarts.
package spaces

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kindreddb/kindred-server/internal/engine"
	"github.com/kindreddb/kindred-server/internal/index"
	"github.com/kindreddb/kindred-server/internal/storage"
	"github.com/kindreddb/kindred-server/internal/vector"
)

// SpaceConfig describes one space. Dimension and metric are fixed for the
// lifetime of the space.
type SpaceConfig struct {
	Name          string `json:"name"`
	Dimension     int    `json:"dimension"`
	Metric        string `json:"metric,omitempty"`
	Planes        int    `json:"planes,omitempty"`
	ScanThreshold int    `json:"scan_threshold,omitempty"`
	Seed          int64  `json:"seed,omitempty"`
}

// Space bundles the components serving one named space.
type Space struct {
	Meta         SpaceConfig
	Store        *storage.Store
	Engine       *engine.Engine
	interactions *engine.InteractionLog
}

func (sp *Space) Close() error {
	err := sp.Store.Close()
	if cerr := sp.interactions.Close(); err == nil {
		err = cerr
	}
	return err
}

type SpaceManager struct {
	lock         sync.RWMutex
	spaces       map[string]*Space
	metas        map[string]SpaceConfig
	baseDir      string
	metaFilePath string
	logger       *zap.Logger
}

func NewSpaceManager(basePath string, logger *zap.Logger) *SpaceManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	os.MkdirAll(basePath, 0755)

	manager := &SpaceManager{
		spaces:       make(map[string]*Space),
		metas:        make(map[string]SpaceConfig),
		baseDir:      basePath,
		metaFilePath: filepath.Join(basePath, "metadata.json"),
		logger:       logger,
	}
	manager.loadSpaceMetas()
	return manager
}

func (sm *SpaceManager) loadSpaceMetas() {
	data, err := os.ReadFile(sm.metaFilePath)
	if err != nil {
		return // file might not exist yet
	}
	var metas []SpaceConfig
	if err := json.Unmarshal(data, &metas); err != nil {
		sm.logger.Error("parse space metadata", zap.Error(err))
		return
	}
	for _, meta := range metas {
		sp, err := sm.openSpace(meta)
		if err != nil {
			sm.logger.Error("open space", zap.String("space", meta.Name), zap.Error(err))
			continue
		}
		sm.metas[meta.Name] = meta
		sm.spaces[meta.Name] = sp
	}
}

func (sm *SpaceManager) saveSpaceMetas() {
	metas := make([]SpaceConfig, 0, len(sm.metas))
	for _, meta := range sm.metas {
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	data, _ := json.MarshalIndent(metas, "", "  ")
	if err := os.WriteFile(sm.metaFilePath, data, 0644); err != nil {
		sm.logger.Error("save space metadata", zap.Error(err))
	}
}

func (sm *SpaceManager) openSpace(meta SpaceConfig) (*Space, error) {
	metric, err := vector.ParseMetric(meta.Metric)
	if err != nil {
		return nil, err
	}

	spacePath := filepath.Join(sm.baseDir, meta.Name)
	if err := os.MkdirAll(spacePath, 0755); err != nil {
		return nil, fmt.Errorf("create space dir: %w", err)
	}

	store, err := storage.Open(
		filepath.Join(spacePath, "vector_data.db"),
		filepath.Join(spacePath, "vector_wal.db"),
		meta.Dimension,
		metric,
		index.Options{Planes: meta.Planes, ScanThreshold: meta.ScanThreshold, Seed: meta.Seed},
		sm.logger.With(zap.String("space", meta.Name)),
	)
	if err != nil {
		return nil, err
	}

	interactions, err := engine.OpenInteractionLog(filepath.Join(spacePath, "interactions.log"))
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Space{
		Meta:         meta,
		Store:        store,
		Engine:       engine.New(store, interactions),
		interactions: interactions,
	}, nil
}

// GetSpace returns the open space for name.
func (sm *SpaceManager) GetSpace(name string) (*Space, bool) {
	sm.lock.RLock()
	defer sm.lock.RUnlock()
	sp, ok := sm.spaces[name]
	return sp, ok
}

// UseSpace is GetSpace with a caller-facing error.
func (sm *SpaceManager) UseSpace(name string) (*Space, error) {
	sm.lock.RLock()
	defer sm.lock.RUnlock()
	if sp, exists := sm.spaces[name]; exists {
		return sp, nil
	}
	return nil, errors.New("space not found")
}

// CreateSpace validates cfg, opens the space and persists its metadata.
func (sm *SpaceManager) CreateSpace(cfg SpaceConfig) (*Space, error) {
	if cfg.Name == "" {
		return nil, errors.New("space name required")
	}
	if cfg.Dimension < 1 {
		return nil, fmt.Errorf("dimension must be >= 1, got %d", cfg.Dimension)
	}
	if _, err := vector.ParseMetric(cfg.Metric); err != nil {
		return nil, err
	}

	sm.lock.Lock()
	defer sm.lock.Unlock()

	if _, exists := sm.metas[cfg.Name]; exists {
		return nil, errors.New("space already exists")
	}

	sp, err := sm.openSpace(cfg)
	if err != nil {
		return nil, err
	}

	sm.spaces[cfg.Name] = sp
	sm.metas[cfg.Name] = cfg
	sm.saveSpaceMetas()
	sm.logger.Info("space created",
		zap.String("space", cfg.Name),
		zap.Int("dimension", cfg.Dimension),
		zap.String("metric", cfg.Metric))
	return sp, nil
}

// DeleteSpace closes the space and removes its directory and metadata.
func (sm *SpaceManager) DeleteSpace(name string) error {
	sm.lock.Lock()
	defer sm.lock.Unlock()

	if _, exists := sm.metas[name]; !exists {
		return errors.New("space does not exist")
	}

	if sp, exists := sm.spaces[name]; exists {
		sp.Close()
		delete(sm.spaces, name)
	}

	if err := os.RemoveAll(filepath.Join(sm.baseDir, name)); err != nil {
		return fmt.Errorf("failed to delete space directory: %w", err)
	}

	delete(sm.metas, name)
	sm.saveSpaceMetas()
	sm.logger.Info("space deleted", zap.String("space", name))
	return nil
}

// ListSpaces returns the known space names in sorted order.
func (sm *SpaceManager) ListSpaces() []string {
	sm.lock.RLock()
	defer sm.lock.RUnlock()
	names := make([]string, 0, len(sm.metas))
	for name := range sm.metas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (sm *SpaceManager) CloseAll() {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	for name, sp := range sm.spaces {
		if err := sp.Close(); err != nil {
			sm.logger.Error("close space", zap.String("space", name), zap.Error(err))
		}
		delete(sm.spaces, name)
	}
}

// SpaceMeta returns the stored configuration for name.
func (sm *SpaceManager) SpaceMeta(name string) (SpaceConfig, bool) {
	sm.lock.RLock()
	defer sm.lock.RUnlock()
	meta, ok := sm.metas[name]
	return meta, ok
}
