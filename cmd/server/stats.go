package server

import (
	"runtime"
	"time"
)

var startTime = time.Now()

// statusSnapshot feeds the STATUS query: process runtime stats plus server
// and space counters.
func (s *Server) statusSnapshot() map[string]any {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	spaceNames := s.spaceManager.ListSpaces()
	spaceStats := make(map[string]any, len(spaceNames))
	for _, name := range spaceNames {
		sp, ok := s.spaceManager.GetSpace(name)
		if !ok {
			continue
		}
		meta := sp.Meta
		spaceStats[name] = map[string]any{
			"dimension": meta.Dimension,
			"metric":    meta.Metric,
			"vectors":   sp.Store.Len(),
		}
	}

	return map[string]any{
		"uptime_seconds":     int64(time.Since(startTime).Seconds()),
		"goroutines":         runtime.NumGoroutine(),
		"heap_alloc_bytes":   mem.HeapAlloc,
		"heap_sys_bytes":     mem.HeapSys,
		"gc_cycles":          mem.NumGC,
		"active_connections": s.connManager.Active(),
		"max_connections":    s.connManager.Max(),
		"spaces":             spaceStats,
	}
}
