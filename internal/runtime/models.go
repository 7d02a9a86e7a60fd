package runtime

import (
	"sort"
	"sync"
	"time"
)

// HandlerStats is a snapshot of one handler's dispatch counters.
type HandlerStats struct {
	Name           string    `json:"name"`
	Dispatched     uint64    `json:"dispatched"`
	Failed         uint64    `json:"failed"`
	LastError      string    `json:"last_error,omitempty"`
	LastDispatched time.Time `json:"last_dispatched"`
}

type dispatchStats struct {
	mu     sync.Mutex
	byName map[string]*HandlerStats
}

func newDispatchStats() *dispatchStats {
	return &dispatchStats{byName: make(map[string]*HandlerStats)}
}

func (s *dispatchStats) record(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, ok := s.byName[name]
	if !ok {
		stats = &HandlerStats{Name: name}
		s.byName[name] = stats
	}
	stats.Dispatched++
	if err != nil {
		stats.Failed++
		stats.LastError = err.Error()
	}
	stats.LastDispatched = time.Now().UTC()
}

func (s *dispatchStats) snapshot() []HandlerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]HandlerStats, 0, len(s.byName))
	for _, stats := range s.byName {
		out = append(out, *stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
