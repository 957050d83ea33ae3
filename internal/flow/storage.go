package flow

import (
	"encoding/json"
	"log/slog"
	"maps"
	"strconv"
	"sync"
)

// Keys written to Storage by the navigation core.
const (
	KeyCurrentPage     = "currentPage"
	KeyHistoryStates   = "historyStates"
	KeyScrollPositions = "scrollPositions"
)

// MemoryStorage is an in-process Storage.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

// Get implements Storage.
func (m *MemoryStorage) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Set implements Storage.
func (m *MemoryStorage) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Clear implements Storage.
func (m *MemoryStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.values)
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// SessionSnapshot is the durable projection of the navigation state.
type SessionSnapshot struct {
	Current Step
	History []Entry
	Scroll  map[Step]int
}

// LoadSnapshot reads the snapshot written by a previous page load. Missing or
// malformed values fall back to defaults: step 1, an empty history and an
// empty scroll map.
func LoadSnapshot(s Storage, totalSteps int, agentStep Step, logger *slog.Logger) SessionSnapshot {
	if logger == nil {
		logger = slog.Default()
	}
	snap := SessionSnapshot{Current: 1, Scroll: map[Step]int{}}
	valid := func(step Step) bool { return step >= 1 && int(step) <= totalSteps }

	if raw, ok := s.Get(KeyCurrentPage); ok {
		n, err := strconv.Atoi(raw)
		switch {
		case err != nil:
			logger.Warn("Ignoring unreadable current page", "value", raw, "error", err)
		case !valid(Step(n)):
			logger.Warn("Ignoring out of range current page", "step", n, "total_steps", totalSteps)
		default:
			snap.Current = Step(n)
		}
	}

	if raw, ok := s.Get(KeyHistoryStates); ok {
		var entries []Entry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			logger.Warn("Ignoring unreadable history states", "error", err)
		} else {
			seen := make(map[Step]bool, len(entries))
			for _, e := range entries {
				if !valid(e.Step) || seen[e.Step] {
					continue
				}
				seen[e.Step] = true
				snap.History = append(snap.History, e)
			}
		}
	}

	if raw, ok := s.Get(KeyScrollPositions); ok {
		var positions map[Step]int
		if err := json.Unmarshal([]byte(raw), &positions); err != nil {
			logger.Warn("Ignoring unreadable scroll positions", "error", err)
		} else {
			for step, y := range positions {
				if !valid(step) || step == agentStep || y < 0 {
					continue
				}
				snap.Scroll[step] = y
			}
		}
	}

	return snap
}

func writeJSON(s Storage, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(key, string(data))
}

func copyPositions(m map[Step]int) map[Step]int {
	out := make(map[Step]int, len(m))
	maps.Copy(out, m)
	return out
}
