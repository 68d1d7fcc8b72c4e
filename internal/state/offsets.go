package state

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/asheshgoplani/topicdeck/internal/logging"
)

var storageLog = logging.ForComponent(logging.CompStorage)

// SessionKey builds the offset key for one tracked transcript. The window id
// is part of the key so a transcript re-used by a recreated window starts
// fresh.
func SessionKey(windowID, transcriptPath string) string {
	return windowID + "|" + transcriptPath
}

// WindowFromKey returns the window id half of a SessionKey.
func WindowFromKey(key string) string {
	if i := strings.IndexByte(key, '|'); i >= 0 {
		return key[:i]
	}
	return key
}

type offsetsFile struct {
	Offsets map[string]int64 `json:"offsets"`
}

// OffsetStore persists the last-read byte offset per tracked session in
// monitor_state.json. It stores and reports; deciding what to do on
// truncation is the caller's job.
type OffsetStore struct {
	path string

	mu      sync.RWMutex
	offsets map[string]int64
}

// OpenOffsetStore loads path. A missing or unreadable file gives an empty
// store; the error is logged, never returned.
func OpenOffsetStore(path string) *OffsetStore {
	s := &OffsetStore{path: path, offsets: make(map[string]int64)}

	var f offsetsFile
	ok, err := ReadJSON(path, &f)
	if err != nil {
		storageLog.Warn("offsets_load_failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return s
	}
	if ok && f.Offsets != nil {
		for k, v := range f.Offsets {
			if v >= 0 {
				s.offsets[k] = v
			}
		}
	}
	return s
}

// Get returns the stored offset or 0.
func (s *OffsetStore) Get(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsets[key]
}

// Has reports whether key has a stored offset.
func (s *OffsetStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.offsets[key]
	return ok
}

// Set stores offset and rewrites the file.
func (s *OffsetStore) Set(key string, offset int64) error {
	if offset < 0 {
		offset = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.offsets[key]; ok && cur == offset {
		return nil
	}
	s.offsets[key] = offset
	return s.flushLocked()
}

// IsTruncated reports whether the file shrank below what was already read.
func (s *OffsetStore) IsTruncated(key string, size int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return size < s.offsets[key]
}

// Delete forgets key.
func (s *OffsetStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offsets[key]; !ok {
		return nil
	}
	delete(s.offsets, key)
	return s.flushLocked()
}

// Prune drops every key for which keep returns false and returns the
// dropped keys.
func (s *OffsetStore) Prune(keep func(key string) bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped []string
	for k := range s.offsets {
		if !keep(k) {
			dropped = append(dropped, k)
		}
	}
	if len(dropped) == 0 {
		return nil, nil
	}
	sort.Strings(dropped)
	for _, k := range dropped {
		delete(s.offsets, k)
	}
	return dropped, s.flushLocked()
}

// Keys returns all stored keys in sorted order.
func (s *OffsetStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.offsets))
	for k := range s.offsets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *OffsetStore) flushLocked() error {
	snapshot := make(map[string]int64, len(s.offsets))
	for k, v := range s.offsets {
		snapshot[k] = v
	}
	return WriteJSONAtomic(s.path, offsetsFile{Offsets: snapshot})
}
