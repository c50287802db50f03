package subscriber

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Offset retention. A position saved mid-generation goes stale quickly
// because the tail it points into is still moving; settled history keeps
// its position far longer.
const (
	HistoryTTL          = 7 * 24 * time.Hour
	ActiveGenerationTTL = time.Hour
)

// SavedOffset is a subscriber's resume position for one session.
type SavedOffset struct {
	Offset           string    `json:"offset"`
	Cursor           string    `json:"cursor,omitempty"`
	ActiveGeneration bool      `json:"activeGeneration,omitempty"`
	SavedAt          time.Time `json:"savedAt"`
}

// Expired reports whether the position is too old to trust.
func (o SavedOffset) Expired(now time.Time) bool {
	ttl := HistoryTTL
	if o.ActiveGeneration {
		ttl = ActiveGenerationTTL
	}
	return now.Sub(o.SavedAt) > ttl
}

// OffsetStore persists resume positions between subscriber runs.
type OffsetStore interface {
	Load(sessionID string) (SavedOffset, bool, error)
	Save(sessionID string, off SavedOffset) error
}

// MemoryOffsets keeps positions for the life of the process.
type MemoryOffsets struct {
	mu      sync.Mutex
	offsets map[string]SavedOffset
}

// NewMemoryOffsets returns an empty in-memory offset store.
func NewMemoryOffsets() *MemoryOffsets {
	return &MemoryOffsets{offsets: make(map[string]SavedOffset)}
}

func (m *MemoryOffsets) Load(sessionID string) (SavedOffset, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, ok := m.offsets[sessionID]
	return off, ok, nil
}

func (m *MemoryOffsets) Save(sessionID string, off SavedOffset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets[sessionID] = off
	return nil
}

// FileOffsets persists positions as a JSON map, rewritten atomically on
// every save so a crash never leaves a torn file.
type FileOffsets struct {
	path string

	mu      sync.Mutex
	offsets map[string]SavedOffset
}

// NewFileOffsets loads (or initializes) the offset file at path.
func NewFileOffsets(path string) (*FileOffsets, error) {
	f := &FileOffsets{path: path, offsets: make(map[string]SavedOffset)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read offset file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &f.offsets); err != nil {
			return nil, fmt.Errorf("malformed offset file %s: %w", path, err)
		}
	}
	return f, nil
}

func (f *FileOffsets) Load(sessionID string) (SavedOffset, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	off, ok := f.offsets[sessionID]
	return off, ok, nil
}

func (f *FileOffsets) Save(sessionID string, off SavedOffset) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.offsets[sessionID] = off
	data, err := json.MarshalIndent(f.offsets, "", "  ")
	if err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write offset file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace offset file: %w", err)
	}
	return nil
}

// Path returns where the offsets live, for diagnostics.
func (f *FileOffsets) Path() string {
	return filepath.Clean(f.path)
}
