package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// MemoryBackend keeps the whole tree in a map and flushes it to a single
// JSON file under the configured db root. It is the default backend for a
// standalone rack and the only one tests need.
type MemoryBackend struct {
	mu    sync.RWMutex
	data  map[string][]byte
	dirty bool
	path  string // empty: never persisted (pure in-memory, used by tests)
}

// NewMemoryBackend creates an empty in-memory backend with no persistence.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

// OpenFileBackend loads (or creates) a file-persisted memory backend rooted
// at dbPath. The snapshot file holds the entire store as one JSON object.
func OpenFileBackend(dbPath string) (*MemoryBackend, error) {
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, err
	}
	b := &MemoryBackend{data: make(map[string][]byte), path: filepath.Join(dbPath, "store.json")}

	raw, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return b, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot map[string]json.RawMessage
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, err
	}
	for k, v := range snapshot {
		b.data[k] = []byte(v)
	}
	return b, nil
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	b.data[key] = stored
	b.dirty = true
	return nil
}

func (b *MemoryBackend) Del(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; ok {
		delete(b.data, key)
		b.dirty = true
	}
	return nil
}

// Flush writes the snapshot file if anything changed since the last flush.
// A backend with no path never flushes.
func (b *MemoryBackend) Flush(ctx context.Context) error {
	b.mu.Lock()
	if !b.dirty || b.path == "" {
		b.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]json.RawMessage, len(b.data))
	for k, v := range b.data {
		snapshot[k] = json.RawMessage(v)
	}
	b.dirty = false
	b.mu.Unlock()

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return err
	}
	slog.Debug("flushed store snapshot", "path", b.path, "keys", len(snapshot))
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
