// Package store implements the CS config store (spec §4.7): a key→typed-value
// tree interface with transactional read-modify-write, backed by either an
// in-memory file-flushed backend or Redis. Each key carries the static type
// of its value, so get/insert/remove are type-checked at the call site.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned by raw backend reads for absent keys; the typed
// Get surfaces absence as a nil value instead.
var ErrNotFound = errors.New("store: key not found")

// ErrTxnAborted is returned from Tree.Update when the closure aborted the
// transaction for a user-visible conflict (e.g. "cannot reassign a probe
// that's already assigned"). Wrap it with the conflict detail.
var ErrTxnAborted = errors.New("store: transaction aborted")

// Backend is the raw byte-level persistence a Tree runs on. Keys are
// namespaced by tree name before they reach a backend.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
	// Flush forces buffered writes to durable storage. Called periodically
	// by the Store and once more on Close.
	Flush(ctx context.Context) error
	Close() error
}

// Key is a typed key: the static type parameter is the contract that the
// bytes stored under it decode into T.
type Key[T any] struct {
	name string
}

// NewKey declares a typed key. Keys are package-level constants in keys.go;
// declaring ad-hoc keys at call sites defeats the type-check.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

func (k Key[T]) String() string { return k.name }

// Tree is one logical namespace of the store ("config" or "credentials").
// All transactions on a tree are serialized by its mutex; plain reads and
// writes go straight to the backend.
type Tree struct {
	name    string
	backend Backend

	txnMu sync.Mutex
}

func (t *Tree) fullKey(name string) string { return t.name + "/" + name }

// Get returns the decoded value for key, or nil if the key is absent.
func Get[T any](ctx context.Context, t *Tree, key Key[T]) (*T, error) {
	raw, err := t.backend.Get(ctx, t.fullKey(key.name))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", key.name, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", key.name, err)
	}
	return &v, nil
}

// Insert stores value under key, overwriting any previous value.
func Insert[T any](ctx context.Context, t *Tree, key Key[T], value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key.name, err)
	}
	if err := t.backend.Set(ctx, t.fullKey(key.name), raw); err != nil {
		return fmt.Errorf("store: insert %s: %w", key.name, err)
	}
	return nil
}

// Remove deletes key and returns its previous value, or nil if it was
// absent.
func Remove[T any](ctx context.Context, t *Tree, key Key[T]) (*T, error) {
	prev, err := Get(ctx, t, key)
	if err != nil {
		return nil, err
	}
	if err := t.backend.Del(ctx, t.fullKey(key.name)); err != nil {
		return nil, fmt.Errorf("store: remove %s: %w", key.name, err)
	}
	return prev, nil
}

// Txn buffers writes made inside an Update closure; nothing touches the
// backend until the closure returns nil.
type Txn struct {
	tree    *Tree
	ctx     context.Context
	pending map[string]*[]byte // nil entry value: deletion
}

// TxnGet reads through the transaction's pending writes, falling back to
// the backend for untouched keys.
func TxnGet[T any](txn *Txn, key Key[T]) (*T, error) {
	if raw, ok := txn.pending[key.name]; ok {
		if raw == nil {
			return nil, nil
		}
		var v T
		if err := json.Unmarshal(*raw, &v); err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", key.name, err)
		}
		return &v, nil
	}
	return Get(txn.ctx, txn.tree, key)
}

// TxnInsert records a pending write.
func TxnInsert[T any](txn *Txn, key Key[T], value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key.name, err)
	}
	txn.pending[key.name] = &raw
	return nil
}

// TxnRemove records a pending deletion.
func TxnRemove[T any](txn *Txn, key Key[T]) {
	txn.pending[key.name] = nil
}

// Update runs fn as a transaction against this tree: reads see pending
// writes, and all writes are applied only if fn returns nil. Returning any
// error (conventionally wrapping ErrTxnAborted for user-visible conflicts)
// discards every pending write.
func (t *Tree) Update(ctx context.Context, fn func(txn *Txn) error) error {
	t.txnMu.Lock()
	defer t.txnMu.Unlock()

	txn := &Txn{tree: t, ctx: ctx, pending: make(map[string]*[]byte)}
	if err := fn(txn); err != nil {
		return err
	}

	for name, raw := range txn.pending {
		full := t.fullKey(name)
		if raw == nil {
			if err := t.backend.Del(ctx, full); err != nil {
				return fmt.Errorf("store: txn apply del %s: %w", name, err)
			}
			continue
		}
		if err := t.backend.Set(ctx, full, *raw); err != nil {
			return fmt.Errorf("store: txn apply set %s: %w", name, err)
		}
	}
	return nil
}

// Store owns the two logical trees and the shared backend, plus the
// periodic flusher that provides the at-least-flush_every durability
// guarantee.
type Store struct {
	Config      *Tree
	Credentials *Tree

	backend   Backend
	stopFlush chan struct{}
	flushDone chan struct{}
}

// Open wraps a backend into a Store and starts the periodic flusher.
func Open(backend Backend, flushEvery time.Duration) *Store {
	s := &Store{
		Config:      &Tree{name: "config", backend: backend},
		Credentials: &Tree{name: "credentials", backend: backend},
		backend:     backend,
		stopFlush:   make(chan struct{}),
		flushDone:   make(chan struct{}),
	}
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	go s.flushLoop(flushEvery)
	return s
}

func (s *Store) flushLoop(every time.Duration) {
	defer close(s.flushDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.backend.Flush(context.Background())
		case <-s.stopFlush:
			return
		}
	}
}

// Close stops the flusher, flushes once more, and closes the backend
// (flush-on-drop, spec §4.7).
func (s *Store) Close() error {
	close(s.stopFlush)
	<-s.flushDone
	if err := s.backend.Flush(context.Background()); err != nil {
		return err
	}
	return s.backend.Close()
}
