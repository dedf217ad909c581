// Package memory provides a non-durable storage.KV, used in tests and for ephemeral runs.
package memory

import (
	"context"
	"sync"
)

type KV struct {
	mu     sync.RWMutex
	values map[string]string
	puts   int
}

func NewKV() *KV {
	return &KV{values: make(map[string]string)}
}

func (kv *KV) Get(_ context.Context, key string) (string, bool, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	v, ok := kv.values[key]

	return v, ok, nil
}

func (kv *KV) Put(_ context.Context, key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.values[key] = value
	kv.puts++

	return nil
}

// Puts returns how many writes the store has received.
func (kv *KV) Puts() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	return kv.puts
}
