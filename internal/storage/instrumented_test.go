package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/italolelis/postdl/internal/storage"
	"github.com/italolelis/postdl/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingKV struct{ err error }

func (f failingKV) Get(context.Context, string) (string, bool, error) { return "", false, f.err }
func (f failingKV) Put(context.Context, string, string) error         { return f.err }

func TestInstrumentedKV_PassThrough(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewInstrumentedKV(memory.NewKV(), nil)

	require.NoError(t, kv.Put(ctx, storage.KeyNextID, "5"))

	v, found, err := kv.Get(ctx, storage.KeyNextID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "5", v)
}

func TestInstrumentedKV_Errors(t *testing.T) {
	boom := errors.New("disk full")
	kv := storage.NewInstrumentedKV(failingKV{err: boom}, nil)

	_, found, err := kv.Get(context.Background(), storage.KeyTasks)
	assert.ErrorIs(t, err, boom)
	assert.False(t, found)
	assert.ErrorIs(t, kv.Put(context.Background(), storage.KeyTasks, "[]"), boom)
}
