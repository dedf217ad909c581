package storage

import (
	"context"

	"github.com/italolelis/postdl/internal/telemetry"
)

// InstrumentedKV wraps a KV with telemetry.
type InstrumentedKV struct {
	kv        KV
	telemetry *telemetry.Telemetry
}

// NewInstrumentedKV creates a new instrumented key-value store.
func NewInstrumentedKV(kv KV, tel *telemetry.Telemetry) *InstrumentedKV {
	return &InstrumentedKV{kv: kv, telemetry: tel}
}

// Get reads a key with telemetry.
func (s *InstrumentedKV) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)

	err := s.telemetry.InstrumentDBOperation(ctx, "kv_get", func(ctx context.Context) error {
		var err error
		value, found, err = s.kv.Get(ctx, key)

		return err
	})
	if err != nil {
		return "", false, err
	}

	return value, found, nil
}

// Put writes a key with telemetry.
func (s *InstrumentedKV) Put(ctx context.Context, key, value string) error {
	return s.telemetry.InstrumentDBOperation(ctx, "kv_put", func(ctx context.Context) error {
		return s.kv.Put(ctx, key, value)
	})
}
