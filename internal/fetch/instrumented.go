package fetch

import (
	"context"

	"github.com/italolelis/postdl/internal/telemetry"
)

// InstrumentedFetcher wraps a Fetcher with telemetry.
type InstrumentedFetcher struct {
	fetcher   Fetcher
	telemetry *telemetry.Telemetry
}

func NewInstrumentedFetcher(f Fetcher, tel *telemetry.Telemetry) *InstrumentedFetcher {
	return &InstrumentedFetcher{fetcher: f, telemetry: tel}
}

func (f *InstrumentedFetcher) Fetch(ctx context.Context, req Request) (Result, error) {
	var res Result

	err := f.telemetry.InstrumentClientOperation(ctx, "http", "fetch", func(ctx context.Context) error {
		var err error
		res, err = f.fetcher.Fetch(ctx, req)

		return err
	})

	return res, err
}
