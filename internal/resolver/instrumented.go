package resolver

import (
	"context"

	"github.com/italolelis/postdl/internal/telemetry"
)

// InstrumentedResolver wraps a Resolver with telemetry.
type InstrumentedResolver struct {
	resolver  Resolver
	telemetry *telemetry.Telemetry
	name      string
}

func NewInstrumentedResolver(r Resolver, tel *telemetry.Telemetry, name string) *InstrumentedResolver {
	return &InstrumentedResolver{resolver: r, telemetry: tel, name: name}
}

func (r *InstrumentedResolver) Resolve(ctx context.Context, link string) (*Result, error) {
	var result *Result

	err := r.telemetry.InstrumentClientOperation(ctx, r.name, "resolve", func(ctx context.Context) error {
		var err error
		result, err = r.resolver.Resolve(ctx, link)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedResolver) CountMedia(ctx context.Context, link string) (int, error) {
	var n int

	err := r.telemetry.InstrumentClientOperation(ctx, r.name, "count_media", func(ctx context.Context) error {
		var err error
		n, err = r.resolver.CountMedia(ctx, link)

		return err
	})

	return n, err
}

func (r *InstrumentedResolver) ResolvePostID(link string) (string, bool) {
	return r.resolver.ResolvePostID(link)
}

// Normalize delegates when the wrapped resolver rewrites URLs.
func (r *InstrumentedResolver) Normalize(link string) string {
	if n, ok := r.resolver.(Normalizer); ok {
		return n.Normalize(link)
	}

	return link
}
