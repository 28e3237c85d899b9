package stream

import "context"

type hubKey struct{}

// WithHub scopes hub to ctx; consumers find it with HubFromContext.
func WithHub(ctx context.Context, hub *Hub) context.Context {
	return context.WithValue(ctx, hubKey{}, hub)
}

// HubFromContext returns the hub scoped by WithHub or ErrNoHubScope.
func HubFromContext(ctx context.Context) (*Hub, error) {
	if ctx == nil {
		return nil, ErrNoHubScope
	}
	h, ok := ctx.Value(hubKey{}).(*Hub)
	if !ok || h == nil {
		return nil, ErrNoHubScope
	}
	return h, nil
}

// MustHub is HubFromContext for call sites where a missing scope is a
// wiring bug.
func MustHub(ctx context.Context) *Hub {
	h, err := HubFromContext(ctx)
	if err != nil {
		panic("stream: MustHub called outside a hub scope; wrap the context with stream.WithHub")
	}
	return h
}
