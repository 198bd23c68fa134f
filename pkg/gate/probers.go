package gate

import "context"

// Prober checks whether one asset is usable. A nil error means the asset is
// ready; any error counts as a failure. Probers should honour ctx, but the
// gate does not depend on it: a probe that never returns still settles when
// its timeout fires.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, url string) error

// Probe calls f(ctx, url).
func (f ProberFunc) Probe(ctx context.Context, url string) error { return f(ctx, url) }

// FontWaiter reports when every requested font face is ready.
type FontWaiter interface {
	Ready(ctx context.Context) error
}

// FontWaiterFunc adapts a function to FontWaiter.
type FontWaiterFunc func(ctx context.Context) error

// Ready calls f(ctx).
func (f FontWaiterFunc) Ready(ctx context.Context) error { return f(ctx) }

// Probers groups the host primitives used by a gate. A nil Fonts waiter
// means no faces were requested and the fonts unit settles immediately.
type Probers struct {
	Image Prober
	Video Prober
	Fonts FontWaiter
}

func (p Probers) forKind(k Kind) (Prober, error) {
	var pr Prober
	switch k {
	case KindImage:
		pr = p.Image
	case KindVideoMetadata:
		pr = p.Video
	default:
		return nil, ErrUnknownKind
	}
	if pr == nil {
		return nil, ErrNoProber
	}
	return pr, nil
}
