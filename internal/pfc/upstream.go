package pfc

import (
	"context"

	"github.com/xrdgo/xrdcl/internal/status"
	"github.com/xrdgo/xrdcl/internal/xrdurl"
)

// Upstream is the narrow capability the cache needs from an open file: the
// File State Handler (C11), bound to one URL, with synchronous entry
// points. Kept as an interface (rather than importing internal/filehandler
// directly) so pfc stays usable against a fake in tests and doesn't need
// to know about PostMaster wiring.
type Upstream interface {
	Open(ctx context.Context, flags uint32) status.Status
	Read(ctx context.Context, offset int64, size int) ([]byte, status.Status)
	Stat(ctx context.Context) (int64, status.Status)
	Close(ctx context.Context, reason string) status.Status
}

// UpstreamFactory builds an Upstream bound to url — the cache's plugin-style
// "consumes the client as its upstream" contract (spec.md §4.12).
type UpstreamFactory func(url xrdurl.URL) Upstream
