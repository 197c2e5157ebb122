package pfc

import (
	"context"
	"log/slog"

	"github.com/xrdgo/xrdcl/internal/filehandler"
	"github.com/xrdgo/xrdcl/internal/status"
	"github.com/xrdgo/xrdcl/internal/xrdurl"
)

// fileUpstream adapts a filehandler.File bound to one URL to the narrow
// Upstream interface the cache reads through.
type fileUpstream struct {
	f   *filehandler.File
	url xrdurl.URL
}

func (u *fileUpstream) Open(ctx context.Context, flags uint32) status.Status {
	return u.f.OpenSync(ctx, u.url, flags)
}

func (u *fileUpstream) Read(ctx context.Context, offset int64, size int) ([]byte, status.Status) {
	return u.f.ReadSync(ctx, offset, size)
}

func (u *fileUpstream) Stat(ctx context.Context) (int64, status.Status) {
	return u.f.StatSync(ctx, false)
}

func (u *fileUpstream) Close(ctx context.Context, reason string) status.Status {
	return u.f.CloseSync(ctx, reason)
}

// QueryChecksum implements ChecksumQuerier, delegating to the underlying
// File's kXR_Qcksum query so Manager.Attach can net-verify a cinfo without
// this package needing to know about filehandler.File's transport details.
func (u *fileUpstream) QueryChecksum(ctx context.Context) (string, status.Status) {
	return u.f.QueryChecksum(ctx)
}

// NewPostMasterUpstreamFactory builds an UpstreamFactory that opens files
// through transport, one filehandler.File per Attach call — the cache
// treating the client core as "ordinary reads upstream" (spec.md §4.12).
func NewPostMasterUpstreamFactory(logger *slog.Logger, transport filehandler.Transport) UpstreamFactory {
	return func(url xrdurl.URL) Upstream {
		return &fileUpstream{f: filehandler.New(logger, transport), url: url}
	}
}
