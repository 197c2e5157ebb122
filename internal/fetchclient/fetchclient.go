// Package fetchclient implements the body of the cmd/xrdcl-fetch CLI: it
// opens a PostMaster-backed File State Handler against a root:// URL,
// reads it to completion, and reports progress — the library-style
// internal/ implementation behind a thin cmd/ main(), the same split the
// teacher keeps between cmd/nbackup-agent and internal/agent.
package fetchclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/xrdgo/xrdcl/internal/filehandler"
	"github.com/xrdgo/xrdcl/internal/pki"
	"github.com/xrdgo/xrdcl/internal/postmaster"
	"github.com/xrdgo/xrdcl/internal/status"
	"github.com/xrdgo/xrdcl/internal/xrdurl"
)

// readChunk is the size of each Read() call against the remote file,
// chosen to match the cache's default block size so a proxy sitting in
// front of the data server sees whole-block requests.
const readChunk = 1 << 20

// Options controls one Fetch call.
type Options struct {
	JobPoolSize    int
	TaskResolution time.Duration
	ReadTimeout    time.Duration
	ShowProgress   bool

	// TLSCert, TLSKey, TLSCACert, if all set, build the mTLS client config
	// Fetch installs for a roots:// URL; a plain root:// URL ignores them.
	TLSCert, TLSKey, TLSCACert string
}

func (o Options) withDefaults() Options {
	if o.JobPoolSize <= 0 {
		o.JobPoolSize = 3
	}
	if o.TaskResolution <= 0 {
		o.TaskResolution = time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	return o
}

// Fetch opens rawURL, reads it in readChunk-sized pieces, and writes the
// bytes to w. It returns the total byte count transferred.
func Fetch(ctx context.Context, rawURL string, w io.Writer, logger *slog.Logger, opts Options) (int64, error) {
	opts = opts.withDefaults()

	u, err := xrdurl.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("fetchclient: parsing url: %w", err)
	}

	pm := postmaster.New(logger, opts.JobPoolSize, opts.TaskResolution)
	defer pm.Finalize()

	if opts.TLSCert != "" && opts.TLSKey != "" && opts.TLSCACert != "" {
		tlsConfig, err := pki.NewClientTLSConfig(opts.TLSCACert, opts.TLSCert, opts.TLSKey)
		if err != nil {
			return 0, fmt.Errorf("fetchclient: building TLS config: %w", err)
		}
		pm.SetTLSConfig(tlsConfig)
	}

	f := filehandler.New(logger, pm)
	if st := f.OpenSync(ctx, u, 0 /* read-only */); !st.IsOK() {
		return 0, fmt.Errorf("fetchclient: open %s: %w", rawURL, st)
	}
	defer func() { _ = f.CloseSync(ctx, "fetch complete") }()

	size, st := f.StatSync(ctx, true)
	if !st.IsOK() {
		return 0, fmt.Errorf("fetchclient: stat %s: %w", rawURL, st)
	}

	var progress *Reporter
	if opts.ShowProgress {
		progress = NewReporter(rawURL, size)
		defer progress.Stop()
	}

	var offset int64
	for offset < size {
		want := readChunk
		if size-offset < int64(want) {
			want = int(size - offset)
		}
		buf, st := f.ReadSync(ctx, offset, want)
		if !st.IsOK() {
			return offset, fmt.Errorf("fetchclient: read at %d: %w", offset, st)
		}
		if len(buf) == 0 {
			break
		}
		if _, err := w.Write(buf); err != nil {
			return offset, fmt.Errorf("fetchclient: writing output: %w", err)
		}
		offset += int64(len(buf))
		if progress != nil {
			progress.AddBytes(int64(len(buf)))
		}
		if len(buf) < want {
			break
		}
	}

	if logger != nil {
		logger.Info("fetch complete", "url", rawURL, "bytes", offset)
	}
	return offset, nil
}

// StatusExitCode maps a status.Status to a process exit code the way the
// teacher's cmd/ mains map a plain error to os.Exit(1) — kept as a
// separate function so richer mappings (throttled vs. not-found) can grow
// without touching main().
func StatusExitCode(st status.Status) int {
	if st.IsOK() {
		return 0
	}
	return 1
}
