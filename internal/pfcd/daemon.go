// Package pfcd implements the body of the cmd/xrdcl-pfcd daemon: it reads
// the bootstrap + directive configuration, wires the OSS backend, the
// disk-backed block cache (C12), the throttle manager (C13), and a
// PostMaster-backed upstream, then blocks on OS signals the way the
// teacher's internal/agent.RunDaemon does — SIGTERM/SIGINT drain every
// collaborator in turn and return, SIGHUP reloads the directive file
// without restarting the process.
package pfcd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xrdgo/xrdcl/internal/config"
	"github.com/xrdgo/xrdcl/internal/oss"
	"github.com/xrdgo/xrdcl/internal/pfc"
	"github.com/xrdgo/xrdcl/internal/pki"
	"github.com/xrdgo/xrdcl/internal/postmaster"
	"github.com/xrdgo/xrdcl/internal/throttle"
	"github.com/xrdgo/xrdcl/internal/xrdurl"
)

func parseURLOrEmpty(raw string) (xrdurl.URL, error) {
	if raw == "" {
		return xrdurl.URL{}, nil
	}
	return xrdurl.Parse(raw)
}

// checksumPolicy adapts the directive-file `pfc.cschk` policy into pfc's
// own ChecksumPolicy type; kept as a conversion here rather than a shared
// type so internal/pfc stays independent of the directive-file format.
func checksumPolicy(p config.ChecksumPolicy) pfc.ChecksumPolicy {
	modes := make([]pfc.ChecksumMode, 0, len(p.Modes))
	for _, m := range p.Modes {
		modes = append(modes, pfc.ChecksumMode(m))
	}
	return pfc.ChecksumPolicy{Modes: modes, UVKeepLRU: p.UVKeepLRU, UVKeepTime: p.UVKeepTime}
}

// Daemon owns the long-lived collaborators a running xrdcl-pfcd process
// needs: the PostMaster, the cache manager, and the throttle gate.
type Daemon struct {
	logger *slog.Logger

	pm          *postmaster.PostMaster
	cache       *pfc.Manager
	thr         *throttle.Manager
	concurrency int
}

// New builds every collaborator from a bootstrap file + its referenced
// directive file, but does not start background loops yet — call Run for
// that.
func New(bootstrapPath string, logger *slog.Logger) (*Daemon, error) {
	boot, err := config.LoadBootstrap(bootstrapPath)
	if err != nil {
		return nil, fmt.Errorf("pfcd: loading bootstrap: %w", err)
	}
	dirs, err := config.ParseDirectives(boot.DirectiveFile)
	if err != nil {
		return nil, fmt.Errorf("pfcd: loading directives: %w", err)
	}
	return build(boot, dirs, logger)
}

func build(boot *config.Bootstrap, dirs config.Directives, logger *slog.Logger) (*Daemon, error) {
	if err := os.MkdirAll(boot.Cache.MetaRoot, 0o755); err != nil {
		return nil, fmt.Errorf("pfcd: creating meta root: %w", err)
	}
	metaFS := oss.NewLocalFS(boot.Cache.MetaRoot)

	// The data space is local disk by default; naming a bucket swaps in
	// the S3 backend. The meta space (cinfo, dirstate) always stays local:
	// it is small, latency-sensitive, and rewritten on every bitmap commit.
	var dataFS oss.FS
	if boot.Cache.S3Bucket != "" {
		s3fs, err := oss.NewS3FS(context.Background(), boot.Cache.S3Bucket, boot.Cache.S3Prefix, boot.Cache.S3Endpoint)
		if err != nil {
			return nil, fmt.Errorf("pfcd: building S3 data space: %w", err)
		}
		dataFS = s3fs
	} else {
		if err := os.MkdirAll(boot.Cache.DataRoot, 0o755); err != nil {
			return nil, fmt.Errorf("pfcd: creating data root: %w", err)
		}
		dataFS = oss.NewLocalFS(boot.Cache.DataRoot)
	}

	pm := postmaster.New(logger, 3, time.Second)
	if boot.TLS.Cert != "" && boot.TLS.Key != "" && boot.TLS.CAFile != "" {
		tlsConfig, err := pki.NewClientTLSConfig(boot.TLS.CAFile, boot.TLS.Cert, boot.TLS.Key)
		if err != nil {
			pm.Finalize()
			return nil, fmt.Errorf("pfcd: building TLS config: %w", err)
		}
		pm.SetTLSConfig(tlsConfig)
	}
	pm.SetSessionLogDir(boot.Logging.SessionLogDir)
	upstream := pfc.NewPostMasterUpstreamFactory(logger, pm)

	cache := pfc.NewManager(logger, dataFS, metaFS, pfc.Options{
		BlockSize:           dirs.BlockSize,
		RAMBudget:           dirs.RAM,
		PrefetchBlocks:      dirs.Prefetch,
		PrefetchConcurrency: 4,
		WriterThreads:       dirs.WriteQueue.Threads,
		WriteQueueDepth:     dirs.WriteQueue.Depth,
		Checksum:            checksumPolicy(dirs.Checksum),
	}, upstream)

	// The watermark purge samples local disk usage under the data root; an
	// object-backed data space has no meaningful local usage to watch, so
	// the loop only runs for a local data space.
	if boot.Cache.S3Bucket == "" {
		if err := cache.StartPurge(logger, pfc.PurgeConfig{
			RootPath:      boot.Cache.DataRoot,
			LowWatermark:  dirs.DiskUsage.LowWatermark,
			HighWatermark: dirs.DiskUsage.HighWatermark,
			Interval:      dirs.DiskUsage.PurgeInterval,
		}); err != nil {
			pm.Finalize()
			return nil, fmt.Errorf("pfcd: starting purge loop: %w", err)
		}
	} else if logger != nil {
		logger.Info("pfcd: data space is object-backed, watermark purge disabled", "bucket", boot.Cache.S3Bucket)
	}

	var thr *throttle.Manager
	if dirs.Throttle.ByteRate > 0 || dirs.Throttle.OpRate > 0 {
		thr = throttle.New(logger, throttle.Config{
			BytesPerSecond: dirs.Throttle.ByteRate,
			OpsPerSecond:   dirs.Throttle.OpRate,
			Concurrency:    dirs.Throttle.Concurrency,
			Interval:       dirs.Throttle.Interval,
			LoadShedHost:   dirs.Throttle.LoadShedHost,
			LoadShedFreq:   dirs.Throttle.LoadShedFreq,
		})
	}

	return &Daemon{logger: logger, pm: pm, cache: cache, thr: thr, concurrency: dirs.Throttle.Concurrency}, nil
}

// Attach opens a cache-fronted file for a caller, applying the throttle
// gate first when one is configured — the integration point an HTTP
// gateway or a local FUSE mount would call through. The per-entity
// open-file cap (throttle.concurrency) is taken here and must be returned
// via Detach.
func (d *Daemon) Attach(ctx context.Context, rawURL, path, uid string, size int64) (*pfc.CacheFile, error) {
	if d.thr != nil {
		if st := d.thr.AcquireOpenFile(uid, d.concurrency); !st.IsOK() {
			return nil, fmt.Errorf("pfcd: open-file cap: %w", st)
		}
		if st := d.thr.Apply(ctx, size, 1, uid); !st.IsOK() {
			d.thr.ReleaseOpenFile(uid)
			return nil, fmt.Errorf("pfcd: throttled: %w", st)
		}
	}
	u, err := parseURLOrEmpty(rawURL)
	if err != nil {
		if d.thr != nil {
			d.thr.ReleaseOpenFile(uid)
		}
		return nil, err
	}
	cf, st := d.cache.Attach(ctx, u, path)
	if !st.IsOK() {
		if d.thr != nil {
			d.thr.ReleaseOpenFile(uid)
		}
		return nil, fmt.Errorf("pfcd: attach %s: %w", rawURL, st)
	}
	return cf, nil
}

// Detach releases the caller's cache reference and returns uid's open-file
// cap slot taken at Attach.
func (d *Daemon) Detach(cf *pfc.CacheFile, uid string) {
	cf.Detach()
	if d.thr != nil {
		d.thr.ReleaseOpenFile(uid)
	}
}

// Stop tears down every background loop and the PostMaster; safe to call
// once, normally from Run's shutdown path.
func (d *Daemon) Stop() {
	d.cache.Close()
	if d.thr != nil {
		d.thr.Stop()
	}
	d.pm.Finalize()
}

// Run blocks until SIGTERM/SIGINT, draining gracefully; SIGHUP rebuilds
// every collaborator from the directive file without process restart,
// mirroring the teacher's daemon reload path.
func Run(boot *config.Bootstrap, logger *slog.Logger) error {
	dirs, err := config.ParseDirectives(boot.DirectiveFile)
	if err != nil {
		return fmt.Errorf("pfcd: loading directives: %w", err)
	}

	d, err := build(boot, dirs, logger)
	if err != nil {
		return err
	}
	logger.Info("xrdcl-pfcd started",
		"data_root", boot.Cache.DataRoot, "meta_root", boot.Cache.MetaRoot,
		"block_size", dirs.BlockSize, "ram_budget", dirs.RAM)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading directive file", "path", boot.DirectiveFile)
			newDirs, err := config.ParseDirectives(boot.DirectiveFile)
			if err != nil {
				logger.Error("reload failed, keeping current directives", "error", err)
				continue
			}
			d.Stop()
			d, err = build(boot, newDirs, logger)
			if err != nil {
				return fmt.Errorf("pfcd: rebuilding after reload: %w", err)
			}
			dirs = newDirs
			logger.Info("directives reloaded", "block_size", dirs.BlockSize)
			continue
		}

		logger.Info("received signal, shutting down", "signal", sig)
		d.Stop()
		return nil
	}
}
