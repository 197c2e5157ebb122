// Package oss defines the OSS file-system interface the cache consumes
// (spec.md §6) and provides a local-disk implementation; internal/oss
// also hosts an S3-backed implementation for the "data" space.
package oss

import (
	"context"
	"io"
	"time"
)

// StatVS mirrors the OSS space-usage query the purge loop (C12) reads.
type StatVS struct {
	TotalBytes int64
	FreeBytes  int64
}

// FileInfo is the subset of stat(2) fields the cache needs.
type FileInfo struct {
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// File is a single open OSS file handle.
type File interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Close() error
}

// Dir is a single open OSS directory handle.
type Dir interface {
	Readdir() ([]string, error)
	Close() error
}

// FS is the OSS abstraction: the cache's only disk access path, loaded at
// startup per the configured `pfc.spaces` directive.
type FS interface {
	Open(ctx context.Context, path string) (File, error)
	Create(ctx context.Context, path string, size int64) (File, error)
	NewFile(ctx context.Context, path string) (File, error)
	NewDir(ctx context.Context, path string) (Dir, error)
	Opendir(ctx context.Context, path string) (Dir, error)
	Stat(ctx context.Context, path string) (FileInfo, error)
	StatVS(ctx context.Context, space string) (StatVS, error)
	Unlink(ctx context.Context, path string) error
	Mkdir(ctx context.Context, path string) error
}
