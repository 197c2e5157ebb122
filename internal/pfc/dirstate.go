package pfc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/xrdgo/xrdcl/internal/oss"
)

// FileStats is DirState's per-file bookkeeping used to rank purge
// candidates (LRU weighted by "cold files" policy, spec.md §4.12).
type FileStats struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
}

// DirStateSnapshot is the JSON-serializable view of DirState, written
// through the OSS meta space the way the original plugin persists its
// directory-level counters (spec.md §3's "snapshotable to JSON").
type DirStateSnapshot struct {
	BytesHit        int64                 `json:"bytes_hit"`
	BytesMissed     int64                 `json:"bytes_missed"`
	BytesBypassed   int64                 `json:"bytes_bypassed"`
	BytesWritten    int64                 `json:"bytes_written"`
	StBlocksAdded   int64                 `json:"st_blocks_added"`
	StBlocksRemoved int64                 `json:"st_blocks_removed"`
	FileCount       int                   `json:"file_count"`
	DirCount        int                   `json:"dir_count"`
	ChecksumErrors  int64                 `json:"checksum_errors"`
	Files           map[string]FileStats  `json:"files"`
}

// DirState holds the hierarchical counters the purge loop and monitoring
// reporting consume.
type DirState struct {
	mu sync.Mutex

	bytesHit        int64
	bytesMissed     int64
	bytesBypassed   int64
	bytesWritten    int64
	stBlocksAdded   int64
	stBlocksRemoved int64
	dirCount        int
	checksumErrors  int64

	files map[string]FileStats
}

func NewDirState() *DirState {
	return &DirState{files: make(map[string]FileStats)}
}

func (d *DirState) RecordHit(n int64) {
	d.mu.Lock()
	d.bytesHit += n
	d.mu.Unlock()
}

func (d *DirState) RecordMiss(n int64) {
	d.mu.Lock()
	d.bytesMissed += n
	d.mu.Unlock()
}

func (d *DirState) RecordBypass(n int64) {
	d.mu.Lock()
	d.bytesBypassed += n
	d.mu.Unlock()
}

func (d *DirState) RecordWrite(n int64) {
	d.mu.Lock()
	d.bytesWritten += n
	d.stBlocksAdded++
	d.mu.Unlock()
}

func (d *DirState) RecordChecksumError() {
	d.mu.Lock()
	d.checksumErrors++
	d.mu.Unlock()
}

// Touch registers (or updates) a cached file's size/last-access for purge
// ranking.
func (d *DirState) Touch(path string, size int64) {
	d.mu.Lock()
	d.files[path] = FileStats{Path: path, Size: size, LastAccess: time.Now()}
	d.mu.Unlock()
}

// Forget removes path from the registry (file purged or evicted) and
// tallies the freed blocks.
func (d *DirState) Forget(path string, freedBlocks int64) {
	d.mu.Lock()
	delete(d.files, path)
	d.stBlocksRemoved += freedBlocks
	d.mu.Unlock()
}

// TotalCachedBytes sums the registered files' sizes — the logical usage
// figure the purge loop compares against disk watermarks.
func (d *DirState) TotalCachedBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var total int64
	for _, fs := range d.files {
		total += fs.Size
	}
	return total
}

// LRUOrder returns registered file paths oldest-access-first — the purge
// loop's base ranking before the "cold files" weighting is applied.
func (d *DirState) LRUOrder() []FileStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]FileStats, 0, len(d.files))
	for _, fs := range d.files {
		out = append(out, fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccess.Before(out[j].LastAccess) })
	return out
}

func (d *DirState) Snapshot() DirStateSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	files := make(map[string]FileStats, len(d.files))
	for k, v := range d.files {
		files[k] = v
	}
	return DirStateSnapshot{
		BytesHit:        d.bytesHit,
		BytesMissed:     d.bytesMissed,
		BytesBypassed:   d.bytesBypassed,
		BytesWritten:    d.bytesWritten,
		StBlocksAdded:   d.stBlocksAdded,
		StBlocksRemoved: d.stBlocksRemoved,
		FileCount:       len(d.files),
		DirCount:        d.dirCount,
		ChecksumErrors:  d.checksumErrors,
		Files:           files,
	}
}

// SaveSnapshot JSON-encodes and zstd-compresses the current snapshot and
// writes it through meta at path, using klauspost/compress in place of
// stdlib compress/gzip. Nothing in this package calls it on a schedule
// (the purge cycle does not save a snapshot), and cinfo files are written
// uncompressed.
func (d *DirState) SaveSnapshot(ctx context.Context, meta oss.FS, path string) error {
	raw, err := json.Marshal(d.Snapshot())
	if err != nil {
		return fmt.Errorf("pfc: marshaling dirstate snapshot: %w", err)
	}

	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	if err != nil {
		return fmt.Errorf("pfc: creating zstd encoder: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return fmt.Errorf("pfc: compressing dirstate snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("pfc: closing zstd encoder: %w", err)
	}

	f, err := meta.Create(ctx, path, int64(compressed.Len()))
	if err != nil {
		return fmt.Errorf("pfc: creating dirstate snapshot file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteAt(compressed.Bytes(), 0); err != nil {
		return fmt.Errorf("pfc: writing dirstate snapshot: %w", err)
	}
	return f.Truncate(int64(compressed.Len()))
}

// LoadSnapshot reads back a snapshot written by SaveSnapshot, for restart
// continuity of the purge ranking.
func LoadSnapshot(ctx context.Context, meta oss.FS, path string) (DirStateSnapshot, error) {
	f, err := meta.Open(ctx, path)
	if err != nil {
		return DirStateSnapshot{}, fmt.Errorf("pfc: opening dirstate snapshot: %w", err)
	}
	defer f.Close()
	fi, err := meta.Stat(ctx, path)
	if err != nil {
		return DirStateSnapshot{}, fmt.Errorf("pfc: stat dirstate snapshot: %w", err)
	}
	raw := make([]byte, fi.Size)
	if _, err := f.ReadAt(raw, 0); err != nil {
		return DirStateSnapshot{}, fmt.Errorf("pfc: reading dirstate snapshot: %w", err)
	}

	dec, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		return DirStateSnapshot{}, fmt.Errorf("pfc: creating zstd decoder: %w", err)
	}
	defer dec.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(dec.IOReadCloser()); err != nil {
		return DirStateSnapshot{}, fmt.Errorf("pfc: decompressing dirstate snapshot: %w", err)
	}
	var snap DirStateSnapshot
	if err := json.Unmarshal(out.Bytes(), &snap); err != nil {
		return DirStateSnapshot{}, fmt.Errorf("pfc: unmarshaling dirstate snapshot: %w", err)
	}
	return snap, nil
}
