package pfc

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xrdgo/xrdcl/internal/oss"
	"github.com/xrdgo/xrdcl/internal/status"
	"github.com/xrdgo/xrdcl/internal/xrdurl"
)

// Options configures a Manager; fields mirror the pfc.* directive group
// (internal/config.Directives) but are plain values here so pfc has no
// dependency on the config package.
type Options struct {
	BlockSize      int64
	RAMBudget      int64
	PrefetchBlocks int
	PrefetchConcurrency int
	WriterThreads  int
	WriteQueueDepth int
	Checksum       ChecksumPolicy
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = 1 << 20
	}
	if o.RAMBudget <= 0 {
		o.RAMBudget = 1 << 30
	}
	if o.PrefetchConcurrency <= 0 {
		o.PrefetchConcurrency = 4
	}
	if o.WriterThreads <= 0 {
		o.WriterThreads = 4
	}
	if o.WriteQueueDepth <= 0 {
		o.WriteQueueDepth = 1000
	}
	return o
}

// Manager is the disk-backed block cache (C12): it owns every cached
// file's blocks and cinfo exclusively (spec.md §3 ownership summary).
type Manager struct {
	logger *slog.Logger
	data   oss.FS
	meta   oss.FS
	opts   Options
	newUp  UpstreamFactory

	dirstate *DirState

	mu    sync.Mutex
	files map[string]*CacheFile

	ramMu      sync.Mutex
	usedBytes  int64
	lru        *list.List // of *lruEntry, oldest (least recently used) at Back
	lruIndex   map[*Block]*list.Element
	stickyPool chan []byte

	writeQueue chan dirtyBlock
	writerWG   sync.WaitGroup
	writerStop chan struct{}

	prefetcher *prefetcher
	purger     *purger
}

type lruEntry struct {
	cf    *CacheFile
	block *Block
}

type dirtyBlock struct {
	cf    *CacheFile
	block *Block
}

// NewManager constructs a Manager fronting data/meta OSS spaces, sourcing
// misses through newUp (normally NewPostMasterUpstreamFactory's result).
func NewManager(logger *slog.Logger, data, meta oss.FS, opts Options, newUp UpstreamFactory) *Manager {
	opts = opts.withDefaults()
	sticky := int((opts.RAMBudget / 20) / opts.BlockSize) // ~5% of budget, spec.md §4.12
	if sticky < 1 {
		sticky = 1
	}
	m := &Manager{
		logger:     logger,
		data:       data,
		meta:       meta,
		opts:       opts,
		newUp:      newUp,
		dirstate:   NewDirState(),
		files:      make(map[string]*CacheFile),
		lru:        list.New(),
		lruIndex:   make(map[*Block]*list.Element),
		stickyPool: make(chan []byte, sticky),
		writeQueue: make(chan dirtyBlock, opts.WriteQueueDepth),
		writerStop: make(chan struct{}),
	}
	m.prefetcher = newPrefetcher(m, opts.PrefetchBlocks, opts.PrefetchConcurrency)
	for i := 0; i < opts.WriterThreads; i++ {
		m.writerWG.Add(1)
		go m.writerLoop()
	}
	return m
}

func (m *Manager) Close() {
	close(m.writerStop)
	m.writerWG.Wait()
	if m.purger != nil {
		m.purger.stop()
	}
}

// CacheFile is one attached cached file.
type CacheFile struct {
	mgr  *Manager
	path string
	url  xrdurl.URL
	up   Upstream

	mu          sync.Mutex
	cinfo       *Cinfo
	blocks      map[int64]*Block
	refCount    int32
	attachedAt  time.Time
	recentReads []int64 // bounded ring of recently read block indices, for prefetch
}

// Attach returns the existing handle, with one more reference, if path is
// already attached; otherwise it opens path upstream, loads its cinfo (or
// creates a fresh one when none is cached or the cached size or block size
// differs), and returns a handle the caller reads through. A corrupt cinfo is discarded and the file is re-fetched from
// scratch (spec.md §4.12).
func (m *Manager) Attach(ctx context.Context, url xrdurl.URL, path string) (*CacheFile, status.Status) {
	m.mu.Lock()
	if cf, ok := m.files[path]; ok {
		cf.mu.Lock()
		cf.refCount++
		cf.mu.Unlock()
		m.mu.Unlock()
		return cf, status.New(status.OK)
	}
	m.mu.Unlock()

	up := m.newUp(url)
	if st := up.Open(ctx, 0); !st.IsOK() {
		return nil, st
	}
	size, st := up.Stat(ctx)
	if !st.IsOK() {
		up.Close(ctx, "attach-stat-failed")
		return nil, st
	}

	ci, present, err := LoadCinfo(ctx, m.meta, path)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("pfc: discarding corrupt cinfo", "path", path, "error", err)
		}
		DeleteCached(ctx, m.data, m.meta, path)
		present = false
	}
	if !present || ci.FileSize != size || ci.BlockSize != m.opts.BlockSize {
		ci = NewCinfo(m.opts.BlockSize, size)
	}

	if m.opts.Checksum.NeedsNetVerify() {
		ci = m.verifyChecksumAtAttach(ctx, up, path, size, ci)
	}

	cf := &CacheFile{
		mgr:        m,
		path:       path,
		url:        url,
		up:         up,
		cinfo:      ci,
		blocks:     make(map[int64]*Block),
		refCount:   1,
		attachedAt: time.Now(),
	}

	m.mu.Lock()
	m.files[path] = cf
	m.mu.Unlock()
	m.dirstate.Touch(path, size)

	return cf, status.New(status.OK)
}

// Stat returns the cached file's logical size (from cinfo, authoritative
// once attached).
func (cf *CacheFile) Stat() int64 {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.cinfo.FileSize
}

// Read implements spec.md §4.12's block-split read algorithm: for each
// block in [offset, offset+size), serve from disk if the bitmap bit is
// set, otherwise fetch exactly that block upstream (single-flight),
// persist it, set the bit, and commit cinfo.
func (cf *CacheFile) Read(ctx context.Context, offset int64, size int, buf []byte) (int, status.Status) {
	if size <= 0 {
		return 0, status.New(status.OK)
	}
	bsz := cf.cinfo.BlockSize
	first := offset / bsz
	last := (offset + int64(size) - 1) / bsz

	n := 0
	for idx := first; idx <= last; idx++ {
		blockStart := idx * bsz
		blockEnd := blockStart + bsz
		readStart := offset
		if readStart < blockStart {
			readStart = blockStart
		}
		readEnd := offset + int64(size)
		if readEnd > blockEnd {
			readEnd = blockEnd
		}
		if readEnd > cf.cinfo.FileSize {
			readEnd = cf.cinfo.FileSize
		}
		if readEnd <= readStart {
			continue
		}

		data, st := cf.readBlock(ctx, idx)
		if !st.IsOK() {
			return n, st
		}
		lo := readStart - blockStart
		hi := readEnd - blockStart
		if hi > int64(len(data)) {
			hi = int64(len(data))
		}
		if lo >= hi {
			continue
		}
		copy(buf[n:], data[lo:hi])
		n += int(hi - lo)
	}

	cf.mu.Lock()
	cf.recentReads = append(cf.recentReads, first)
	if len(cf.recentReads) > 32 {
		cf.recentReads = cf.recentReads[len(cf.recentReads)-32:]
	}
	cf.mu.Unlock()
	cf.mgr.prefetcher.onRead(cf, last)

	return n, status.New(status.OK)
}

// readBlock returns idx's bytes, fetching upstream on a miss. At most one
// upstream read per (file, block) is ever in flight (testable property 5).
func (cf *CacheFile) readBlock(ctx context.Context, idx int64) ([]byte, status.Status) {
	cf.mu.Lock()
	synced := cf.cinfo.IsBlockSynced(idx)
	b, ok := cf.blocks[idx]
	if !ok {
		b = newBlock(idx)
		cf.blocks[idx] = b
	}
	cf.mu.Unlock()

	b.acquire()
	defer b.release()

	if synced {
		if data := b.bytes(); data != nil {
			cf.mgr.dirstate.RecordHit(int64(len(data)))
			return data, status.New(status.OK)
		}
		data, err := cf.readFromDisk(idx)
		if err == nil {
			b.setData(data)
			cf.mgr.trackRAM(cf, b, int64(len(data)))
			cf.mgr.dirstate.RecordHit(int64(len(data)))
			return data, status.New(status.OK)
		}
		// Fall through: disk copy unreadable despite the bit being set —
		// treat as a miss and re-fetch upstream (spec.md §7: the cache
		// never marks the whole file bad on one block's failure).
		cf.mu.Lock()
		cf.cinfo.ClearBlockSynced(idx)
		cf.mu.Unlock()
	}

	winner, wait := b.beginFetch()
	if !winner {
		res := <-wait
		return res.data, res.st
	}

	blockStart := idx * cf.cinfo.BlockSize
	blockLen := cf.cinfo.BlockSize
	if blockStart+blockLen > cf.cinfo.FileSize {
		blockLen = cf.cinfo.FileSize - blockStart
	}
	data, st := cf.up.Read(ctx, blockStart, int(blockLen))
	if !st.IsOK() {
		b.completeFetch(nil, st)
		return nil, st
	}

	if err := cf.writeToDisk(idx, data); err != nil {
		st := status.Wrap(status.InternalError, 0, err)
		b.completeFetch(nil, st)
		return nil, st
	}
	cf.mu.Lock()
	cf.cinfo.SetBlockSynced(idx)
	ci := cf.cinfo
	cf.mu.Unlock()
	_ = SaveCinfo(context.Background(), cf.mgr.meta, cf.path, ci)

	cf.mgr.trackRAM(cf, b, int64(len(data)))
	cf.mgr.dirstate.RecordMiss(int64(len(data)))
	b.completeFetch(data, status.New(status.OK))
	return data, status.New(status.OK)
}

func (cf *CacheFile) readFromDisk(idx int64) ([]byte, error) {
	f, err := cf.mgr.data.Open(context.Background(), cf.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	blockStart := idx * cf.cinfo.BlockSize
	blockLen := cf.cinfo.BlockSize
	if blockStart+blockLen > cf.cinfo.FileSize {
		blockLen = cf.cinfo.FileSize - blockStart
	}
	buf := cf.mgr.getBuffer(blockLen)
	if _, err := f.ReadAt(buf, blockStart); err != nil {
		return nil, err
	}
	return buf, nil
}

// getBuffer hands out a block-sized buffer from the sticky pool when one
// is available, falling back to a fresh allocation otherwise. Only
// full-block-sized buffers are pooled (spec.md §4.12: "about 5% of the
// budget is sticky and never released back to the OS").
func (m *Manager) getBuffer(size int64) []byte {
	if size == m.opts.BlockSize {
		select {
		case buf := <-m.stickyPool:
			return buf[:size]
		default:
		}
	}
	return make([]byte, size)
}

func (m *Manager) putBuffer(buf []byte) {
	if int64(cap(buf)) != int64(m.opts.BlockSize) {
		return
	}
	select {
	case m.stickyPool <- buf[:cap(buf)]:
	default:
	}
}

func (cf *CacheFile) writeToDisk(idx int64, data []byte) error {
	f, err := cf.mgr.data.Create(context.Background(), cf.path, cf.cinfo.FileSize)
	if err != nil {
		return fmt.Errorf("pfc: opening data file for write: %w", err)
	}
	defer f.Close()
	blockStart := idx * cf.cinfo.BlockSize
	if _, err := f.WriteAt(data, blockStart); err != nil {
		return fmt.Errorf("pfc: writing block %d: %w", idx, err)
	}
	return nil
}

// Write stages offset/data into the in-RAM blocks it touches, marks them
// dirty, and queues them to the writer pool to drain to disk
// asynchronously — the write-back half of spec.md §4.12's RAM management
// (the read path above is write-through on a miss; this path is for data
// the proxy itself originates, e.g. a staged upload).
func (cf *CacheFile) Write(ctx context.Context, offset int64, data []byte) status.Status {
	if len(data) == 0 {
		return status.New(status.OK)
	}
	bsz := cf.cinfo.BlockSize
	first := offset / bsz
	last := (offset + int64(len(data)) - 1) / bsz

	for idx := first; idx <= last; idx++ {
		blockStart := idx * bsz
		blockEnd := blockStart + bsz
		writeStart := offset
		if writeStart < blockStart {
			writeStart = blockStart
		}
		writeEnd := offset + int64(len(data))
		if writeEnd > blockEnd {
			writeEnd = blockEnd
		}

		cf.mu.Lock()
		b, ok := cf.blocks[idx]
		if !ok {
			b = newBlock(idx)
			cf.blocks[idx] = b
		}
		cf.mu.Unlock()

		b.acquire()
		existing := b.bytes()
		if existing == nil {
			existing = cf.mgr.getBuffer(bsz)
		}
		lo := writeStart - blockStart
		hi := writeEnd - blockStart
		copy(existing[lo:hi], data[writeStart-offset:writeEnd-offset])
		b.setData(existing)
		b.markDirty()
		cf.mgr.trackRAM(cf, b, int64(len(existing)))
		b.release()

		select {
		case cf.mgr.writeQueue <- dirtyBlock{cf: cf, block: b}:
		default:
			// Queue full: flush inline on the caller's goroutine instead of
			// blocking on the queue (unlike jobmgr's QueueJob, which blocks).
			cf.flushDirty(b, idx)
		}
	}

	cf.mgr.dirstate.RecordWrite(int64(len(data)))
	if writeEnd := offset + int64(len(data)); writeEnd > cf.cinfo.FileSize {
		cf.mu.Lock()
		cf.cinfo.FileSize = writeEnd
		cf.mu.Unlock()
	}
	return status.New(status.OK)
}

// Detach releases the caller's reference; the file stays attached (and in
// RAM/disk) until the purge loop decides otherwise, matching a proxy
// cache's semantics of outliving any single client session.
func (cf *CacheFile) Detach() {
	cf.mu.Lock()
	cf.refCount--
	rc := cf.refCount
	cf.mu.Unlock()
	if rc <= 0 {
		cf.mgr.dirstate.Touch(cf.path, cf.cinfo.FileSize)
	}
}

func (cf *CacheFile) Close(ctx context.Context) status.Status {
	return cf.up.Close(ctx, "cache-detach")
}

// trackRAM registers b in the LRU and evicts clean, unreferenced blocks
// until usedBytes fits back under the RAM budget.
func (m *Manager) trackRAM(cf *CacheFile, b *Block, n int64) {
	m.ramMu.Lock()
	if el, ok := m.lruIndex[b]; ok {
		m.lru.MoveToFront(el)
	} else {
		el := m.lru.PushFront(&lruEntry{cf: cf, block: b})
		m.lruIndex[b] = el
		m.usedBytes += n
	}
	over := m.usedBytes - m.opts.RAMBudget
	m.ramMu.Unlock()

	for over > 0 {
		freed := m.evictOne()
		if freed == 0 {
			break
		}
		over -= freed
	}
}

// evictOne drops the least-recently-used unreferenced, clean block; it
// never evicts a block with a positive refcount (prefetch never evicts
// active user data, spec.md §4.12).
func (m *Manager) evictOne() int64 {
	m.ramMu.Lock()
	defer m.ramMu.Unlock()
	for el := m.lru.Back(); el != nil; el = el.Prev() {
		entry := el.Value.(*lruEntry)
		if entry.block.inUse() || entry.block.isDirty() {
			continue
		}
		n := int64(entry.block.size())
		m.putBuffer(entry.block.bytes())
		entry.block.setData(nil)
		m.lru.Remove(el)
		delete(m.lruIndex, entry.block)
		m.usedBytes -= n
		return n
	}
	return 0
}

func (m *Manager) writerLoop() {
	defer m.writerWG.Done()
	for {
		select {
		case <-m.writerStop:
			return
		case db := <-m.writeQueue:
			db.cf.flushDirty(db.block, db.block.index)
		}
	}
}

// flushDirty writes b's current bytes to disk, sets its bitmap bit, and
// persists cinfo; used by both the inline-flush fallback and the writer
// pool so there is exactly one code path for "a dirty block reached disk".
func (cf *CacheFile) flushDirty(b *Block, idx int64) {
	if err := cf.writeToDisk(idx, b.bytes()); err != nil {
		if cf.mgr.logger != nil {
			cf.mgr.logger.Warn("pfc: write flush failed", "path", cf.path, "block", idx, "error", err)
		}
		return
	}
	b.clearDirty()
	cf.mu.Lock()
	cf.cinfo.SetBlockSynced(idx)
	ci := cf.cinfo
	cf.mu.Unlock()
	_ = SaveCinfo(context.Background(), cf.mgr.meta, cf.path, ci)
}

func (m *Manager) DirState() *DirState { return m.dirstate }

// evictFile drops path entirely: its data file, cinfo sidecar, and any
// in-RAM blocks, and tallies the freed blocks in DirState. Used by the
// purge loop; refuses files still attached with an outstanding reference.
func (m *Manager) evictFile(ctx context.Context, path string) bool {
	m.mu.Lock()
	cf, ok := m.files[path]
	if ok {
		cf.mu.Lock()
		stillOpen := cf.refCount > 0
		cf.mu.Unlock()
		if stillOpen {
			m.mu.Unlock()
			return false
		}
		delete(m.files, path)
	}
	m.mu.Unlock()

	if cf != nil {
		m.ramMu.Lock()
		for _, b := range cf.blocks {
			if el, ok := m.lruIndex[b]; ok {
				m.usedBytes -= int64(b.size())
				m.lru.Remove(el)
				delete(m.lruIndex, b)
			}
		}
		m.ramMu.Unlock()
	}

	var freed int64
	if fi, err := m.data.Stat(ctx, path); err == nil {
		freed = fi.Size
	}
	DeleteCached(ctx, m.data, m.meta, path)
	m.dirstate.Forget(path, freed/m.opts.BlockSize+1)
	return true
}
