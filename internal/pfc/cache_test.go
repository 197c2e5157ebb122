package pfc

import (
	"context"
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xrdgo/xrdcl/internal/oss"
	"github.com/xrdgo/xrdcl/internal/status"
	"github.com/xrdgo/xrdcl/internal/xrdurl"
)

// fakeUpstream serves reads out of an in-memory byte slice, counting
// concurrent Read calls so tests can assert single-flight (testable
// property 5) and injecting an artificial delay so concurrent readers
// actually overlap.
type fakeUpstream struct {
	content []byte
	delay   time.Duration

	mu          sync.Mutex
	concurrent  int
	maxObserved int
	reads       int
}

func (u *fakeUpstream) Open(ctx context.Context, flags uint32) status.Status { return status.New(status.OK) }

func (u *fakeUpstream) Read(ctx context.Context, offset int64, size int) ([]byte, status.Status) {
	u.mu.Lock()
	u.concurrent++
	u.reads++
	if u.concurrent > u.maxObserved {
		u.maxObserved = u.concurrent
	}
	u.mu.Unlock()

	if u.delay > 0 {
		time.Sleep(u.delay)
	}

	end := offset + int64(size)
	if end > int64(len(u.content)) {
		end = int64(len(u.content))
	}
	out := make([]byte, end-offset)
	copy(out, u.content[offset:end])

	u.mu.Lock()
	u.concurrent--
	u.mu.Unlock()

	return out, status.New(status.OK)
}

func (u *fakeUpstream) Stat(ctx context.Context) (int64, status.Status) {
	return int64(len(u.content)), status.New(status.OK)
}

func (u *fakeUpstream) Close(ctx context.Context, reason string) status.Status { return status.New(status.OK) }

func newTestManager(t *testing.T, up *fakeUpstream, blockSize int64) *Manager {
	t.Helper()
	dataFS := oss.NewLocalFS(t.TempDir())
	metaFS := oss.NewLocalFS(t.TempDir())

	mgr := NewManager(nil, dataFS, metaFS, Options{
		BlockSize:           blockSize,
		RAMBudget:           64 << 20,
		PrefetchBlocks:      0,
		PrefetchConcurrency: 1,
		WriterThreads:       1,
		WriteQueueDepth:     16,
	}, func(xrdurl.URL) Upstream { return up })
	t.Cleanup(mgr.Close)
	return mgr
}

// Testable property 4: a successful Read returns bytes whose SHA-256
// matches the upstream content's SHA-256, whether served from a freshly
// fetched block or a previously synced one.
func TestReadBitTruth(t *testing.T) {
	content := make([]byte, 3*(1<<20)+12345)
	for i := range content {
		content[i] = byte(i % 251)
	}
	up := &fakeUpstream{content: content}
	mgr := newTestManager(t, up, 1<<20)

	cf, st := mgr.Attach(context.Background(), xrdurl.URL{Host: "mgr.example", Port: 1094}, "/test/file")
	if !st.IsOK() {
		t.Fatalf("Attach: %v", st)
	}

	offset := int64(1_000_000)
	size := 100_000
	buf := make([]byte, size)
	n, st := cf.Read(context.Background(), offset, size, buf)
	if !st.IsOK() {
		t.Fatalf("Read: %v", st)
	}
	if n != size {
		t.Fatalf("Read returned %d bytes, want %d", n, size)
	}

	want := sha256.Sum256(content[offset : offset+int64(size)])
	got := sha256.Sum256(buf[:n])
	if want != got {
		t.Fatalf("read bytes do not match upstream content (sha256 mismatch)")
	}

	// Re-reading the same range must not hit upstream again (block already
	// synced) and must still return byte-identical content.
	readsBefore := up.reads
	buf2 := make([]byte, size)
	n2, st := cf.Read(context.Background(), offset, size, buf2)
	if !st.IsOK() || n2 != size {
		t.Fatalf("second Read: n=%d st=%v", n2, st)
	}
	if got2 := sha256.Sum256(buf2[:n2]); got2 != want {
		t.Fatalf("second read returned different bytes than the first")
	}
	if up.reads != readsBefore {
		t.Fatalf("second read triggered %d more upstream fetches, want 0 (blocks already synced)", up.reads-readsBefore)
	}
}

// Scenario S2: a read spanning two uncached 1MiB blocks issues exactly two
// upstream reads at the expected block-aligned offsets and both bits end
// up set.
func TestReadSplitAcrossBlocks(t *testing.T) {
	blockSize := int64(1 << 20)
	content := make([]byte, 3*blockSize)
	for i := range content {
		content[i] = byte(i % 256)
	}
	up := &fakeUpstream{content: content}
	mgr := newTestManager(t, up, blockSize)

	cf, st := mgr.Attach(context.Background(), xrdurl.URL{Host: "mgr.example", Port: 1094}, "/test/split")
	if !st.IsOK() {
		t.Fatalf("Attach: %v", st)
	}

	offset := int64(1_000_000)
	size := 100_000
	buf := make([]byte, size)
	if _, st := cf.Read(context.Background(), offset, size, buf); !st.IsOK() {
		t.Fatalf("Read: %v", st)
	}

	if up.reads != 2 {
		t.Fatalf("upstream reads = %d, want 2", up.reads)
	}
	if !cf.cinfo.IsBlockSynced(0) || !cf.cinfo.IsBlockSynced(1) {
		t.Fatalf("expected blocks 0 and 1 to be synced after the read")
	}
	want := content[offset : offset+int64(size)]
	for i, b := range want {
		if buf[i] != b {
			t.Fatalf("byte %d = %#x, want %#x", i, buf[i], b)
		}
	}
}

// Testable property 5: concurrent readers of the same (file, block) never
// cause more than one upstream Read to be in flight at once.
func TestSingleFlightFetch(t *testing.T) {
	blockSize := int64(256 * 1024)
	content := make([]byte, blockSize)
	up := &fakeUpstream{content: content, delay: 50 * time.Millisecond}
	mgr := newTestManager(t, up, blockSize)

	cf, st := mgr.Attach(context.Background(), xrdurl.URL{Host: "mgr.example", Port: 1094}, "/test/singleflight")
	if !st.IsOK() {
		t.Fatalf("Attach: %v", st)
	}

	const concurrency = 8
	var wg sync.WaitGroup
	var okCount atomic.Int64
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 4096)
			if _, st := cf.Read(context.Background(), 0, 4096, buf); st.IsOK() {
				okCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if okCount.Load() != concurrency {
		t.Fatalf("%d/%d reads succeeded", okCount.Load(), concurrency)
	}
	if up.reads != 1 {
		t.Fatalf("upstream saw %d reads for one block, want exactly 1", up.reads)
	}
	if up.maxObserved > 1 {
		t.Fatalf("observed %d concurrent upstream reads for one block, want at most 1", up.maxObserved)
	}
}

// The purge loop's eviction primitive must remove the data file, the cinfo
// sidecar, and the DirState registration — and refuse a file that is still
// attached.
func TestEvictFileRemovesDataAndCinfo(t *testing.T) {
	blockSize := int64(64 * 1024)
	content := make([]byte, 2*blockSize)
	up := &fakeUpstream{content: content}
	mgr := newTestManager(t, up, blockSize)

	ctx := context.Background()
	cf, st := mgr.Attach(ctx, xrdurl.URL{Host: "mgr.example", Port: 1094}, "/test/evict")
	if !st.IsOK() {
		t.Fatalf("Attach: %v", st)
	}
	buf := make([]byte, 4096)
	if _, st := cf.Read(ctx, 0, 4096, buf); !st.IsOK() {
		t.Fatalf("Read: %v", st)
	}

	if mgr.evictFile(ctx, "/test/evict") {
		t.Fatal("evictFile succeeded while the file was still attached")
	}

	cf.Detach()
	if !mgr.evictFile(ctx, "/test/evict") {
		t.Fatal("evictFile failed after detach")
	}
	if _, err := mgr.data.Stat(ctx, "/test/evict"); err == nil {
		t.Fatal("data file still present after eviction")
	}
	if _, present, _ := LoadCinfo(ctx, mgr.meta, "/test/evict"); present {
		t.Fatal("cinfo sidecar still present after eviction")
	}
	if order := mgr.dirstate.LRUOrder(); len(order) != 0 {
		t.Fatalf("DirState still ranks %d files after eviction", len(order))
	}
}
