package pfc

import (
	"sync"
	"time"

	"github.com/xrdgo/xrdcl/internal/status"
)

// Block is a RAM-resident buffer for one (file, block-index) pair. At most
// one upstream fetch is ever in flight for a given block (spec.md §4.12,
// testable property 5): a second concurrent reader finds fetching==true
// and joins waiters instead of issuing its own upstream read.
type Block struct {
	index int64

	mu         sync.Mutex
	data       []byte
	refCount   int32
	dirty      bool
	fetching   bool
	waiters    []chan fetchResult
	lastAccess time.Time
}

type fetchResult struct {
	data []byte
	st   status.Status
}

func newBlock(index int64) *Block {
	return &Block{index: index, lastAccess: time.Now()}
}

// acquire increments the refcount so the eviction LRU leaves this block
// alone while a reader holds it; release is its counterpart.
func (b *Block) acquire() {
	b.mu.Lock()
	b.refCount++
	b.lastAccess = time.Now()
	b.mu.Unlock()
}

func (b *Block) release() {
	b.mu.Lock()
	if b.refCount > 0 {
		b.refCount--
	}
	b.mu.Unlock()
}

func (b *Block) inUse() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refCount > 0
}

func (b *Block) markDirty() {
	b.mu.Lock()
	b.dirty = true
	b.mu.Unlock()
}

func (b *Block) clearDirty() {
	b.mu.Lock()
	b.dirty = false
	b.mu.Unlock()
}

func (b *Block) isDirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

// beginFetch returns true if the caller won the right to issue the
// upstream read; false means another goroutine is already fetching and
// the caller's wait channel has been queued to receive the result.
func (b *Block) beginFetch() (winner bool, wait chan fetchResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fetching {
		ch := make(chan fetchResult, 1)
		b.waiters = append(b.waiters, ch)
		return false, ch
	}
	b.fetching = true
	return true, nil
}

// completeFetch stores the result, wakes every waiter, and clears the
// in-flight flag.
func (b *Block) completeFetch(data []byte, st status.Status) {
	b.mu.Lock()
	if st.IsOK() {
		b.data = data
	}
	waiters := b.waiters
	b.waiters = nil
	b.fetching = false
	b.mu.Unlock()

	for _, ch := range waiters {
		ch <- fetchResult{data: data, st: st}
	}
}

func (b *Block) setData(data []byte) {
	b.mu.Lock()
	b.data = data
	b.mu.Unlock()
}

func (b *Block) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

func (b *Block) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
