package pfc

import "context"

// prefetcher implements spec.md §4.12's background prefetch worker: a
// sequential-access heuristic over the last N reads (configurable, default
// 10 blocks ahead) issuing upstream fetches in parallel up to a bounded
// concurrency, never evicting active user data (it goes through the same
// readBlock/trackRAM path as a normal miss, so the LRU still protects
// whatever is actually in use).
type prefetcher struct {
	mgr      *Manager
	maxAhead int
	sem      chan struct{}
}

func newPrefetcher(mgr *Manager, maxAhead, concurrency int) *prefetcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &prefetcher{mgr: mgr, maxAhead: maxAhead, sem: make(chan struct{}, concurrency)}
}

// onRead is called after every CacheFile.Read with the last block index
// that read touched; it looks at the recent-access ring to decide whether
// the access pattern looks sequential before prefetching ahead.
func (p *prefetcher) onRead(cf *CacheFile, lastBlockRead int64) {
	if p.maxAhead <= 0 {
		return
	}
	cf.mu.Lock()
	seq := append([]int64(nil), cf.recentReads...)
	numBlocks := cf.cinfo.NumBlocks()
	cf.mu.Unlock()
	if !looksSequential(seq) {
		return
	}

	for i := int64(1); i <= int64(p.maxAhead); i++ {
		idx := lastBlockRead + i
		if idx >= numBlocks {
			break
		}
		cf.mu.Lock()
		synced := cf.cinfo.IsBlockSynced(idx)
		cf.mu.Unlock()
		if synced {
			continue
		}
		select {
		case p.sem <- struct{}{}:
			go func(idx int64) {
				defer func() { <-p.sem }()
				cf.readBlock(context.Background(), idx)
			}(idx)
		default:
			return // concurrency cap reached for this round
		}
	}
}

// looksSequential reports whether the tail of a read-index history is
// monotonically non-decreasing, the same heuristic the original prefetch
// logic in XrdPfcFile uses to distinguish streaming reads from random I/O.
func looksSequential(seq []int64) bool {
	if len(seq) < 2 {
		return false
	}
	start := 0
	if len(seq) > 4 {
		start = len(seq) - 4
	}
	for i := start + 1; i < len(seq); i++ {
		if seq[i] < seq[i-1] {
			return false
		}
	}
	return true
}
