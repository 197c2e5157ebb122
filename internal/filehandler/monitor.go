package filehandler

import "time"

// Monitoring holds the counters emitted as one event at Close, per
// spec.md §4.11.
type Monitoring struct {
	OpenTime        time.Time
	CloseReason     string
	BytesRead       int64
	BytesVRead      int64
	BytesWritten    int64
	ReadOps         int64
	VReadOps        int64
	WriteOps        int64
	VReadSegments   int64
	VReadMergedSegs int64
}

func (m *Monitoring) recordRead(n int64) {
	m.BytesRead += n
	m.ReadOps++
}

func (m *Monitoring) recordVRead(n int64, segments, merged int) {
	m.BytesVRead += n
	m.VReadOps++
	m.VReadSegments += int64(segments)
	m.VReadMergedSegs += int64(merged)
}

func (m *Monitoring) recordWrite(n int64) {
	m.BytesWritten += n
	m.WriteOps++
}
