// Package pfc implements the Disk-Backed Block Cache (C12): a per-file
// cinfo sidecar (block bitmap + access history), RAM-resident blocks with
// single-flight upstream fetch, a prefetch worker, watermark-driven purge,
// and checksum policy enforcement, fronting the client core the same way
// the original XrdPfc plugin fronts XrdCl.
package pfc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// ChecksumState tracks whether a cinfo's recorded checksum has been
// verified against the upstream source (spec.md §3).
type ChecksumState uint8

const (
	ChecksumStateUnset ChecksumState = iota
	ChecksumStateVerified
	ChecksumStateMismatch
)

const cinfoVersion uint32 = 1

// ringCapacity bounds the access-record ring buffer persisted in cinfo.
const ringCapacity = 16

// AccessRecord is one entry of cinfo's bounded access-history ring.
type AccessRecord struct {
	AttachTime    time.Time
	DetachTime    time.Time
	BytesHit      int64
	BytesMissed   int64
	BytesBypassed int64
	IOs           int64
	Merges        int64
}

const accessRecordSize = 8*2 + 8*5 // two unix-nano times + five int64 counters

// Cinfo is the persisted sidecar for one cached file: block size, file
// size, creation time, checksum state, the per-block "written" bitmap, and
// the bounded access-record ring. Invariant (spec.md §3): bitmap length is
// ceil(FileSize / BlockSize) bits; a block is servable locally iff its bit
// is set AND synced is true for that bit (tracked together here — a set
// bit always means synced in this implementation since SetBlockSynced is
// the only setter).
type Cinfo struct {
	Version       uint32
	BlockSize     int64
	FileSize      int64
	CreatedAt     time.Time
	ChecksumState ChecksumState
	Checksum      string // hex digest last verified against upstream, "" if never
	Bitmap        []byte
	Records       []AccessRecord
}

// NewCinfo allocates a fresh, all-clear cinfo for a file of the given size.
func NewCinfo(blockSize, fileSize int64) *Cinfo {
	return &Cinfo{
		Version:   cinfoVersion,
		BlockSize: blockSize,
		FileSize:  fileSize,
		CreatedAt: time.Now(),
		Bitmap:    make([]byte, (numBlocks(fileSize, blockSize)+7)/8),
	}
}

func numBlocks(fileSize, blockSize int64) int64 {
	if blockSize <= 0 {
		return 0
	}
	return (fileSize + blockSize - 1) / blockSize
}

func (c *Cinfo) NumBlocks() int64 { return numBlocks(c.FileSize, c.BlockSize) }

func (c *Cinfo) IsBlockSynced(idx int64) bool {
	byteIdx := idx / 8
	if byteIdx < 0 || int(byteIdx) >= len(c.Bitmap) {
		return false
	}
	return c.Bitmap[byteIdx]&(1<<uint(idx%8)) != 0
}

func (c *Cinfo) SetBlockSynced(idx int64) {
	byteIdx := idx / 8
	if byteIdx < 0 || int(byteIdx) >= len(c.Bitmap) {
		return
	}
	c.Bitmap[byteIdx] |= 1 << uint(idx%8)
}

func (c *Cinfo) ClearBlockSynced(idx int64) {
	byteIdx := idx / 8
	if byteIdx < 0 || int(byteIdx) >= len(c.Bitmap) {
		return
	}
	c.Bitmap[byteIdx] &^= 1 << uint(idx%8)
}

// AppendAccessRecord pushes rec onto the ring, dropping the oldest entry
// once the capacity is reached.
func (c *Cinfo) AppendAccessRecord(rec AccessRecord) {
	c.Records = append(c.Records, rec)
	if len(c.Records) > ringCapacity {
		c.Records = c.Records[len(c.Records)-ringCapacity:]
	}
}

// Encode serializes the cinfo to its versioned binary layout: a fixed
// header, the bitmap, then the access-record ring.
func (c *Cinfo) Encode() []byte {
	var buf bytes.Buffer
	var hdr [29]byte
	binary.BigEndian.PutUint32(hdr[0:4], c.Version)
	binary.BigEndian.PutUint64(hdr[4:12], uint64(c.BlockSize))
	binary.BigEndian.PutUint64(hdr[12:20], uint64(c.FileSize))
	binary.BigEndian.PutUint64(hdr[20:28], uint64(c.CreatedAt.UnixNano()))
	hdr[28] = byte(c.ChecksumState)
	buf.Write(hdr[:])

	var bitmapLen [4]byte
	binary.BigEndian.PutUint32(bitmapLen[:], uint32(len(c.Bitmap)))
	buf.Write(bitmapLen[:])
	buf.Write(c.Bitmap)

	var recCount [4]byte
	binary.BigEndian.PutUint32(recCount[:], uint32(len(c.Records)))
	buf.Write(recCount[:])
	for _, r := range c.Records {
		var rb [accessRecordSize]byte
		binary.BigEndian.PutUint64(rb[0:8], uint64(r.AttachTime.UnixNano()))
		binary.BigEndian.PutUint64(rb[8:16], uint64(r.DetachTime.UnixNano()))
		binary.BigEndian.PutUint64(rb[16:24], uint64(r.BytesHit))
		binary.BigEndian.PutUint64(rb[24:32], uint64(r.BytesMissed))
		binary.BigEndian.PutUint64(rb[32:40], uint64(r.BytesBypassed))
		binary.BigEndian.PutUint64(rb[40:48], uint64(r.IOs))
		binary.BigEndian.PutUint64(rb[48:56], uint64(r.Merges))
		buf.Write(rb[:])
	}

	var cksumLen [4]byte
	binary.BigEndian.PutUint32(cksumLen[:], uint32(len(c.Checksum)))
	buf.Write(cksumLen[:])
	buf.WriteString(c.Checksum)
	return buf.Bytes()
}

// DecodeCinfo parses data produced by Encode. A version mismatch or
// truncated buffer is treated as a corrupt cinfo (spec.md §4.12): the
// caller must delete the cached copy and re-fetch rather than trust it.
func DecodeCinfo(data []byte) (*Cinfo, error) {
	if len(data) < 33 {
		return nil, fmt.Errorf("pfc: cinfo truncated (%d bytes)", len(data))
	}
	c := &Cinfo{}
	c.Version = binary.BigEndian.Uint32(data[0:4])
	if c.Version != cinfoVersion {
		return nil, fmt.Errorf("pfc: cinfo version %d unsupported (want %d)", c.Version, cinfoVersion)
	}
	c.BlockSize = int64(binary.BigEndian.Uint64(data[4:12]))
	c.FileSize = int64(binary.BigEndian.Uint64(data[12:20]))
	c.CreatedAt = time.Unix(0, int64(binary.BigEndian.Uint64(data[20:28])))
	c.ChecksumState = ChecksumState(data[28])
	off := 29

	if off+4 > len(data) {
		return nil, fmt.Errorf("pfc: cinfo truncated at bitmap length")
	}
	bitmapLen := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if off+bitmapLen > len(data) {
		return nil, fmt.Errorf("pfc: cinfo truncated bitmap")
	}
	c.Bitmap = append([]byte(nil), data[off:off+bitmapLen]...)
	off += bitmapLen

	if off+4 > len(data) {
		return nil, fmt.Errorf("pfc: cinfo truncated at record count")
	}
	recCount := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	for i := 0; i < recCount; i++ {
		if off+accessRecordSize > len(data) {
			return nil, fmt.Errorf("pfc: cinfo truncated access record %d", i)
		}
		rb := data[off : off+accessRecordSize]
		rec := AccessRecord{
			AttachTime:    time.Unix(0, int64(binary.BigEndian.Uint64(rb[0:8]))),
			DetachTime:    time.Unix(0, int64(binary.BigEndian.Uint64(rb[8:16]))),
			BytesHit:      int64(binary.BigEndian.Uint64(rb[16:24])),
			BytesMissed:   int64(binary.BigEndian.Uint64(rb[24:32])),
			BytesBypassed: int64(binary.BigEndian.Uint64(rb[32:40])),
			IOs:           int64(binary.BigEndian.Uint64(rb[40:48])),
			Merges:        int64(binary.BigEndian.Uint64(rb[48:56])),
		}
		c.Records = append(c.Records, rec)
		off += accessRecordSize
	}

	if off+4 > len(data) {
		return nil, fmt.Errorf("pfc: cinfo truncated at checksum length")
	}
	cksumLen := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if off+cksumLen > len(data) {
		return nil, fmt.Errorf("pfc: cinfo truncated checksum")
	}
	c.Checksum = string(data[off : off+cksumLen])
	off += cksumLen
	return c, nil
}
