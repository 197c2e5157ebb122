package pfc

import (
	"context"
	"fmt"

	"github.com/xrdgo/xrdcl/internal/oss"
)

const cinfoSuffix = ".cinfo"

func cinfoPath(dataPath string) string { return dataPath + cinfoSuffix }

// LoadCinfo reads and decodes the cinfo sidecar for dataPath from meta. A
// missing file is not an error — the caller treats it as "nothing cached
// yet"; a present-but-corrupt file is (spec.md §4.12's corrupt-cinfo rule).
func LoadCinfo(ctx context.Context, meta oss.FS, dataPath string) (*Cinfo, bool, error) {
	f, err := meta.Open(ctx, cinfoPath(dataPath))
	if err != nil {
		return nil, false, nil
	}
	defer f.Close()

	fi, err := meta.Stat(ctx, cinfoPath(dataPath))
	if err != nil {
		return nil, false, fmt.Errorf("pfc: stat cinfo %s: %w", dataPath, err)
	}
	buf := make([]byte, fi.Size)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, false, fmt.Errorf("pfc: read cinfo %s: %w", dataPath, err)
	}
	ci, err := DecodeCinfo(buf)
	if err != nil {
		return nil, true, err // present=true: caller must evict, not silently treat as absent
	}
	return ci, true, nil
}

// SaveCinfo persists ci for dataPath in meta, overwriting any prior copy.
func SaveCinfo(ctx context.Context, meta oss.FS, dataPath string, ci *Cinfo) error {
	buf := ci.Encode()
	f, err := meta.Create(ctx, cinfoPath(dataPath), int64(len(buf)))
	if err != nil {
		return fmt.Errorf("pfc: create cinfo %s: %w", dataPath, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("pfc: write cinfo %s: %w", dataPath, err)
	}
	return f.Truncate(int64(len(buf)))
}

// DeleteCached removes both the data file and its cinfo sidecar; used when
// a cinfo is found corrupt or a file is purged.
func DeleteCached(ctx context.Context, data, meta oss.FS, dataPath string) {
	_ = data.Unlink(ctx, dataPath)
	_ = meta.Unlink(ctx, cinfoPath(dataPath))
}
