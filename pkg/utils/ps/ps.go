package ps

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
)

const mb = 1024 * 1024

type Disk struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"usedPercent"`
}

func (d Disk) FreeMB() uint64 {
	return d.Free / mb
}

func (d Disk) String() string {
	return fmt.Sprintf("%s free of %s (%.1f%% used) on %s",
		humanize.IBytes(d.Free), humanize.IBytes(d.Total), d.UsedPercent, d.Path)
}

// DiskUsage reports the file system holding path. If path does not exist yet
// the nearest existing parent is used.
func DiskUsage(path string) (Disk, error) {
	p := existingParent(path)
	usage, err := disk.Usage(p)
	if err != nil {
		return Disk{}, fmt.Errorf("disk usage of %s: %w", p, err)
	}

	return Disk{
		Path:        p,
		Total:       usage.Total,
		Free:        usage.Free,
		UsedPercent: usage.UsedPercent,
	}, nil
}

// FreeSpaceOK reports whether more than minMB megabytes are free at path.
func FreeSpaceOK(path string, minMB uint64) (bool, Disk, error) {
	d, err := DiskUsage(path)
	if err != nil {
		return false, d, err
	}

	return d.FreeMB() > minMB, d, nil
}

func DirDiskUsage(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return size, nil
}

func existingParent(path string) string {
	p, err := filepath.Abs(path)
	if err != nil {
		p = path
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
