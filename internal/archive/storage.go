package archive

import (
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/disk"
)

// FreeBytes reports the space left on the filesystem holding dir.
func FreeBytes(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, errors.Wrapf(err, "disk usage of %s", dir)
	}
	return usage.Free, nil
}
