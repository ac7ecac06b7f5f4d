//go:build linux || darwin || freebsd

package fsdevice

import (
	"fmt"

	"golang.org/x/sys/unix"

	"portable-sync/internal/driver"
)

func capacity(root string) (driver.Capacity, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return driver.Capacity{}, fmt.Errorf("statfs %s: %w", root, err)
	}
	bsize := int64(st.Bsize)
	return driver.Capacity{
		Total:     int64(st.Blocks) * bsize,
		Available: int64(st.Bavail) * bsize,
	}, nil
}
