//go:build unix

package watchdog

import (
	"os"

	"golang.org/x/sys/unix"
)

// tmpFreeMB reports free space in the temp directory. Lambda /tmp is small
// and shared with the init-phase markers.
func tmpFreeMB() (uint64, bool) {
	var stat unix.Statfs_t
	if err := unix.Statfs(os.TempDir(), &stat); err != nil {
		return 0, false
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize) / 1024 / 1024, true
}
