//go:build linux

package local

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fruitsalade/projectd/internal/storage"
)

// statTimes uses statx so the birth time is reported on filesystems that
// record one.
func statTimes(path string) (storage.Times, error) {
	var stx unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, path, unix.AT_STATX_SYNC_AS_STAT, unix.STATX_BTIME|unix.STATX_MTIME, &stx)
	if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EPERM) {
		// Kernels and sandboxes without statx.
		info, err := os.Stat(path)
		if err != nil {
			return storage.Times{}, err
		}
		return storage.Times{Created: info.ModTime(), Modified: info.ModTime()}, nil
	}
	if err != nil {
		return storage.Times{}, &os.PathError{Op: "statx", Path: path, Err: err}
	}
	modified := time.Unix(stx.Mtime.Sec, int64(stx.Mtime.Nsec))
	created := modified
	if stx.Mask&unix.STATX_BTIME != 0 {
		created = time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec))
	}
	return storage.Times{Created: created, Modified: modified}, nil
}
