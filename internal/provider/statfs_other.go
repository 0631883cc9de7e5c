//go:build !windows

package provider

import "golang.org/x/sys/unix"

// statfs reports filesystem size, used and available bytes for path.
func statfs(path string) (total, used, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, 0, err
	}
	bsize := uint64(st.Bsize)
	total = st.Blocks * bsize
	free = st.Bavail * bsize
	used = total - st.Bfree*bsize
	return total, used, free, nil
}
