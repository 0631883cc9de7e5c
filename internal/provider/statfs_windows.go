//go:build windows

package provider

import "errors"

// statfs is not available on Windows; the shell provider relies on df.
func statfs(string) (uint64, uint64, uint64, error) {
	return 0, 0, 0, errors.New("statfs is not supported on windows")
}
