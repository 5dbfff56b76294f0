//go:build !windows

package resource

import "syscall"

// freeStorageBytes reports available storage at path using the POSIX
// statfs syscall, mirroring a df query.
func freeStorageBytes(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// totalStorageBytes reports the total capacity of the filesystem at path.
func totalStorageBytes(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Blocks * uint64(stat.Bsize), nil
}
