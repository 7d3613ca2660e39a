//go:build linux

package block

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctlBlockGetSize(fd uintptr) (int64, error) {
	var size uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); errno != 0 {
		return 0, errno
	}
	return int64(size), nil
}

func ioctlBlockGetSectorSize(fd uintptr) (int64, error) {
	size, err := unix.IoctlGetInt(int(fd), unix.BLKSSZGET)
	if err != nil {
		return 0, err
	}
	return int64(size), nil
}
