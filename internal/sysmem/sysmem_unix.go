//go:build unix

package sysmem

import (
	"golang.org/x/sys/unix"
)

func allocate(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

func release(region []byte) error {
	return unix.Munmap(region)
}
