//go:build unix

package shm

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapping is an anonymous shared mapping rounded up to whole pages.
type mapping struct {
	data []byte
}

func allocate(size int) (mapping, error) {
	page := os.Getpagesize()
	padded := (max(size, 1) + page - 1) &^ (page - 1)

	data, err := unix.Mmap(-1, 0, padded,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return mapping{}, err
	}
	return mapping{data: data}, nil
}

func (m mapping) bytes() []byte { return m.data }

// seal drops write access; later writes fault.
func (m mapping) seal() error {
	return unix.Mprotect(m.data, unix.PROT_READ)
}

func (m mapping) free() error {
	return unix.Munmap(m.data)
}
