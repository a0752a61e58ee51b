//go:build unix

package physmem

import "golang.org/x/sys/unix"

func allocBacking(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
}

func freeBacking(mem []byte) error {
	return unix.Munmap(mem)
}
