//go:build !windows

// mmap_unix.go - Unix 可执行内存映射

package jit

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapExecutable 映射一段 RWX 匿名内存
func mapExecutable(size int) ([]byte, uintptr, error) {
	pageSize := unix.Getpagesize()
	aligned := (size + pageSize - 1) &^ (pageSize - 1)

	mem, err := unix.Mmap(-1, 0, aligned,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, 0, err
	}
	return mem, uintptr(unsafe.Pointer(&mem[0])), nil
}

// unmapExecutable 解除映射
func unmapExecutable(mem []byte) error {
	return unix.Munmap(mem)
}
