//go:build windows

// mmap_windows.go - Windows 可执行内存分配

package jit

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// mapExecutable 用 VirtualAlloc 分配 RWX 内存
func mapExecutable(size int) ([]byte, uintptr, error) {
	aligned := (size + 0xFFF) &^ 0xFFF
	addr, err := windows.VirtualAlloc(0, uintptr(aligned),
		windows.MEM_COMMIT|windows.MEM_RESERVE,
		windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return nil, 0, err
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), aligned)
	return mem, addr, nil
}

// unmapExecutable 释放内存
func unmapExecutable(mem []byte) error {
	return windows.VirtualFree(uintptr(unsafe.Pointer(&mem[0])), 0, windows.MEM_RELEASE)
}
