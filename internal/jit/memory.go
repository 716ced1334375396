// memory.go - 可执行代码堆
//
// JIT 生成的机器码写入一块进程级的可执行映射（代码堆）。版本落地
// 后的引用修补是对同一映射的原地写，只发生在受影响范围首次执行
// 之前，因此映射保持 RWX。
//
// 安全注意事项：生产环境可改用 W^X 策略（先 RW 写入再切 RX），
// 但那要求修补窗口内来回切换权限，这里沿用单映射方案。

package jit

import (
	"fmt"
)

// DefaultCodeHeapSize 默认代码堆大小
const DefaultCodeHeapSize = 16 * 1024 * 1024

// CodeHeap 可执行代码堆
type CodeHeap struct {
	mem  []byte
	base uintptr
}

// NewCodeHeap 映射 size 字节的可执行内存
func NewCodeHeap(size int) (*CodeHeap, error) {
	if size <= 0 {
		size = DefaultCodeHeapSize
	}
	mem, base, err := mapExecutable(size)
	if err != nil {
		return nil, fmt.Errorf("jit: map code heap: %w", err)
	}
	return &CodeHeap{mem: mem, base: base}, nil
}

// Buf 映射的字节视图
func (h *CodeHeap) Buf() []byte {
	return h.mem
}

// Base 映射基址
func (h *CodeHeap) Base() uintptr {
	return h.base
}

// Size 映射大小
func (h *CodeHeap) Size() int {
	return len(h.mem)
}

// Release 解除映射
func (h *CodeHeap) Release() error {
	if h.mem == nil {
		return nil
	}
	err := unmapExecutable(h.mem)
	h.mem = nil
	return err
}
