// heap.go - 托管堆与分配辅助函数
//
// 托管堆是一段连续的字节区域，采用指针碰撞分配。快路径由 JIT 内联
// 发射（加载 allocPtr/heapLimit、比较、对齐、回写）；本文件提供
// 越界时的慢路径宿主函数。真正的垃圾回收器是外部协作者，这里的
// GCCollect 只负责让慢路径语义完整。

package runtime

import (
	"unsafe"
)

// HeapAlign 堆对齐粒度
const HeapAlign = 8

// alignPtr 向上对齐到 8 字节
func alignPtr(p uintptr) uintptr {
	return (p + HeapAlign - 1) &^ uintptr(HeapAlign-1)
}

// HeapAlloc 分配 size 字节，返回对象地址
// JIT 快路径失败时经由宿主调用进入；调用前栈帧必须已溢出完毕
//
//go:nosplit
func HeapAlloc(vm *VM, site uintptr, size uintptr) uintptr {
	newPtr := vm.M.AllocPtr + size
	if newPtr > vm.M.HeapLimit {
		GCCollect(vm, site, size)
		newPtr = vm.M.AllocPtr + size
		if newPtr > vm.M.HeapLimit {
			panic("aria: heap exhausted")
		}
	}
	addr := vm.M.AllocPtr
	vm.M.AllocPtr = alignPtr(newPtr)
	return addr
}

// GCCollect 触发垃圾回收
// 占位实现：回收器是外部协作者，这里仅验证根集合一致性所需的接口
func GCCollect(vm *VM, site uintptr, size uintptr) {
	// 留给外部回收器；指针碰撞堆无法原地回收
	_ = site
	_ = size
}

// HeapContains 检查地址是否落在托管堆内
func (vm *VM) HeapContains(p uintptr) bool {
	base := uintptr(unsafe.Pointer(&vm.heap[0]))
	return p >= base && p < base+uintptr(len(vm.heap))
}

// HeapUsed 已使用的堆字节数
func (vm *VM) HeapUsed() int {
	return int(vm.M.AllocPtr - uintptr(unsafe.Pointer(&vm.heap[0])))
}
