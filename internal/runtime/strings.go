// strings.go - 字符串驻留
//
// 字符串对象布局：
//   +0 len  (uint32)
//   +4 填充
//   +8 data (len 字节)
// 相同内容的字符串驻留为同一个堆对象，指针相等即内容相等。

package runtime

import (
	"unsafe"
)

// 字符串对象偏移
const (
	StrOffLen  = 0
	StrOffData = 8
)

// GetString 驻留 Go 字符串，返回堆上字符串对象地址
func (vm *VM) GetString(s string) uintptr {
	if addr, ok := vm.strings[s]; ok {
		return addr
	}

	size := uintptr(StrOffData) + uintptr(len(s))
	addr := HeapAlloc(vm, 0, size)
	*(*uint32)(unsafe.Pointer(addr + StrOffLen)) = uint32(len(s))
	for i := 0; i < len(s); i++ {
		*(*byte)(unsafe.Pointer(addr + StrOffData + uintptr(i))) = s[i]
	}

	vm.strings[s] = addr
	return addr
}

// StrLen 读取字符串对象长度
func StrLen(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr + StrOffLen))
}

// GoString 把堆上字符串对象转换为 Go 字符串
func GoString(addr uintptr) string {
	n := StrLen(addr)
	b := make([]byte, n)
	for i := uint32(0); i < n; i++ {
		b[i] = *(*byte)(unsafe.Pointer(addr + StrOffData + uintptr(i)))
	}
	return string(b)
}

// InternStr 驻留已在堆上的字符串对象（getStr 宿主函数的实现主体）
func (vm *VM) InternStr(addr uintptr) uintptr {
	return vm.GetString(GoString(addr))
}
