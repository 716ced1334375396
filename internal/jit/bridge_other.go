//go:build !amd64

// bridge_other.go - 非 AMD64 平台占位
//
// 代码生成器只支持 x86-64；其他平台可以编译（用于交叉开发与测试
// 纯编译路径），但不能执行生成的代码。

package jit

func enterJIT(tramp, vm, entry uintptr) {
	panic("jit: native execution requires amd64")
}
