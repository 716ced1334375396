// ffi.go - FFI 库注册表
//
// call_ffi 按 System V C ABI 调用堆外函数指针。动态加载本身依赖
// 平台加载器（外部协作者）；嵌入方通过 RegisterFFILib 预注册库的
// 符号表，dlopen/dlsym 宿主函数在注册表上解析。未注册的库名解析
// 失败，走 throwExc 路径抛 RuntimeError。

package runtime

// FFILib 已加载的 FFI 库
type FFILib struct {
	Name    string
	Symbols map[string]uintptr
	closed  bool
}

// RegisterFFILib 预注册一个库的符号表，返回句柄
func (vm *VM) RegisterFFILib(name string, symbols map[string]uintptr) uintptr {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	handle := vm.ffiNextID
	vm.ffiNextID++
	vm.ffiLibs[handle] = &FFILib{Name: name, Symbols: symbols}
	return handle
}

// DlOpenH dlopen(vm, site, nameStr) -> handle（未注册或已关闭返回 0）
func DlOpenH(vm *VM, site uintptr, nameAddr uintptr) uintptr {
	name := GoString(nameAddr)
	vm.mu.Lock()
	defer vm.mu.Unlock()

	for h, lib := range vm.ffiLibs {
		if lib.Name == name && !lib.closed {
			return h
		}
	}
	return 0
}

// DlSymH dlsym(vm, handle, nameStr) -> funptr
func DlSymH(vm *VM, handle uintptr, nameAddr uintptr) uintptr {
	vm.mu.Lock()
	lib := vm.ffiLibs[handle]
	vm.mu.Unlock()

	if lib == nil || lib.closed {
		return 0
	}
	return lib.Symbols[GoString(nameAddr)]
}

// DlCloseH dlclose(vm, handle) -> 0 成功 / 1 无效句柄
func DlCloseH(vm *VM, handle uintptr) uintptr {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	lib := vm.ffiLibs[handle]
	if lib == nil || lib.closed {
		return 1
	}
	lib.closed = true
	return 0
}
