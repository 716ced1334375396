// funcrec.go - 函数记录与闭包布局
//
// FuncRecord 是 IR 函数在运行期的代表：闭包对象存它的裸指针，
// 间接调用经由 EntryCode 跳转（未编译时指向编译桩，编译后被
// 改写为真实入口，实现惰性编译）。记录由 VM 注册表保活。
//
// 闭包对象布局（托管堆内）：
//   +0  funRecord 指针
//   +8  numCells (uint32)
//   +12 填充
//   +16 cells [numCells]uintptr 捕获单元地址
//
// 捕获单元（boxed cell）布局：
//   +0 word (uint64)
//   +8 tag  (1 字节)

package runtime

import (
	"unsafe"
)

// 闭包对象偏移
const (
	ClosOffFunRec = 0
	ClosOffNCells = 8
	ClosOffCells  = 16
)

// FuncRecord 偏移（EntryCode 被 JIT 代码间接跳转读取，
// 参数/槽位数被动态调用的帧构造序列读取）
const (
	FunRecOffEntry  = 0
	FunRecOffParams = 8
	FunRecOffSlots  = 12
)

// FuncRecord 函数运行期记录
type FuncRecord struct {
	EntryCode uintptr // +0 入口代码地址（必须是第一个字段）
	NumParams int32
	NumSlots  int32 // 固定槽位数：帧头 + 形参 + 局部变量
	Name      string
}

// RegisterFunc 注册函数记录并返回其地址
func (vm *VM) RegisterFunc(rec *FuncRecord) uintptr {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.funcRecs = append(vm.funcRecs, rec)
	return uintptr(unsafe.Pointer(rec))
}

// FuncRecAt 从地址还原函数记录
func FuncRecAt(addr uintptr) *FuncRecord {
	return (*FuncRecord)(unsafe.Pointer(addr))
}

// ClosureSize 计算闭包对象大小
func ClosureSize(numCells uint32) uintptr {
	return uintptr(ClosOffCells) + uintptr(numCells)*WordSize
}

// NewClos 分配闭包对象
func (vm *VM) NewClos(funRec uintptr, numCells uint32) uintptr {
	addr := HeapAlloc(vm, 0, ClosureSize(numCells))
	*(*uintptr)(unsafe.Pointer(addr + ClosOffFunRec)) = funRec
	*(*uint32)(unsafe.Pointer(addr + ClosOffNCells)) = numCells
	for i := uint32(0); i < numCells; i++ {
		*(*uintptr)(unsafe.Pointer(addr + ClosOffCells + uintptr(i)*WordSize)) = 0
	}
	return addr
}

// ClosFunRec 读取闭包的函数记录
func ClosFunRec(clos uintptr) *FuncRecord {
	return FuncRecAt(*(*uintptr)(unsafe.Pointer(clos + ClosOffFunRec)))
}

// NewCell 分配捕获单元
func (vm *VM) NewCell() uintptr {
	addr := HeapAlloc(vm, 0, 16)
	*(*uint64)(unsafe.Pointer(addr)) = UndefWord
	*(*byte)(unsafe.Pointer(addr + WordSize)) = byte(TagConst)
	return addr
}

// ClosSetCell 写闭包的第 idx 个捕获单元
func ClosSetCell(clos uintptr, idx uint32, cell uintptr) {
	*(*uintptr)(unsafe.Pointer(clos + ClosOffCells + uintptr(idx)*WordSize)) = cell
}

// ClosGetCell 读闭包的第 idx 个捕获单元
func ClosGetCell(clos uintptr, idx uint32) uintptr {
	return *(*uintptr)(unsafe.Pointer(clos + ClosOffCells + uintptr(idx)*WordSize))
}

// CellRead 读捕获单元的值
func CellRead(cell uintptr) Value {
	return Value{
		Word: *(*uint64)(unsafe.Pointer(cell)),
		Tag:  TypeTag(*(*byte)(unsafe.Pointer(cell + WordSize))),
	}
}

// CellWrite 写捕获单元的值
func CellWrite(cell uintptr, v Value) {
	*(*uint64)(unsafe.Pointer(cell)) = v.Word
	*(*byte)(unsafe.Pointer(cell + WordSize)) = byte(v.Tag)
}
