// vm.go - VM 上下文
//
// VM 持有 JIT 代码运行所需的全部共享资源：字栈和类型栈、托管堆、
// 链接表、字符串驻留表、形状注册表以及宿主函数地址表。
// 结构体开头的 MachRegs 区域按固定偏移被生成的机器码直接访问，
// 字段顺序不可改动。

package runtime

import (
	"sync"
	"unsafe"
)

// ============================================================================
// 机器可见区域
// ============================================================================

// MachRegs VM 结构体的机器可见头部
// JIT 代码通过 vm 寄存器加偏移访问这些字段
type MachRegs struct {
	WspTop    uintptr // +0  字栈顶（进入 JIT 时装入 wsp）
	TspTop    uintptr // +8  类型栈顶（装入 tsp）
	AllocPtr  uintptr // +16 堆分配指针
	HeapLimit uintptr // +24 堆上限
	RetWord   uint64  // +32 JIT 返回宿主时的返回值字
	RetType   uint64  // +40 JIT 返回宿主时的返回值标签
	LinkWords uintptr // +48 链接表字数组基址
	LinkTags  uintptr // +56 链接表标签数组基址
}

// MachRegs 字段偏移，供代码生成器使用
const (
	VMOffWspTop    = 0
	VMOffTspTop    = 8
	VMOffAllocPtr  = 16
	VMOffHeapLimit = 24
	VMOffRetWord   = 32
	VMOffRetType   = 40
	VMOffLinkWords = 48
	VMOffLinkTags  = 56
)

// ============================================================================
// 调用点与抛出点信息（异常回溯用）
// ============================================================================

// CallSiteInfo 调用点信息，键为延续的返回地址
// CallerSlots/CallerParams 描述调用者自身的栈帧，用于继续回溯
type CallSiteInfo struct {
	ExcAddr      uintptr // 异常延续入口（无则为 0）
	HasExc       bool
	CallerSlots  int // 调用者帧的固定槽位数
	CallerParams int // 调用者的形参个数
}

// ThrowSiteInfo 抛出点信息，描述抛出所在函数的栈帧
type ThrowSiteInfo struct {
	FrameSlots int // 固定槽位数（ra/clos/this/argc/形参/局部变量）
	NumParams  int
}

// ============================================================================
// 链接表
// ============================================================================

// LinkCell 链接表单元
type LinkCell struct {
	Word uint64
	Tag  TypeTag
}

// ============================================================================
// VM
// ============================================================================

// 栈槽布局（被调方帧基址起的正偏移）
const (
	RASlot    = 0 // 返回地址
	ClosSlot  = 1 // 闭包
	ThisSlot  = 2 // this
	ArgcSlot  = 3 // 实参个数
	ArgSlot   = 4 // 首个形参
	WordSize  = 8
	FrameHdr  = 4 // ra + clos + this + argc
)

// 默认容量
const (
	DefaultStackSlots = 16 * 1024
	DefaultHeapSize   = 8 * 1024 * 1024
	DefaultLinkCap    = 256
)

// VM 虚拟机上下文
type VM struct {
	M MachRegs // 必须是第一个字段

	wordStack []uint64
	typeStack []byte
	heap      []byte

	linkWords []uint64
	linkTags  []byte
	linkUsed  int

	// 字符串驻留表：Go 字符串 -> 堆上字符串对象地址
	strings map[string]uintptr

	// 形状注册表，保证 Shape 对象存活（对象头存裸指针）
	shapes []*Shape

	// 函数记录注册表（闭包存裸指针）
	funcRecs []*FuncRecord

	// 全局对象
	Globals *Object

	// 宿主函数地址表：名字 -> 入口地址
	helperAddrs map[string]uintptr

	// 异常回溯用的调用点 / 抛出点注册表
	callSites  map[uintptr]*CallSiteInfo
	throwSites map[uintptr]*ThrowSiteInfo

	// 顶层处理器（退出桩地址），由 JIT 初始化时写入
	TopHandler uintptr

	// 未捕获异常暂存
	PendingExc    Value
	HasPendingExc bool

	// FFI 已加载库
	ffiLibs   map[uintptr]*FFILib
	ffiNextID uintptr

	mu sync.Mutex
}

// NewVM 创建 VM 上下文
func NewVM() *VM {
	vm := &VM{
		wordStack:   make([]uint64, DefaultStackSlots),
		typeStack:   make([]byte, DefaultStackSlots),
		heap:        make([]byte, DefaultHeapSize),
		linkWords:   make([]uint64, DefaultLinkCap),
		linkTags:    make([]byte, DefaultLinkCap),
		strings:     make(map[string]uintptr),
		helperAddrs: make(map[string]uintptr),
		callSites:   make(map[uintptr]*CallSiteInfo),
		throwSites:  make(map[uintptr]*ThrowSiteInfo),
		ffiLibs:     make(map[uintptr]*FFILib),
		ffiNextID:   1,
	}

	// 栈向低地址增长：栈顶从数组末尾之后开始
	wsBase := uintptr(unsafe.Pointer(&vm.wordStack[0]))
	tsBase := uintptr(unsafe.Pointer(&vm.typeStack[0]))
	vm.M.WspTop = wsBase + uintptr(DefaultStackSlots)*WordSize
	vm.M.TspTop = tsBase + uintptr(DefaultStackSlots)

	heapBase := uintptr(unsafe.Pointer(&vm.heap[0]))
	vm.M.AllocPtr = heapBase
	vm.M.HeapLimit = heapBase + uintptr(len(vm.heap))

	vm.M.LinkWords = uintptr(unsafe.Pointer(&vm.linkWords[0]))
	vm.M.LinkTags = uintptr(unsafe.Pointer(&vm.linkTags[0]))

	vm.Globals = vm.NewObject(64)
	return vm
}

// ============================================================================
// 栈访问（宿主侧）
// ============================================================================

// StackBase 字栈基址
func (vm *VM) StackBase() uintptr {
	return uintptr(unsafe.Pointer(&vm.wordStack[0]))
}

// ReadSlot 读取当前帧的一个槽位
func (vm *VM) ReadSlot(slot int) Value {
	w := *(*uint64)(unsafe.Pointer(vm.M.WspTop + uintptr(slot)*WordSize))
	t := *(*byte)(unsafe.Pointer(vm.M.TspTop + uintptr(slot)))
	return Value{Word: w, Tag: TypeTag(t)}
}

// WriteSlot 写入当前帧的一个槽位
func (vm *VM) WriteSlot(slot int, v Value) {
	*(*uint64)(unsafe.Pointer(vm.M.WspTop + uintptr(slot)*WordSize)) = v.Word
	*(*byte)(unsafe.Pointer(vm.M.TspTop + uintptr(slot))) = byte(v.Tag)
}

// PushFrame 为被调函数开辟 slots 个槽位
func (vm *VM) PushFrame(slots int) {
	vm.M.WspTop -= uintptr(slots) * WordSize
	vm.M.TspTop -= uintptr(slots)
}

// PopFrame 弹出 slots 个槽位
func (vm *VM) PopFrame(slots int) {
	vm.M.WspTop += uintptr(slots) * WordSize
	vm.M.TspTop += uintptr(slots)
}

// ============================================================================
// 链接表
// ============================================================================

// AllocCell 分配一个链接表单元，返回 32 位索引
func (vm *VM) AllocCell() uint32 {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.linkUsed == len(vm.linkWords) {
		// 扩容后基址变化，同步机器可见区域
		nw := make([]uint64, len(vm.linkWords)*2)
		nt := make([]byte, len(vm.linkTags)*2)
		copy(nw, vm.linkWords)
		copy(nt, vm.linkTags)
		vm.linkWords = nw
		vm.linkTags = nt
		vm.M.LinkWords = uintptr(unsafe.Pointer(&vm.linkWords[0]))
		vm.M.LinkTags = uintptr(unsafe.Pointer(&vm.linkTags[0]))
	}

	idx := vm.linkUsed
	vm.linkWords[idx] = NullWord
	vm.linkTags[idx] = byte(TagConst)
	vm.linkUsed++
	return uint32(idx)
}

// SetCell 写入链接表单元
func (vm *VM) SetCell(idx uint32, v Value) {
	vm.linkWords[idx] = v.Word
	vm.linkTags[idx] = byte(v.Tag)
}

// GetCell 读取链接表单元
func (vm *VM) GetCell(idx uint32) Value {
	return Value{Word: vm.linkWords[idx], Tag: TypeTag(vm.linkTags[idx])}
}

// LinkUsed 已分配的链接表单元数
func (vm *VM) LinkUsed() int {
	return vm.linkUsed
}

// ============================================================================
// 宿主函数地址表
// ============================================================================

// SetHelperAddr 注册宿主函数地址
func (vm *VM) SetHelperAddr(name string, addr uintptr) {
	vm.helperAddrs[name] = addr
}

// HelperAddr 查询宿主函数地址，未注册返回 0
func (vm *VM) HelperAddr(name string) uintptr {
	return vm.helperAddrs[name]
}

// ============================================================================
// 调用点 / 抛出点注册
// ============================================================================

// RegisterCallSite 注册调用点（键为延续返回地址）
func (vm *VM) RegisterCallSite(retAddr uintptr, info *CallSiteInfo) {
	vm.callSites[retAddr] = info
}

// RegisterThrowSite 注册抛出点
func (vm *VM) RegisterThrowSite(site uintptr, info *ThrowSiteInfo) {
	vm.throwSites[site] = info
}

// CallSite 查询调用点信息
func (vm *VM) CallSite(retAddr uintptr) *CallSiteInfo {
	return vm.callSites[retAddr]
}

// ThrowSite 查询抛出点信息
func (vm *VM) ThrowSite(site uintptr) *ThrowSiteInfo {
	return vm.throwSites[site]
}
