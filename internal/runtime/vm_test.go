// vm_test.go - VM 上下文测试：栈、链接表、堆、字符串、闭包、数组

package runtime

import (
	"testing"
	"unsafe"
)

// TestMachRegsLayout 机器可见区域的偏移必须与常量一致
func TestMachRegsLayout(t *testing.T) {
	var m MachRegs
	checks := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"WspTop", unsafe.Offsetof(m.WspTop), VMOffWspTop},
		{"TspTop", unsafe.Offsetof(m.TspTop), VMOffTspTop},
		{"AllocPtr", unsafe.Offsetof(m.AllocPtr), VMOffAllocPtr},
		{"HeapLimit", unsafe.Offsetof(m.HeapLimit), VMOffHeapLimit},
		{"RetWord", unsafe.Offsetof(m.RetWord), VMOffRetWord},
		{"RetType", unsafe.Offsetof(m.RetType), VMOffRetType},
		{"LinkWords", unsafe.Offsetof(m.LinkWords), VMOffLinkWords},
		{"LinkTags", unsafe.Offsetof(m.LinkTags), VMOffLinkTags},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("offset of %s = %d, want %d", c.name, c.got, c.want)
		}
	}

	var vm VM
	if unsafe.Offsetof(vm.M) != 0 {
		t.Error("MachRegs must be the first VM field")
	}
}

// TestFrameStack 帧的压入弹出与槽位读写
func TestFrameStack(t *testing.T) {
	vm := NewVM()
	top := vm.M.WspTop

	vm.PushFrame(8)
	if vm.M.WspTop != top-8*WordSize {
		t.Error("PushFrame did not lower the word stack")
	}
	vm.WriteSlot(ArgSlot, Int32Val(7))
	if v := vm.ReadSlot(ArgSlot); v.Tag != TagInt32 || v.AsInt32() != 7 {
		t.Errorf("slot roundtrip = %v", v)
	}
	vm.PopFrame(8)
	if vm.M.WspTop != top {
		t.Error("PopFrame did not restore the word stack")
	}
}

// TestLinkTable 链接表分配与读写
func TestLinkTable(t *testing.T) {
	vm := NewVM()
	idx := vm.AllocCell()
	if v := vm.GetCell(idx); v.Tag != TagConst || v.Word != NullWord {
		t.Errorf("fresh cell = %v, want null", v)
	}
	vm.SetCell(idx, Int32Val(99))
	if v := vm.GetCell(idx); v.AsInt32() != 99 {
		t.Errorf("cell after set = %v", v)
	}

	// 扩容后基址与机器区域同步
	for i := 0; i < DefaultLinkCap+4; i++ {
		vm.AllocCell()
	}
	if vm.M.LinkWords != uintptr(unsafe.Pointer(&vm.linkWords[0])) {
		t.Error("link table base out of sync after growth")
	}
	if v := vm.GetCell(idx); v.AsInt32() != 99 {
		t.Error("cell content lost across growth")
	}
}

// TestHeapAlloc 指针碰撞分配与对齐
func TestHeapAlloc(t *testing.T) {
	vm := NewVM()
	before := vm.M.AllocPtr

	p := HeapAlloc(vm, 0, 30)
	if p != before {
		t.Error("alloc did not return the old alloc pointer")
	}
	if vm.M.AllocPtr%HeapAlign != 0 {
		t.Error("alloc pointer not aligned after bump")
	}
	if vm.M.AllocPtr != alignPtr(before+30) {
		t.Error("alloc pointer bumped by wrong amount")
	}
	if !vm.HeapContains(p) {
		t.Error("allocated address outside the heap")
	}
}

// TestStringIntern 字符串驻留：同内容同地址
func TestStringIntern(t *testing.T) {
	vm := NewVM()
	a := vm.GetString("hello")
	b := vm.GetString("hello")
	c := vm.GetString("world")

	if a != b {
		t.Error("same content interned to different objects")
	}
	if a == c {
		t.Error("different contents interned together")
	}
	if GoString(a) != "hello" || StrLen(a) != 5 {
		t.Errorf("roundtrip = %q len %d", GoString(a), StrLen(a))
	}
}

// TestClosureCells 闭包与捕获单元
func TestClosureCells(t *testing.T) {
	vm := NewVM()
	rec := &FuncRecord{Name: "f", NumParams: 1, NumSlots: 6}
	recAddr := vm.RegisterFunc(rec)

	clos := vm.NewClos(recAddr, 2)
	if ClosFunRec(clos) != rec {
		t.Error("closure does not reference its function record")
	}

	cell := vm.NewCell()
	CellWrite(cell, Int32Val(5))
	ClosSetCell(clos, 1, cell)
	if got := ClosGetCell(clos, 1); got != cell {
		t.Error("capture cell pointer lost")
	}
	if v := CellRead(cell); v.AsInt32() != 5 {
		t.Errorf("cell value = %v", v)
	}
}

// TestArray 数组对象读写
func TestArray(t *testing.T) {
	vm := NewVM()
	arr := vm.NewArray([]Value{Int32Val(1), Float64Val(2.0), TrueVal})

	if ArrayLen(arr) != 3 {
		t.Fatalf("len = %d, want 3", ArrayLen(arr))
	}
	if v := ArrayGet(arr, 0); v.AsInt32() != 1 {
		t.Errorf("arr[0] = %v", v)
	}
	if v := ArrayGet(arr, 2); !v.IsTrue() {
		t.Errorf("arr[2] = %v", v)
	}
}

// TestFFIRegistry FFI 库注册与符号解析
func TestFFIRegistry(t *testing.T) {
	vm := NewVM()
	h := vm.RegisterFFILib("libm", map[string]uintptr{"sin": 0x1234})

	name := vm.GetString("libm")
	if got := DlOpenH(vm, 0, name); got != h {
		t.Errorf("dlopen = %#x, want %#x", got, h)
	}
	sym := vm.GetString("sin")
	if got := DlSymH(vm, h, sym); got != 0x1234 {
		t.Errorf("dlsym = %#x", got)
	}
	if DlCloseH(vm, h) != 0 {
		t.Error("dlclose of valid handle failed")
	}
	if DlCloseH(vm, h) != 1 {
		t.Error("double dlclose did not report invalid handle")
	}
	if DlSymH(vm, h, sym) != 0 {
		t.Error("dlsym on closed library succeeded")
	}
}

// TestValueStrings 标签值打印
func TestValueStrings(t *testing.T) {
	if Int32Val(-3).String() != "-3" {
		t.Error("int32 print")
	}
	if TrueVal.String() != "true" || NullVal.String() != "null" {
		t.Error("const print")
	}
	if Float64Val(1.5).String() != "1.5" {
		t.Error("float print")
	}
}
