// helpers_test.go - 宿主辅助函数测试：异常回溯

package runtime

import (
	"testing"
)

// 手工搭两层帧：caller(8 槽) 调 callee(6 槽)
func setupFrames(vm *VM, calleeRA uintptr) {
	vm.PushFrame(8)
	vm.WriteSlot(RASlot, Value{Word: 0xDEAD, Tag: TagRawPtr})
	vm.WriteSlot(ArgcSlot, Value{Word: 1, Tag: TagInt32})

	vm.PushFrame(6)
	vm.WriteSlot(RASlot, Value{Word: uint64(calleeRA), Tag: TagRawPtr})
	vm.WriteSlot(ArgcSlot, Value{Word: 1, Tag: TagInt32})
}

// TestThrowExcHandlerFound 回溯找到最近的异常延续
func TestThrowExcHandlerFound(t *testing.T) {
	vm := NewVM()
	vm.TopHandler = 0x9990

	const calleeRA = uintptr(0x5001)
	const excAddr = uintptr(0x6000)
	setupFrames(vm, calleeRA)
	top := vm.M.WspTop

	vm.RegisterThrowSite(1, &ThrowSiteInfo{FrameSlots: 6, NumParams: 1})
	vm.RegisterCallSite(calleeRA, &CallSiteInfo{
		ExcAddr: excAddr, HasExc: true, CallerSlots: 8, CallerParams: 1,
	})

	got := ThrowExc(vm, 1, 0, 42, uint64(TagInt32))
	if got != excAddr {
		t.Fatalf("handler = %#x, want %#x", got, excAddr)
	}
	// 只弹出 callee 帧
	if vm.M.WspTop != top+6*WordSize {
		t.Error("callee frame not popped exactly")
	}
	if vm.M.RetWord != 42 || TypeTag(vm.M.RetType) != TagInt32 {
		t.Error("exception value not staged in return registers")
	}
}

// TestThrowExcUncaught 无处理器时交给顶层
func TestThrowExcUncaught(t *testing.T) {
	vm := NewVM()
	vm.TopHandler = 0x9990

	const calleeRA = uintptr(0x5002)
	setupFrames(vm, calleeRA)
	base := vm.M.WspTop + 14*WordSize

	vm.RegisterThrowSite(2, &ThrowSiteInfo{FrameSlots: 6, NumParams: 1})
	vm.RegisterCallSite(calleeRA, &CallSiteInfo{
		HasExc: false, CallerSlots: 8, CallerParams: 1,
	})

	got := ThrowExc(vm, 2, 0, 7, uint64(TagInt32))
	if got != vm.TopHandler {
		t.Fatalf("handler = %#x, want top handler", got)
	}
	if vm.M.WspTop != base {
		t.Error("both frames should be popped")
	}
	if !vm.HasPendingExc || vm.PendingExc.AsInt32() != 7 {
		t.Error("pending exception not recorded")
	}
}

// TestThrowExcExplicitHandler 显式处理器直达
func TestThrowExcExplicitHandler(t *testing.T) {
	vm := NewVM()
	got := ThrowExc(vm, 0, 0x7777, 1, uint64(TagConst))
	if got != 0x7777 {
		t.Errorf("explicit handler = %#x", got)
	}
}
