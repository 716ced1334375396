//go:build amd64

// exec_test.go - 端到端执行测试
//
// 真正执行生成的机器码。默认跳过：W^X 策略的环境禁止 RWX 映射，
// CI 沙箱里也不宜默认执行自生成代码。设 ARIA_JIT_EXEC=1 启用。

package jit

import (
	"os"
	"testing"

	"github.com/chenqiao/aria/internal/ir"
	rt "github.com/chenqiao/aria/internal/runtime"
)

func execGuard(t *testing.T) {
	t.Helper()
	if os.Getenv("ARIA_JIT_EXEC") != "1" {
		t.Skip("native execution disabled; set ARIA_JIT_EXEC=1 to run")
	}
}

// TestExecAdd add_i32(5, 7) -> int32(12)
func TestExecAdd(t *testing.T) {
	execGuard(t)
	c, _ := newTestCompiler(t, nil)

	b := ir.NewBuilder("add", 2, 0)
	p0 := b.Param(0)
	p1 := b.Param(1)
	sum := b.Append(ir.OpAddI32, p0, p1)
	b.Ret(sum)

	got, err := c.Call(b.Fn, rt.Int32Val(5), rt.Int32Val(7))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got.Tag != rt.TagInt32 || got.AsInt32() != 12 {
		t.Errorf("add(5,7) = %v, want int32(12)", got)
	}
}

// TestExecBranch 类型测试分支两条路径
func TestExecBranch(t *testing.T) {
	execGuard(t)
	c, _ := newTestCompiler(t, nil)

	b := ir.NewBuilder("isint", 1, 0)
	p := b.Param(0)
	yes := b.NewBlock("yes")
	no := b.NewBlock("no")
	tt := b.Append(ir.OpIsInt32, p)
	b.IfTrue(tt, yes, no)
	b.SetBlock(yes)
	b.Ret(ir.BoolConst(true))
	b.SetBlock(no)
	b.Ret(ir.BoolConst(false))

	got, err := c.Call(b.Fn, rt.Int32Val(1))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !got.IsTrue() {
		t.Errorf("isint(int32) = %v, want true", got)
	}

	got, err = c.Call(b.Fn, rt.Float64Val(1.0))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got.IsTrue() {
		t.Errorf("isint(float) = %v, want false", got)
	}
}

// TestExecAlloc alloc_object 快路径返回旧 allocPtr 并对齐碰撞
func TestExecAlloc(t *testing.T) {
	execGuard(t)
	c, vm := newTestCompiler(t, nil)

	b := ir.NewBuilder("mk", 0, 0)
	obj := b.Append(ir.OpAllocObject, ir.IntConst(32))
	b.Ret(obj)

	before := vm.M.AllocPtr
	got, err := c.Call(b.Fn)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got.Tag != rt.TagObject {
		t.Errorf("alloc tag = %v, want object", got.Tag)
	}
	if got.AsPtr() != before {
		t.Errorf("alloc returned %#x, want old allocPtr %#x", got.AsPtr(), before)
	}
	if vm.M.AllocPtr != before+32 {
		t.Errorf("allocPtr bumped to %#x, want %#x", vm.M.AllocPtr, before+32)
	}
}
