// liveness_test.go - 活跃分析与类型传播测试

package jit

import (
	"testing"

	"github.com/chenqiao/aria/internal/ir"
	rt "github.com/chenqiao/aria/internal/runtime"
)

// TestLivenessFlow 值流入使用它的可达块
func TestLivenessFlow(t *testing.T) {
	b := ir.NewBuilder("f", 1, 0)
	p := b.Param(0)
	yes := b.NewBlock("yes")
	no := b.NewBlock("no")
	tt := b.Append(ir.OpIsInt32, p)
	b.IfTrue(tt, yes, no)

	b.SetBlock(yes)
	b.Ret(p)
	b.SetBlock(no)
	b.Ret(ir.UndefConst{})

	lv := NewLiveness(b.Fn)
	if !lv.LiveInto(p, yes) {
		t.Error("p should be live into yes (used there)")
	}
	if lv.LiveInto(p, no) {
		t.Error("p should not be live into no (unused)")
	}
	if !lv.LiveInto(p, b.Fn.Entry) {
		t.Error("p should be live in entry (used downstream)")
	}
}

// TestLivenessDiesAt 块内最后使用即死亡点
func TestLivenessDiesAt(t *testing.T) {
	b := ir.NewBuilder("f", 2, 0)
	p0 := b.Param(0)
	p1 := b.Param(1)
	sum := b.Append(ir.OpAddI32, p0, p1)
	ret := b.Ret(sum)

	lv := NewLiveness(b.Fn)
	addInstr := sum
	if !lv.DiesAt(addInstr, p0) {
		t.Error("p0 dies at its only use")
	}
	if !lv.DiesAt(ret, sum) {
		t.Error("sum dies at ret")
	}
	if lv.LiveAcross(addInstr, sum) {
		t.Error("a value is not live across its own definition")
	}
}

// TestLivenessLoop 环路让值在回边上保持活跃
func TestLivenessLoop(t *testing.T) {
	b := ir.NewBuilder("loop", 1, 0)
	p := b.Param(0)
	head := b.NewBlock("head")
	exit := b.NewBlock("exit")
	b.Jump(head)

	b.SetBlock(head)
	cmp := b.Append(ir.OpGtI32, p, ir.IntConst(0))
	b.IfTrue(cmp, head, exit)

	b.SetBlock(exit)
	b.Ret(ir.UndefConst{})

	lv := NewLiveness(b.Fn)
	// head 可达自身，p 在 head 内的使用不算死亡
	if lv.DiesAt(head.Instrs[0], p) {
		t.Error("loop-carried value must not die at in-loop use")
	}
}

// TestTypeProp 静态类型传播
func TestTypeProp(t *testing.T) {
	b := ir.NewBuilder("tp", 1, 0)
	p := b.Param(0)
	sum := b.Append(ir.OpAddI32, p, ir.IntConst(1))
	mv := b.Append(ir.OpMove, sum)
	b.Ret(mv)

	tp := NewTypeProp(b.Fn)
	if tag, ok := tp.TypeOf(sum); !ok || tag != rt.TagInt32 {
		t.Error("add_i32 output type not propagated")
	}
	if tag, ok := tp.TypeOf(mv); !ok || tag != rt.TagInt32 {
		t.Error("move did not forward operand type")
	}
	if _, ok := tp.TypeOf(p); ok {
		t.Error("parameter type should stay unknown")
	}
}
