// state_test.go - 代码生成状态测试
//
// 覆盖不变式：位置唯一、寄存器独占、立即数标签一致、溢出纪律、
// 规范化相等与哈希。

package jit

import (
	"testing"

	"github.com/chenqiao/aria/internal/ir"
	rt "github.com/chenqiao/aria/internal/runtime"
)

// buildAddFunc add(a, b) = a + b
func buildAddFunc() (*ir.Func, *ir.Instr, *ir.Instr, *ir.Instr) {
	b := ir.NewBuilder("add", 2, 0)
	p0 := b.Param(0)
	p1 := b.Param(1)
	sum := b.Append(ir.OpAddI32, p0, p1)
	b.Ret(sum)
	return b.Fn, p0, p1, sum
}

// TestRegOwnership 寄存器独占：两个值不会共享寄存器
func TestRegOwnership(t *testing.T) {
	fn, p0, p1, _ := buildAddFunc()
	a := testAsm()
	s := NewState(fn)

	s.vals[p0] = StackLoc
	s.vals[p1] = StackLoc

	r0 := s.FreeReg(a, nil)
	s.assignReg(p0, r0)
	r1 := s.FreeReg(a, nil)
	if r0 == r1 {
		t.Fatalf("FreeReg returned an owned register %s", r0)
	}
	s.assignReg(p1, r1)

	if s.RegOwnerOf(r0) != p0 || s.RegOwnerOf(r1) != p1 {
		t.Error("register owner index out of sync")
	}

	// 重复占用必须恐慌
	defer func() {
		if recover() == nil {
			t.Error("double register assignment did not panic")
		}
	}()
	s.assignReg(p1, r0)
}

// TestSpillReg 溢出写回栈槽并降级位置
func TestSpillReg(t *testing.T) {
	fn, p0, _, _ := buildAddFunc()
	a := testAsm()
	s := NewState(fn)

	s.vals[p0] = StackLoc
	r := s.FreeReg(a, nil)
	s.assignReg(p0, r)
	s.SetType(p0, rt.TagInt32)

	before := a.Used()
	s.SpillReg(a, r)
	if a.Used() == before {
		t.Error("spill emitted no code")
	}
	if l := s.LocOf(p0); l.Kind != LocStack {
		t.Errorf("spilled value location = %v, want stack", l.Kind)
	}
	if s.RegOwnerOf(r) != nil {
		t.Error("spilled register still owned")
	}
	// 类型事实保留
	if tag, ok := s.TypeOf(p0); !ok || tag != rt.TagInt32 {
		t.Error("type fact lost across spill")
	}
}

// TestSpillValuesPredicate 谓词筛选溢出对象
func TestSpillValuesPredicate(t *testing.T) {
	fn, p0, p1, _ := buildAddFunc()
	a := testAsm()
	s := NewState(fn)

	s.vals[p0] = StackLoc
	s.vals[p1] = StackLoc
	r0 := s.FreeReg(a, nil)
	s.assignReg(p0, r0)
	r1 := s.FreeReg(a, nil)
	s.assignReg(p1, r1)

	s.SpillValues(a, func(v *ir.Instr) bool { return v == p0 })
	if s.LocOf(p0).Kind != LocStack {
		t.Error("matching value not spilled")
	}
	if s.LocOf(p1).Kind != LocReg {
		t.Error("non-matching value spilled")
	}
}

// TestImmTagConsistency 立即数位置的标签与类型表一致（不变式 3）
func TestImmTagConsistency(t *testing.T) {
	fn, _, _, sum := buildAddFunc()
	s := NewState(fn)

	s.SetOutImm(sum, rt.TrueWord, rt.TagConst)
	l := s.LocOf(sum)
	tag, ok := s.TypeOf(sum)
	if l.Kind != LocImm || !ok || tag != l.Tag {
		t.Errorf("imm location tag %v inconsistent with type map %v", l.Tag, tag)
	}
}

// TestMaterializeImms 退化前立即数物化到栈槽
func TestMaterializeImms(t *testing.T) {
	fn, _, _, sum := buildAddFunc()
	a := testAsm()
	s := NewState(fn)

	s.SetOutImm(sum, 42, rt.TagInt32)
	before := a.Used()
	s.MaterializeImms(a)
	if a.Used() == before {
		t.Error("materialize emitted no stores")
	}
	if s.LocOf(sum).Kind != LocStack {
		t.Error("imm not demoted to stack")
	}
}

// TestStateEqualHash 规范化相等与哈希
func TestStateEqualHash(t *testing.T) {
	fn, p0, _, _ := buildAddFunc()
	s1 := NewState(fn)
	s2 := NewState(fn)

	s1.vals[p0] = StackLoc
	s2.vals[p0] = StackLoc
	s1.SetType(p0, rt.TagInt32)
	s2.SetType(p0, rt.TagInt32)

	if !s1.Equal(s2) {
		t.Error("identical states not equal")
	}
	if s1.Hash() != s2.Hash() {
		t.Error("identical states hash differently")
	}

	s2.SetType(p0, rt.TagFloat64)
	if s1.Equal(s2) {
		t.Error("states with different type maps compare equal")
	}
}

// TestCopyIsolation 克隆后修改互不影响
func TestCopyIsolation(t *testing.T) {
	fn, p0, _, _ := buildAddFunc()
	s := NewState(fn)
	s.vals[p0] = StackLoc

	c := s.Copy()
	c.SetType(p0, rt.TagInt32)
	if _, ok := s.TypeOf(p0); ok {
		t.Error("clone mutation leaked into original")
	}
}

// TestLRUSpill 寄存器耗尽时按 LRU 选牺牲者
func TestLRUSpill(t *testing.T) {
	fn, _, _, _ := buildAddFunc()
	a := testAsm()
	s := NewState(fn)

	// 占满全部可分配寄存器
	vals := make([]*ir.Instr, len(allocRegs))
	for i := range allocRegs {
		v := &ir.Instr{Op: ir.OpParam, OutSlot: int32(10 + i)}
		vals[i] = v
		s.vals[v] = StackLoc
		r := s.FreeReg(a, nil)
		s.assignReg(v, r)
	}

	r := s.FreeReg(a, nil)
	if r == RegNone {
		t.Fatal("FreeReg failed under pressure")
	}
	// 第一个分配的寄存器最久未访问，应被溢出
	if s.RegOwnerOf(r) != nil {
		t.Error("returned register still owned after spill")
	}
	if s.LocOf(vals[0]).Kind != LocStack {
		t.Error("LRU victim was not the oldest value")
	}
}
