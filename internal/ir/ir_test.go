// ir_test.go - IR 数据模型与构建器测试

package ir

import (
	"strings"
	"testing"
)

// TestBuilderBasics 构建器分配槽位并维护使用标记
func TestBuilderBasics(t *testing.T) {
	b := NewBuilder("f", 2, 1)
	p0 := b.Param(0)
	p1 := b.Param(1)
	sum := b.Append(OpAddI32, p0, p1)
	b.Ret(sum)

	if p0.OutSlot != b.Fn.ParamSlot(0) {
		t.Errorf("param 0 slot = %d, want %d", p0.OutSlot, b.Fn.ParamSlot(0))
	}
	if sum.OutSlot < 0 {
		t.Error("value-producing instruction has no out slot")
	}
	if !p0.HasUses || !p1.HasUses {
		t.Error("argument use not marked")
	}
	if sum.Block != b.Fn.Entry {
		t.Error("instruction not attached to current block")
	}
	if err := b.Fn.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

// TestValidateUnterminated 未终结的块是良构性违例
func TestValidateUnterminated(t *testing.T) {
	b := NewBuilder("f", 1, 0)
	p := b.Param(0)
	b.Append(OpAddI32, p, IntConst(1))

	if err := b.Fn.Validate(); err == nil {
		t.Error("unterminated block passed validation")
	}
}

// TestValidateMissingTarget 缺失分支目标是良构性违例
func TestValidateMissingTarget(t *testing.T) {
	b := NewBuilder("f", 1, 0)
	p := b.Param(0)
	tt := b.Append(OpIsInt32, p)
	in := &Instr{Op: OpIfTrue, Args: []Arg{tt}, OutSlot: -1, Block: b.Block()}
	b.Block().Instrs = append(b.Block().Instrs, in)

	if err := b.Fn.Validate(); err == nil {
		t.Error("if_true without targets passed validation")
	}
}

// TestOpMeta 操作码元信息
func TestOpMeta(t *testing.T) {
	if OpAddI32Ovf.NumTargets() != 2 {
		t.Error("overflow variant should have 2 targets")
	}
	if !OpIsInt32.IsTypeTest() || OpAddI32.IsTypeTest() {
		t.Error("IsTypeTest misclassifies")
	}
	if OpIsObject.TestedTag().String() != "object" {
		t.Errorf("is_object tests %v", OpIsObject.TestedTag())
	}
	if !OpEqF64.IsFloatCompare() || OpEqI32.IsFloatCompare() {
		t.Error("IsFloatCompare misclassifies")
	}
	if !OpRet.IsTerminator() || OpAddI32.IsTerminator() {
		t.Error("IsTerminator misclassifies")
	}
}

// TestLinkConst 链接表占位首次使用前未分配
func TestLinkConst(t *testing.T) {
	lc := NewLink()
	if *lc.Idx != LinkIdxNone {
		t.Error("fresh link placeholder already allocated")
	}
	if !strings.Contains(lc.argString(), "?") {
		t.Errorf("unallocated link renders as %q", lc.argString())
	}
}

// TestFuncString 打印包含块与指令
func TestFuncString(t *testing.T) {
	b := NewBuilder("pretty", 1, 0)
	p := b.Param(0)
	sum := b.Append(OpAddI32, p, IntConst(7))
	b.Ret(sum)

	s := b.Fn.String()
	if !strings.Contains(s, "entry:") || !strings.Contains(s, "add_i32") {
		t.Errorf("unexpected dump:\n%s", s)
	}
}
