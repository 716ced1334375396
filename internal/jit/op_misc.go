// op_misc.go - 全局变量、闭包与杂项宿主操作的降级

package jit

import (
	"github.com/chenqiao/aria/internal/ir"
	rt "github.com/chenqiao/aria/internal/runtime"
)

func init() {
	lowerTable[ir.OpGetGlobal] = lowerGetGlobal
	lowerTable[ir.OpSetGlobal] = lowerSetGlobal

	lowerTable[ir.OpNewClos] = lowerNewClos
	lowerTable[ir.OpClosSetCell] = lowerClosSetCell
	lowerTable[ir.OpClosGetCell] = lowerClosGetCell

	lowerTable[ir.OpGetTimeMs] = lowerGetTimeMs
	lowerTable[ir.OpGetStr] = hostOpLowerer("getStr", hostOutWord, rt.TagString)
	lowerTable[ir.OpLoadFile] = loadEvalLowerer("loadFile")
	lowerTable[ir.OpEvalStr] = loadEvalLowerer("evalStr")
}

// linkIdx 取链接表占位参数的索引，首次使用时分配
func linkIdx(c *Compiler, instr *ir.Instr, argIdx int) int32 {
	lc, ok := instr.Args[argIdx].(ir.LinkConst)
	if !ok {
		panic("jit: expected link-table argument")
	}
	if *lc.Idx == ir.LinkIdxNone {
		*lc.Idx = c.vm.AllocCell()
	}
	return int32(*lc.Idx)
}

// lowerGetGlobal 链接表单元读：字与标签分别从两个平行数组装载
func lowerGetGlobal(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm
	idx := linkIdx(c, instr, 0)
	out := s.GetOutOpnd(a, instr, 64, false)

	a.Mov(RegOpnd(RegScratch0, 64), MemOpnd(RegVM, rt.VMOffLinkWords, 64))
	a.Mov(RegOpnd(out.Reg, 64), MemOpnd(RegScratch0, idx*8, 64))
	a.Mov(RegOpnd(RegScratch0, 64), MemOpnd(RegVM, rt.VMOffLinkTags, 64))
	a.Movzx(RegScratch1, MemOpnd(RegScratch0, idx, 8))
	s.SetOutTypeReg(a, instr, RegScratch1)
}

// lowerSetGlobal 链接表单元写
func lowerSetGlobal(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm
	idx := linkIdx(c, instr, 0)

	w := s.GetWordOpnd(a, instr, 1, 64, RegScratch1, true)
	a.Mov(RegOpnd(RegScratch0, 64), MemOpnd(RegVM, rt.VMOffLinkWords, 64))
	a.Mov(MemOpnd(RegScratch0, idx*8, 64), w)

	a.Mov(RegOpnd(RegScratch0, 64), MemOpnd(RegVM, rt.VMOffLinkTags, 64))
	t := s.GetTypeOpnd(a, instr, 1, RegNone, true)
	if t.Kind == KindImm {
		a.Mov(MemOpnd(RegScratch0, idx, 8), t)
	} else {
		a.Movzx(RegScratch1, t)
		a.Mov(MemOpnd(RegScratch0, idx, 8), RegOpnd(RegScratch1, 8))
	}
}

// ============================================================================
// 闭包
// ============================================================================

// lowerNewClos new_clos(fun, numCaptures) -> closure
// 产出带函数指针与 numCaptures 个捕获槽的闭包；捕获单元由随后的
// clos_set_cell 写入
func lowerNewClos(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm
	spillForHostCall(c, s, instr)

	fc, ok := instr.Args[0].(ir.FuncConst)
	if !ok {
		panic("jit: new_clos expects function reference")
	}
	recAddr := c.FuncRecAddr(fc.Fn)
	nCells := s.GetWordOpnd(a, instr, 1, 64, RegScratch0, true)

	a.HostCall(c.helperAddr("newClos"),
		RegOpnd(RegVM, 64), ImmOpnd(int64(recAddr), 64), nCells)
	c.stats.HostCallSites++

	out := s.GetOutOpnd(a, instr, 64, false)
	a.Mov(RegOpnd(out.Reg, 64), RegOpnd(RegScratch1, 64))
	s.SetOutType(a, instr, rt.TagClosure)
}

// lowerClosSetCell clos_set_cell(clos, idx, cell)
func lowerClosSetCell(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm
	clos := s.GetWordOpnd(a, instr, 0, 64, RegScratch0, false)
	if !clos.IsReg(RegScratch0) {
		a.Mov(RegOpnd(RegScratch0, 64), clos)
	}
	idx, ok := instr.Args[1].(ir.IntConst)
	if !ok {
		panic("jit: clos_set_cell expects constant index")
	}
	cell := s.GetWordOpnd(a, instr, 2, 64, RegScratch1, false)
	if !cell.IsReg(RegScratch1) {
		a.Mov(RegOpnd(RegScratch1, 64), cell)
	}
	a.Mov(MemOpnd(RegScratch0, rt.ClosOffCells+8*int32(idx), 64), RegOpnd(RegScratch1, 64))
}

// lowerClosGetCell clos_get_cell(clos, idx) -> cellptr
func lowerClosGetCell(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm
	clos := s.GetWordOpnd(a, instr, 0, 64, RegScratch0, false)
	if !clos.IsReg(RegScratch0) {
		a.Mov(RegOpnd(RegScratch0, 64), clos)
	}
	idx, ok := instr.Args[1].(ir.IntConst)
	if !ok {
		panic("jit: clos_get_cell expects constant index")
	}
	out := s.GetOutOpnd(a, instr, 64, true)
	a.Mov(RegOpnd(out.Reg, 64), MemOpnd(RegScratch0, rt.ClosOffCells+8*int32(idx), 64))
	s.SetOutType(a, instr, rt.TagRawPtr)
}

// ============================================================================
// 杂项宿主操作
// ============================================================================

// lowerGetTimeMs 挂起点：毫秒时间戳，float64 位表示
func lowerGetTimeMs(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm
	spillForHostCall(c, s, instr)
	a.HostCall(c.helperAddr("getTimeMs"), RegOpnd(RegVM, 64))
	c.stats.HostCallSites++

	out := s.GetOutOpnd(a, instr, 64, false)
	a.Mov(RegOpnd(out.Reg, 64), RegOpnd(RegScratch1, 64))
	s.SetOutType(a, instr, rt.TagFloat64)
}

// loadEvalLowerer load_file / eval_str
// 宿主解析失败时直接返回 throwExc 的结果，非零即跳转过去
func loadEvalLowerer(helper string) lowerFn {
	return func(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
		a := c.asm
		site := spillForHostCall(c, s, instr)
		args := hostArgs(c, s, instr)
		args = []Opnd{args[0], ImmOpnd(int64(site), 64), args[1]}
		a.HostCall(c.helperAddr(helper), args...)
		c.stats.HostCallSites++

		okLbl := a.NewLabel()
		a.Test(RegOpnd(RegScratch1, 64), RegOpnd(RegScratch1, 64))
		a.JccLabel(CCE, okLbl)
		a.loadRetRegs()
		a.JmpReg(RegScratch1)
		a.Bind(okLbl)
	}
}
