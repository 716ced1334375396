// op_float.go - 浮点运算的降级
//
// 四则运算：操作数装入 XMM0/XMM1，运算后写回输出寄存器。
// sin/cos 等数学函数经宿主调用路由，参数走 XMM 传参。

package jit

import (
	"github.com/chenqiao/aria/internal/ir"
	rt "github.com/chenqiao/aria/internal/runtime"
)

func init() {
	lowerTable[ir.OpAddF64] = floatArithLowerer(0x58)
	lowerTable[ir.OpSubF64] = floatArithLowerer(0x5C)
	lowerTable[ir.OpMulF64] = floatArithLowerer(0x59)
	lowerTable[ir.OpDivF64] = floatArithLowerer(0x5E)

	lowerTable[ir.OpSinF64] = floatHostLowerer("sin", 1)
	lowerTable[ir.OpCosF64] = floatHostLowerer("cos", 1)
	lowerTable[ir.OpSqrtF64] = floatHostLowerer("sqrt", 1)
	lowerTable[ir.OpCeilF64] = floatHostLowerer("ceil", 1)
	lowerTable[ir.OpFloorF64] = floatHostLowerer("floor", 1)
	lowerTable[ir.OpLogF64] = floatHostLowerer("log", 1)
	lowerTable[ir.OpExpF64] = floatHostLowerer("exp", 1)
	lowerTable[ir.OpPowF64] = floatHostLowerer("pow", 2)
	lowerTable[ir.OpFmodF64] = floatHostLowerer("fmod", 2)
}

// loadXmm 把参数的字装入 XMM 寄存器
func loadXmm(c *Compiler, s *CodeGenState, instr *ir.Instr, argIdx int, x XmmReg, scratch Reg) {
	a := c.asm
	op := s.GetWordOpnd(a, instr, argIdx, 64, scratch, false)
	if op.Kind == KindReg {
		a.MovqToXmm(x, op.Reg)
		return
	}
	a.MovsdLoad(x, op)
}

func floatArithLowerer(opc byte) lowerFn {
	return func(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
		a := c.asm
		loadXmm(c, s, instr, 0, XMM0, RegScratch0)
		loadXmm(c, s, instr, 1, XMM1, RegScratch1)
		a.sseArith(opc, XMM0, XmmOpnd(XMM1))

		out := s.GetOutOpnd(a, instr, 64, true)
		a.MovqFromXmm(out.Reg, XMM0)
		s.SetOutType(a, instr, rt.TagFloat64)
	}
}

// HostCallF 浮点宿主调用：参数已在 XMM0..，结果回到 XMM0
func (a *Assembler) HostCallF(addr uintptr) {
	a.syncStackRegs()
	a.SaveJITRegs()
	a.MovImm(RegScratch1, int64(addr), 64)
	a.CallReg(RegScratch1)
	a.LoadJITRegs()
	a.reloadStackRegs()
}

// floatHostLowerer 经宿主调用路由的数学函数
func floatHostLowerer(name string, nargs int) lowerFn {
	return func(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
		a := c.asm
		lv := c.livenessOf(instr.Block.Fn)
		s.SpillValues(a, func(val *ir.Instr) bool {
			return lv.LiveAcross(instr, val)
		})

		loadXmm(c, s, instr, 0, XMM0, RegScratch0)
		if nargs > 1 {
			loadXmm(c, s, instr, 1, XMM1, RegScratch1)
		}
		a.HostCallF(c.helperAddr(name))
		c.stats.HostCallSites++

		out := s.GetOutOpnd(a, instr, 64, false)
		a.MovqFromXmm(out.Reg, XMM0)
		s.SetOutType(a, instr, rt.TagFloat64)
	}
}
