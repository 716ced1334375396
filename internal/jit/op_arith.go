// op_arith.go - 整数算术与移位的降级
//
// 模式：取两个操作数（其一可为立即数或内存），选输出寄存器并优先
// 复用可交换操作的任一输入。imul 的输出必须是寄存器。带溢出分支的
// 变体在运算后按 OF 发射条件跳转：后继 0 无溢出，后继 1 溢出。
// idiv 用固定的 RAX/RDX；移位计数不是常量时须在 CL。

package jit

import (
	"github.com/chenqiao/aria/internal/ir"
	rt "github.com/chenqiao/aria/internal/runtime"
)

func init() {
	lowerTable[ir.OpNop] = lowerNop
	lowerTable[ir.OpParam] = lowerParam
	lowerTable[ir.OpMove] = lowerMove

	lowerTable[ir.OpAddI32] = arithLowerer(aluAdd, true)
	lowerTable[ir.OpSubI32] = arithLowerer(aluSub, false)
	lowerTable[ir.OpAndI32] = arithLowerer(aluAnd, true)
	lowerTable[ir.OpOrI32] = arithLowerer(aluOr, true)
	lowerTable[ir.OpXorI32] = arithLowerer(aluXor, true)
	lowerTable[ir.OpMulI32] = lowerMulI32

	lowerTable[ir.OpAddI32Ovf] = arithOvfLowerer(aluAdd, true)
	lowerTable[ir.OpSubI32Ovf] = arithOvfLowerer(aluSub, false)
	lowerTable[ir.OpMulI32Ovf] = lowerMulI32Ovf

	lowerTable[ir.OpDivI32] = lowerDivMod(false)
	lowerTable[ir.OpModI32] = lowerDivMod(true)

	lowerTable[ir.OpShlI32] = shiftLowerer(4)
	lowerTable[ir.OpShrI32] = shiftLowerer(5)
	lowerTable[ir.OpSarI32] = shiftLowerer(7)
}

func lowerNop(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
}

// lowerParam 形参已在栈槽归宿，只登记位置
func lowerParam(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	if _, ok := s.vals[instr]; !ok {
		s.vals[instr] = StackLoc
	}
}

// lowerMove 字与标签的逐槽复制
func lowerMove(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm
	src := s.GetWordOpnd(a, instr, 0, 64, RegScratch0, true)
	out := s.GetOutOpnd(a, instr, 64, true)
	if !(src.Kind == KindReg && out.Kind == KindReg && src.Reg == out.Reg) {
		a.Mov(out, src)
	}

	tOpnd := s.GetTypeOpnd(a, instr, 0, RegNone, true)
	if tOpnd.Kind == KindImm {
		s.SetOutType(a, instr, rt.TypeTag(tOpnd.Imm))
	} else {
		a.Movzx(RegScratch1, tOpnd)
		s.SetOutTypeReg(a, instr, RegScratch1)
	}
}

// emitBinArith 共享的二元整数 ALU 模式
func emitBinArith(c *Compiler, s *CodeGenState, instr *ir.Instr, op aluBase, commutative bool) {
	a := c.asm
	op0 := s.GetWordOpnd(a, instr, 0, 32, RegScratch0, false)
	op1 := s.GetWordOpnd(a, instr, 1, 32, RegScratch1, true)
	out := s.GetOutOpnd(a, instr, 32, true)

	if out.Kind == KindReg && op1.IsReg(out.Reg) {
		if commutative {
			op0, op1 = op1, op0
		} else {
			a.Mov(RegOpnd(RegScratch1, 32), op1)
			op1 = RegOpnd(RegScratch1, 32)
		}
	}
	if !(op0.Kind == KindReg && out.Kind == KindReg && op0.Reg == out.Reg) {
		a.Mov(out, op0)
	}
	a.alu(op, out, op1)
	s.SetOutType(a, instr, rt.TagInt32)
}

func arithLowerer(op aluBase, commutative bool) lowerFn {
	return func(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
		emitBinArith(c, s, instr, op, commutative)
	}
}

// lowerMulI32 imul 输出必须是寄存器
func lowerMulI32(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	emitMul(c, s, instr)
	s.SetOutType(c.asm, instr, rt.TagInt32)
}

func emitMul(c *Compiler, s *CodeGenState, instr *ir.Instr) Opnd {
	a := c.asm
	op0 := s.GetWordOpnd(a, instr, 0, 32, RegScratch0, false)
	op1 := s.GetWordOpnd(a, instr, 1, 32, RegScratch1, true)
	out := s.GetOutOpnd(a, instr, 32, true)

	if op1.Kind == KindImm {
		if op0.Kind != KindReg {
			a.Mov(RegOpnd(RegScratch0, 32), op0)
			op0 = RegOpnd(RegScratch0, 32)
		}
		a.IMulImm(out.Reg, op0, int32(op1.Imm), 32)
		return out
	}

	if op1.IsReg(out.Reg) {
		op0, op1 = op1, op0
	}
	if !(op0.Kind == KindReg && op0.Reg == out.Reg) {
		a.Mov(out, op0)
	}
	a.IMul(out.Reg, op1, 32)
	return out
}

// arithOvfLowerer 带溢出分支的算术：后继 0 无溢出，后继 1 溢出
func arithOvfLowerer(op aluBase, commutative bool) lowerFn {
	return func(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
		emitBinArith(c, s, instr, op, commutative)
		genOvfBranch(c, s, instr)
	}
}

func lowerMulI32Ovf(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	emitMul(c, s, instr)
	s.SetOutType(c.asm, instr, rt.TagInt32)
	genOvfBranch(c, s, instr)
}

// genOvfBranch 按 OF 分支；溢出边上结果不可见（输出槽未写）
func genOvfBranch(c *Compiler, s *CodeGenState, instr *ir.Instr) {
	m := c.vermgr
	s0 := s.Copy()
	s1 := s.Copy()
	s1.Forget(instr)

	m.GenBranch(
		Edge{Block: instr.Targets[0], State: s0},
		&Edge{Block: instr.Targets[1], State: s1},
		func(shape BranchShape, v0, v1 *BlockVersion) {
			switch shape {
			case ShapeNext0:
				m.JccTo(CCO, v1)
			case ShapeNext1:
				m.JccTo(CCNO, v0)
			default:
				m.JccTo(CCO, v1)
				m.JmpToVer(v0)
			}
		})
}

// lowerDivMod idiv：溢出到固定寄存器对 RDX:RAX
func lowerDivMod(wantMod bool) lowerFn {
	return func(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
		a := c.asm

		// RDX 可能载有活跃值（RAX 是暂存，不会）
		if owner := s.RegOwnerOf(RDX); owner != nil {
			s.SpillReg(a, RDX)
		}

		// 被除数进 EAX，符号扩展到 EDX
		dividend := s.GetWordOpnd(a, instr, 0, 32, RegScratch0, false)
		if !dividend.IsReg(RAX) {
			a.Mov(RegOpnd(RAX, 32), dividend)
		}

		divisor := s.GetWordOpnd(a, instr, 1, 32, RegScratch1, false)
		if divisor.IsReg(RAX) || divisor.IsReg(RDX) {
			a.Mov(RegOpnd(RegScratch1, 32), divisor)
			divisor = RegOpnd(RegScratch1, 32)
		}

		a.Cdq()
		a.IDiv(divisor)

		out := s.GetOutOpnd(a, instr, 32, false)
		if wantMod {
			a.Mov(out, RegOpnd(RDX, 32))
		} else {
			a.Mov(out, RegOpnd(RAX, 32))
		}
		s.SetOutType(a, instr, rt.TagInt32)
	}
}

// shiftLowerer sal=4 shr=5 sar=7
// 常量计数掩码到 5 位；否则计数进 CL，且被移数不得占用 RCX
func shiftLowerer(ext byte) lowerFn {
	return func(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
		a := c.asm

		count := s.GetWordOpnd(a, instr, 1, 32, RegScratch1, true)
		if count.Kind == KindImm {
			op0 := s.GetWordOpnd(a, instr, 0, 32, RegScratch0, false)
			out := s.GetOutOpnd(a, instr, 32, true)
			if !(op0.Kind == KindReg && op0.Reg == out.Reg) {
				a.Mov(out, op0)
			}
			a.shift(ext, out, ImmOpnd(count.Imm&0x1F, 8))
			s.SetOutType(a, instr, rt.TagInt32)
			return
		}

		// 计数进 CL
		if owner := s.RegOwnerOf(RCX); owner != nil && owner != instr.InstrArg(1) {
			s.SpillReg(a, RCX)
		}
		if !count.IsReg(RCX) {
			a.Mov(RegOpnd(RCX, 32), count)
		}

		op0 := s.GetWordOpnd(a, instr, 0, 32, RegScratch0, false)
		if op0.IsReg(RCX) {
			a.Mov(RegOpnd(RegScratch0, 32), op0)
			op0 = RegOpnd(RegScratch0, 32)
		}
		out := s.GetOutOpnd(a, instr, 32, true)
		if out.IsReg(RCX) {
			// 输出不能占用移位计数寄存器；先选新寄存器再解除旧占用
			r := s.FreeReg(a, instr)
			s.Forget(instr)
			s.assignReg(instr, r)
			out = RegOpnd(r, 32)
		}
		if !(op0.Kind == KindReg && op0.Reg == out.Reg) {
			a.Mov(out, op0)
		}
		a.shift(ext, out, RegOpnd(RCX, 8))
		s.SetOutType(a, instr, rt.TagInt32)
	}
}
