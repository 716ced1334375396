// op_cmp.go - 类型测试、比较与控制流的降级
//
// 类型测试算法：
// 1. 先查状态的类型表；已知则折叠成编译期常量
// 2. 状态不知道而静态类型传播（可插拔）知道，用后者
// 3. 结果已知且唯一使用是紧随的 if_true：省去布尔物化，
//    直接发射无条件跳转（真边携带细化后的状态）
// 4. 否则 cmp 类型字节并经 cmov 产出布尔；紧随 if_true 时融合为
//    条件跳转
// 融合类型测试的真边上克隆状态并 set_type —— 这是 BBV 类型特化的
// 唯一来源。比较与类型测试走同一套融合路径；浮点比较遵循 ucomisd
// 的 IEEE 无序语义。

package jit

import (
	"github.com/chenqiao/aria/internal/ir"
	rt "github.com/chenqiao/aria/internal/runtime"
)

func init() {
	for op := ir.OpIsInt32; op <= ir.OpIsConst; op++ {
		lowerTable[op] = lowerTypeTest
	}

	lowerTable[ir.OpEqI8] = cmpLowerer(8, CCE)
	lowerTable[ir.OpEqI32] = cmpLowerer(32, CCE)
	lowerTable[ir.OpNeI32] = cmpLowerer(32, CCNE)
	lowerTable[ir.OpLtI32] = cmpLowerer(32, CCL)
	lowerTable[ir.OpLeI32] = cmpLowerer(32, CCLE)
	lowerTable[ir.OpGtI32] = cmpLowerer(32, CCG)
	lowerTable[ir.OpGeI32] = cmpLowerer(32, CCGE)
	lowerTable[ir.OpEqI64] = cmpLowerer(64, CCE)
	lowerTable[ir.OpNeI64] = cmpLowerer(64, CCNE)
	lowerTable[ir.OpLtI64] = cmpLowerer(64, CCL)
	lowerTable[ir.OpLeI64] = cmpLowerer(64, CCLE)
	lowerTable[ir.OpGtI64] = cmpLowerer(64, CCG)
	lowerTable[ir.OpGeI64] = cmpLowerer(64, CCGE)

	lowerTable[ir.OpEqF64] = lowerFloatEq(false)
	lowerTable[ir.OpNeF64] = lowerFloatEq(true)
	lowerTable[ir.OpLtF64] = fcmpLowerer(true, CCA)
	lowerTable[ir.OpLeF64] = fcmpLowerer(true, CCAE)
	lowerTable[ir.OpGtF64] = fcmpLowerer(false, CCA)
	lowerTable[ir.OpGeF64] = fcmpLowerer(false, CCAE)

	lowerTable[ir.OpJump] = lowerJump
	lowerTable[ir.OpIfTrue] = lowerIfTrue
}

// fuseCandidate 紧随其后且唯一消费本结果的 if_true
func fuseCandidate(s *CodeGenState, instr *ir.Instr) *ir.Instr {
	insts := instr.Block.Instrs
	for i, in := range insts {
		if in != instr {
			continue
		}
		if i+1 >= len(insts) {
			return nil
		}
		next := insts[i+1]
		if next.Op != ir.OpIfTrue || next.InstrArg(0) != instr {
			return nil
		}
		if s.live != nil && !s.live.DiesAt(next, instr) {
			return nil
		}
		return next
	}
	return nil
}

// genCondBranch 按条件码向 branch 指令的两个后继发射最少跳转
func genCondBranch(c *Compiler, branch *ir.Instr, cc CC, sTrue, sFalse *CodeGenState) {
	m := c.vermgr
	m.GenBranch(
		Edge{Block: branch.Targets[0], State: sTrue},
		&Edge{Block: branch.Targets[1], State: sFalse},
		func(shape BranchShape, v0, v1 *BlockVersion) {
			switch shape {
			case ShapeNext0:
				m.JccTo(cc.Negate(), v1)
			case ShapeNext1:
				m.JccTo(cc, v0)
			default:
				m.JccTo(cc, v0)
				m.JmpToVer(v1)
			}
		})
}

// emitBoolCmov 经 cmov 物化布尔结果
func emitBoolCmov(c *Compiler, s *CodeGenState, instr *ir.Instr, cc CC) {
	a := c.asm
	out := s.GetOutOpnd(a, instr, 64, false)
	a.MovImm(out.Reg, int64(rt.FalseWord), 32)
	a.MovImm(RegScratch0, int64(rt.TrueWord), 32)
	a.CmovCC(cc, out.Reg, RegOpnd(RegScratch0, 64), 64)
	s.SetOutType(a, instr, rt.TagConst)
}

// ============================================================================
// 类型测试
// ============================================================================

// staticArgTag 参数的编译期类型（状态 -> 常量标签 -> 类型传播）
func staticArgTag(c *Compiler, s *CodeGenState, instr *ir.Instr, argIdx int) (rt.TypeTag, bool) {
	if v := instr.InstrArg(argIdx); v != nil {
		if t, ok := s.TypeOf(v); ok {
			return t, ok
		}
		if l := s.LocOf(v); l.Kind == LocImm {
			return l.Tag, true
		}
		if c.opts.TypeProp {
			return c.typePropOf(instr.Block.Fn).TypeOf(v)
		}
		return 0, false
	}
	t := constTag(instr.Args[argIdx])
	return t, t != ir.NoTag
}

func lowerTypeTest(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm
	tested := instr.Op.TestedTag()
	arg := instr.InstrArg(0)

	if known, ok := staticArgTag(c, s, instr, 0); ok {
		// 折叠为编译期常量
		c.stats.TypeTestsFolded++
		result := known == tested

		if next := fuseCandidate(s, instr); next != nil {
			s.skipNext = next
			target := next.Targets[1]
			st := s.Copy()
			if result {
				target = next.Targets[0]
				if arg != nil {
					st.SetType(arg, tested)
				}
			}
			st.Forget(instr)
			c.vermgr.JumpTo(st, target)
			return
		}

		word := rt.FalseWord
		if result {
			word = rt.TrueWord
		}
		s.SetOutImm(instr, word, rt.TagConst)
		return
	}

	// 运行期测试：cmp 类型字节
	typeOpnd := s.GetTypeOpnd(a, instr, 0, RegNone, false)
	a.Cmp(typeOpnd, ImmOpnd(int64(tested), 8))

	if next := fuseCandidate(s, instr); next != nil {
		s.skipNext = next
		sTrue := s.Copy()
		sTrue.SetType(arg, tested)
		sTrue.Forget(instr)
		sFalse := s.Copy()
		sFalse.Forget(instr)
		genCondBranch(c, next, CCE, sTrue, sFalse)
		return
	}
	emitBoolCmov(c, s, instr, CCE)
}

// ============================================================================
// 整数比较
// ============================================================================

func cmpLowerer(width uint8, cc CC) lowerFn {
	return func(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
		a := c.asm
		op0 := s.GetWordOpnd(a, instr, 0, width, RegScratch0, false)
		op1 := s.GetWordOpnd(a, instr, 1, width, RegScratch1, true)
		a.Cmp(op0, op1)

		if next := fuseCandidate(s, instr); next != nil {
			s.skipNext = next
			sT := s.Copy()
			sT.Forget(instr)
			sF := sT.Copy()
			genCondBranch(c, next, cc, sT, sF)
			return
		}
		emitBoolCmov(c, s, instr, cc)
	}
}

// ============================================================================
// 浮点比较
// ============================================================================

// emitUcomisd 装载两侧并发射 ucomisd；swap 交换比较方向
func emitUcomisd(c *Compiler, s *CodeGenState, instr *ir.Instr, swap bool) {
	i0, i1 := 0, 1
	if swap {
		i0, i1 = 1, 0
	}
	loadXmm(c, s, instr, i0, XMM0, RegScratch0)
	loadXmm(c, s, instr, i1, XMM1, RegScratch1)
	c.asm.Ucomisd(XMM0, XMM1)
}

// fcmpLowerer 单条件码可表达的浮点比较
// 无序（NaN）置 CF=1，CCA/CCAE 为假，符合 IEEE 语义
func fcmpLowerer(swap bool, cc CC) lowerFn {
	return func(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
		emitUcomisd(c, s, instr, swap)

		if next := fuseCandidate(s, instr); next != nil {
			s.skipNext = next
			sT := s.Copy()
			sT.Forget(instr)
			sF := sT.Copy()
			genCondBranch(c, next, cc, sT, sF)
			return
		}
		emitBoolCmov(c, s, instr, cc)
	}
}

// lowerFloatEq feq 当且仅当 ZF=1 ∧ PF=0；fne 是其取反
func lowerFloatEq(negate bool) lowerFn {
	return func(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
		a := c.asm
		emitUcomisd(c, s, instr, false)

		if next := fuseCandidate(s, instr); next != nil {
			s.skipNext = next
			sT := s.Copy()
			sT.Forget(instr)
			sF := sT.Copy()
			genFloatEqBranch(c, next, negate, sT, sF)
			return
		}

		// 物化：sete/setnp 组合
		out := s.GetOutOpnd(a, instr, 64, false)
		if negate {
			a.SetCC(CCNE, RegScratch0)
			a.SetCC(CCP, RegScratch1)
			a.Or(RegOpnd(RegScratch0, 8), RegOpnd(RegScratch1, 8))
		} else {
			a.SetCC(CCE, RegScratch0)
			a.SetCC(CCNP, RegScratch1)
			a.And(RegOpnd(RegScratch0, 8), RegOpnd(RegScratch1, 8))
		}
		a.Movzx(out.Reg, RegOpnd(RegScratch0, 8))
		s.SetOutType(a, instr, rt.TagConst)
	}
}

// genFloatEqBranch feq/fne 融合分支；feq 需要 PF 与 ZF 的合取
func genFloatEqBranch(c *Compiler, branch *ir.Instr, negate bool, sTrue, sFalse *CodeGenState) {
	m := c.vermgr
	a := c.asm
	m.GenBranch(
		Edge{Block: branch.Targets[0], State: sTrue},
		&Edge{Block: branch.Targets[1], State: sFalse},
		func(shape BranchShape, v0, v1 *BlockVersion) {
			if !negate {
				// 真 = ZF=1 ∧ PF=0
				switch shape {
				case ShapeNext0:
					m.JccTo(CCP, v1)
					m.JccTo(CCNE, v1)
				case ShapeNext1:
					m.JccTo(CCP, v1)
					m.JccTo(CCE, v0)
				default:
					m.JccTo(CCP, v1)
					m.JccTo(CCNE, v1)
					m.JmpToVer(v0)
				}
				return
			}
			// 真 = PF=1 ∨ ZF=0
			switch shape {
			case ShapeNext0:
				lbl := a.NewLabel()
				a.JccLabel(CCP, lbl)
				m.JccTo(CCE, v1)
				a.Bind(lbl)
			case ShapeNext1:
				m.JccTo(CCP, v0)
				m.JccTo(CCNE, v0)
			default:
				m.JccTo(CCP, v0)
				m.JccTo(CCNE, v0)
				m.JmpToVer(v1)
			}
		})
}

// ============================================================================
// 控制流
// ============================================================================

func lowerJump(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	c.vermgr.JumpTo(s, instr.Targets[0])
}

func lowerIfTrue(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm

	// 条件已是编译期常量：无条件跳转
	if arg := instr.InstrArg(0); arg != nil {
		if l := s.LocOf(arg); l.Kind == LocImm {
			target := instr.Targets[1]
			if l.Word == rt.TrueWord && l.Tag == rt.TagConst {
				target = instr.Targets[0]
			}
			c.vermgr.JumpTo(s, target)
			return
		}
	} else if cv, ok := ir.ConstValue(instr.Args[0], c.vm); ok {
		target := instr.Targets[1]
		if cv.IsTrue() {
			target = instr.Targets[0]
		}
		c.vermgr.JumpTo(s, target)
		return
	}

	// cmp 真常量字节
	cond := s.GetWordOpnd(a, instr, 0, 8, RegScratch0, false)
	a.Cmp(cond, ImmOpnd(int64(rt.TrueWord), 8))
	genCondBranch(c, instr, CCE, s.Copy(), s.Copy())
}
