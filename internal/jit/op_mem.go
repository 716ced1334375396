// op_mem.go - 内存加载与存储的降级
//
// 地址形式：base + 常量位移 或 base + 索引寄存器。
// 加载按操作码变体决定宽度与扩展方式，输出标签静态已知。
// 64 位存储的 refptr/rawptr/funptr/shapeptr 变体宽度相同，
// 区别只在值的类型侧效应（这里即输出标签元信息）。

package jit

import (
	"github.com/chenqiao/aria/internal/ir"
)

func init() {
	lowerTable[ir.OpLoad8S] = loadLowerer(8, true)
	lowerTable[ir.OpLoad8Z] = loadLowerer(8, false)
	lowerTable[ir.OpLoad16S] = loadLowerer(16, true)
	lowerTable[ir.OpLoad16Z] = loadLowerer(16, false)
	lowerTable[ir.OpLoad32S] = loadLowerer(32, true)
	lowerTable[ir.OpLoad32Z] = loadLowerer(32, false)
	lowerTable[ir.OpLoad64] = loadLowerer(64, false)
	lowerTable[ir.OpLoadF64] = loadLowerer(64, false)
	lowerTable[ir.OpLoadRefPtr] = loadLowerer(64, false)
	lowerTable[ir.OpLoadRawPtr] = loadLowerer(64, false)
	lowerTable[ir.OpLoadFunPtr] = loadLowerer(64, false)
	lowerTable[ir.OpLoadShapePtr] = loadLowerer(64, false)

	lowerTable[ir.OpStore8] = storeLowerer(8)
	lowerTable[ir.OpStore16] = storeLowerer(16)
	lowerTable[ir.OpStore32] = storeLowerer(32)
	lowerTable[ir.OpStore64] = storeLowerer(64)
	lowerTable[ir.OpStoreF64] = storeLowerer(64)
	lowerTable[ir.OpStoreRefPtr] = storeLowerer(64)
	lowerTable[ir.OpStoreRawPtr] = storeLowerer(64)
	lowerTable[ir.OpStoreFunPtr] = storeLowerer(64)
	lowerTable[ir.OpStoreShapePtr] = storeLowerer(64)
}

// memAddr 组装 base+disp 或 base+index 寻址
func memAddr(c *Compiler, s *CodeGenState, instr *ir.Instr, size uint8) Opnd {
	a := c.asm
	base := s.GetWordOpnd(a, instr, 0, 64, RegScratch0, false)
	if base.Kind != KindReg {
		a.Mov(RegOpnd(RegScratch0, 64), base)
		base = RegOpnd(RegScratch0, 64)
	}

	if off, ok := instr.Args[1].(ir.IntConst); ok {
		return MemOpnd(base.Reg, int32(off), size)
	}
	idx := s.GetWordOpnd(a, instr, 1, 64, RegScratch1, false)
	if idx.Kind != KindReg {
		a.Mov(RegOpnd(RegScratch1, 64), idx)
		idx = RegOpnd(RegScratch1, 64)
	}
	return MemIdxOpnd(base.Reg, idx.Reg, 0, size)
}

func loadLowerer(width uint8, signExt bool) lowerFn {
	return func(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
		a := c.asm
		mem := memAddr(c, s, instr, width)
		out := s.GetOutOpnd(a, instr, 64, true)

		switch {
		case width == 64:
			a.Mov(RegOpnd(out.Reg, 64), mem)
		case width == 32 && signExt:
			a.Movsxd(out.Reg, mem)
		case width == 32:
			// 32 位装载自动清零高位
			a.Mov(RegOpnd(out.Reg, 32), mem)
		case signExt:
			a.Movsx(out.Reg, mem)
		default:
			a.Movzx(out.Reg, mem)
		}
		s.SetOutType(a, instr, instr.Op.OutTag())
	}
}

func storeLowerer(width uint8) lowerFn {
	return func(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
		a := c.asm
		mem := memAddr(c, s, instr, width)
		val := s.GetWordOpnd(a, instr, 2, width, RegScratch2, width <= 32)
		a.Mov(mem, val)
	}
}
