// op_alloc.go - 堆分配的降级
//
// 内联指针碰撞快路径：装载 allocPtr/heapLimit，越界跳慢路径
// （溢出-回收宿主调用），否则对齐后回写并返回旧 allocPtr。
// 快慢路径进入前全部活跃值已溢出，GC 看到的帧始终一致。
// 输出标签按操作码变体固定。

package jit

import (
	"github.com/chenqiao/aria/internal/ir"
	rt "github.com/chenqiao/aria/internal/runtime"
)

func init() {
	lowerTable[ir.OpAllocObject] = lowerAlloc
	lowerTable[ir.OpAllocArray] = lowerAlloc
	lowerTable[ir.OpAllocClosure] = lowerAlloc
	lowerTable[ir.OpAllocString] = lowerAlloc
}

func lowerAlloc(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm
	lv := c.livenessOf(instr.Block.Fn)

	// 慢路径是 GC 安全点：指令处活跃的值先全部落盘
	s.SpillValues(a, func(val *ir.Instr) bool {
		return val == instr.InstrArg(0) || lv.LiveAcross(instr, val)
	})

	size := s.GetWordOpnd(a, instr, 0, 64, RegScratch2, true)
	out := s.GetOutOpnd(a, instr, 64, false)

	fallback := a.NewLabel()
	done := a.NewLabel()

	// scratch0 = allocPtr, scratch1 = newPtr
	a.Mov(RegOpnd(RegScratch0, 64), MemOpnd(RegVM, rt.VMOffAllocPtr, 64))
	a.Mov(RegOpnd(RegScratch1, 64), RegOpnd(RegScratch0, 64))
	a.Add(RegOpnd(RegScratch1, 64), size)
	a.Cmp(RegOpnd(RegScratch1, 64), MemOpnd(RegVM, rt.VMOffHeapLimit, 64))
	a.JccLabel(CCA, fallback)

	// 对齐到 8 字节后回写
	a.Add(RegOpnd(RegScratch1, 64), ImmOpnd(rt.HeapAlign-1, 64))
	a.And(RegOpnd(RegScratch1, 64), ImmOpnd(-rt.HeapAlign, 64))
	a.Mov(MemOpnd(RegVM, rt.VMOffAllocPtr, 64), RegOpnd(RegScratch1, 64))
	a.Mov(RegOpnd(out.Reg, 64), RegOpnd(RegScratch0, 64))
	a.JmpLabel(done)

	// 慢路径：溢出-回收宿主调用
	a.Bind(fallback)
	site := a.Addr(a.Used())
	c.vm.RegisterThrowSite(site, &rt.ThrowSiteInfo{
		FrameSlots: instr.Block.Fn.NumSlots(),
		NumParams:  instr.Block.Fn.NumParams,
	})
	a.HostCall(c.helperAddr("heapAlloc"),
		RegOpnd(RegVM, 64), ImmOpnd(int64(site), 64), size)
	c.stats.HostCallSites++
	a.Mov(RegOpnd(out.Reg, 64), RegOpnd(RegScratch1, 64))

	a.Bind(done)
	s.SetOutType(a, instr, instr.Op.OutTag())
}
