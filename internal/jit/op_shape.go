// op_shape.go - 形状属性操作的降级
//
// 属性操作走隐藏类链，均为 GC 安全点：先溢出活跃值再进宿主调用。
// shape_get_prop 例外：槽位读取按对象容量在内联槽与溢出扩展表
// 之间内联选择，只有扩展表路径落入宿主。

package jit

import (
	"github.com/chenqiao/aria/internal/ir"
	rt "github.com/chenqiao/aria/internal/runtime"
)

func init() {
	lowerTable[ir.OpShapeGetDef] = hostOpLowerer("shapeGetDef", hostOutWord, rt.TagShapePtr)
	lowerTable[ir.OpShapeParent] = hostOpLowerer("shapeParent", hostOutWord, rt.TagShapePtr)
	lowerTable[ir.OpShapePropName] = hostOpLowerer("shapePropName", hostOutWord, rt.TagString)
	lowerTable[ir.OpShapeGetAttrs] = hostOpLowerer("shapeGetAttrs", hostOutWord, rt.TagInt32)

	lowerTable[ir.OpShapeSetProp] = lowerShapeSetProp
	lowerTable[ir.OpShapeGetProp] = lowerShapeGetProp
	lowerTable[ir.OpShapeDefConst] = lowerShapeValOp("defConst")
	lowerTable[ir.OpShapeSetAttrs] = hostOpLowerer("setPropAttrs", hostOutNone, 0)
}

// hostOutKind 宿主调用结果处理方式
type hostOutKind int

const (
	hostOutNone hostOutKind = iota // 无输出
	hostOutWord                    // 单字输出，标签静态已知
	hostOutPair                    // (字, 标签) 输出
)

// spillForHostCall 宿主调用前的溢出与抛出点登记
func spillForHostCall(c *Compiler, s *CodeGenState, instr *ir.Instr) uintptr {
	a := c.asm
	lv := c.livenessOf(instr.Block.Fn)
	s.SpillValues(a, func(val *ir.Instr) bool {
		return lv.LiveAcross(instr, val) || argOf(instr, val)
	})

	site := a.Addr(a.Used())
	c.vm.RegisterThrowSite(site, &rt.ThrowSiteInfo{
		FrameSlots: instr.Block.Fn.NumSlots(),
		NumParams:  instr.Block.Fn.NumParams,
	})
	return site
}

// argOf val 是否为 instr 的参数
func argOf(instr, val *ir.Instr) bool {
	for i := range instr.Args {
		if instr.InstrArg(i) == val {
			return true
		}
	}
	return false
}

// hostArgs 把指令参数物化为宿主调用操作数（字）
// 溢出完成后参数都可从栈槽归宿直接压栈
func hostArgs(c *Compiler, s *CodeGenState, instr *ir.Instr) []Opnd {
	a := c.asm
	out := []Opnd{RegOpnd(RegVM, 64)}
	for i := range instr.Args {
		if v := instr.InstrArg(i); v != nil {
			if l := s.LocOf(v); l.Kind == LocImm {
				out = append(out, ImmOpnd(int64(l.Word), 64))
			} else {
				out = append(out, MemOpnd(RegWsp, v.OutSlot*8, 64))
			}
			continue
		}
		word := s.constWord(a, instr.Args[i])
		out = append(out, ImmOpnd(int64(word), 64))
	}
	return out
}

// hostOpLowerer 纯宿主调用实现的操作
func hostOpLowerer(helper string, outKind hostOutKind, tag rt.TypeTag) lowerFn {
	return func(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
		a := c.asm
		spillForHostCall(c, s, instr)
		args := hostArgs(c, s, instr)
		a.HostCall(c.helperAddr(helper), args...)
		c.stats.HostCallSites++

		switch outKind {
		case hostOutWord:
			out := s.GetOutOpnd(a, instr, 64, false)
			a.Mov(RegOpnd(out.Reg, 64), RegOpnd(RegScratch1, 64))
			s.SetOutType(a, instr, tag)
		case hostOutPair:
			out := s.GetOutOpnd(a, instr, 64, false)
			a.Mov(RegOpnd(out.Reg, 64), RegOpnd(RegScratch1, 64))
			s.SetOutTypeReg(a, instr, RegScratch2)
		}
	}
}

// lowerShapeValOp 带标签值参数的属性操作：(obj, name, val)
// 值拆成字和标签两个实参传给宿主
func lowerShapeValOp(helper string) lowerFn {
	return func(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
		a := c.asm
		spillForHostCall(c, s, instr)

		args := hostArgs(c, s, instr) // vm, obj, name, valWord
		tOpnd := s.GetTypeOpnd(a, instr, len(instr.Args)-1, RegNone, true)
		if tOpnd.Kind != KindImm {
			t := tOpnd
			t.Size = 8
			a.Movzx(RegScratch2, t)
			tOpnd = RegOpnd(RegScratch2, 64)
		} else {
			tOpnd.Size = 64
		}
		args = append(args, tOpnd)

		a.HostCall(c.helperAddr(helper), args...)
		c.stats.HostCallSites++
	}
}

// lowerShapeSetProp shape_set_prop(obj, name, shape, val)
// 定义形状已知走槽位路径，否则按名字走完整属性写
func lowerShapeSetProp(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm
	spillForHostCall(c, s, instr)

	valIdx := len(instr.Args) - 1
	all := hostArgs(c, s, instr) // vm, obj, name, shape, valWord

	tOpnd := s.GetTypeOpnd(a, instr, valIdx, RegNone, true)
	if tOpnd.Kind != KindImm {
		t := tOpnd
		t.Size = 8
		a.Movzx(RegScratch2, t)
		tOpnd = RegOpnd(RegScratch2, 64)
	} else {
		tOpnd.Size = 64
	}

	if len(instr.Args) >= 4 {
		// setPropSlot(vm, obj, shape, word, tag)
		args := []Opnd{all[0], all[1], all[3], all[4], tOpnd}
		a.HostCall(c.helperAddr("setPropSlot"), args...)
	} else {
		// setProp(vm, obj, name, word, tag)
		args := []Opnd{all[0], all[1], all[2], all[3], tOpnd}
		a.HostCall(c.helperAddr("setProp"), args...)
	}
	c.stats.HostCallSites++
}

// lowerShapeGetProp shape_get_prop(obj, shape)
// slotIdx < cap 读内联槽；否则经宿主走 obj.next 扩展表
func lowerShapeGetProp(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm
	spillForHostCall(c, s, instr)

	obj := s.GetWordOpnd(a, instr, 0, 64, RegScratch0, false)
	if !obj.IsReg(RegScratch0) {
		a.Mov(RegOpnd(RegScratch0, 64), obj)
	}
	shape := s.GetWordOpnd(a, instr, 1, 64, RegScratch1, false)
	if !shape.IsReg(RegScratch1) {
		a.Mov(RegOpnd(RegScratch1, 64), shape)
	}

	out := s.GetOutOpnd(a, instr, 64, false)
	slow := a.NewLabel()
	done := a.NewLabel()

	// scratch2 = slotIdx, rdx = cap
	a.Mov(RegOpnd(RegScratch2, 32), MemOpnd(RegScratch1, int32(rt.ShapeOffSlotIdx), 32))
	a.Mov(RegOpnd(RDX, 32), MemOpnd(RegScratch0, rt.ObjOffCap, 32))
	a.Cmp(RegOpnd(RegScratch2, 32), RegOpnd(RDX, 32))
	a.JccLabel(CCAE, slow)

	// 内联槽：word = [obj+24+idx*8]，tag = [obj+24+cap*8+idx]
	a.Mov(RegOpnd(out.Reg, 64), MemScaleOpnd(RegScratch0, RegScratch2, 8, rt.ObjOffWords, 64))
	a.Lea(RSI, MemScaleOpnd(RegScratch0, RDX, 8, rt.ObjOffWords, 64))
	a.Movzx(RDX, MemIdxOpnd(RSI, RegScratch2, 0, 8))
	a.JmpLabel(done)

	// 扩展表路径
	a.Bind(slow)
	a.HostCall(c.helperAddr("getPropSlot"),
		RegOpnd(RegVM, 64), RegOpnd(RegScratch0, 64), RegOpnd(RegScratch1, 64))
	c.stats.HostCallSites++
	a.Mov(RegOpnd(out.Reg, 64), RegOpnd(RegScratch1, 64))
	a.Mov(RegOpnd(RDX, 64), RegOpnd(RegScratch2, 64))

	a.Bind(done)
	s.SetOutTypeReg(a, instr, RDX)
}
