// op_call.go - 调用、返回与抛出的降级
//
// 三种调用形式共用 genCallCont：调用指令之后原地发射延续着陆垫
// （把 retWord/retType 落到输出槽），返回地址指向着陆垫；有异常
// 后继时再发射异常着陆垫，并向 VM 登记调用点供 throwExc 回溯。
// 非急切模式下延续经编译桩惰性落地。
//
// JIT 函数之间不用机器 call：返回地址写在帧槽里，跳转进出。

package jit

import (
	"fmt"

	"github.com/chenqiao/aria/internal/ir"
	rt "github.com/chenqiao/aria/internal/runtime"
)

func init() {
	lowerTable[ir.OpCallPrim] = lowerCallPrim
	lowerTable[ir.OpCall] = lowerCall
	lowerTable[ir.OpCallApply] = lowerCallApply
	lowerTable[ir.OpRet] = lowerRet
	lowerTable[ir.OpThrow] = lowerThrow
}

// spillForCall 调用前溢出：调用后仍活跃的值都要落盘
func spillForCall(c *Compiler, s *CodeGenState, instr *ir.Instr) {
	lv := c.livenessOf(instr.Block.Fn)
	s.SpillValues(c.asm, func(val *ir.Instr) bool {
		return lv.LiveAcross(instr, val) || argOf(instr, val)
	})
}

// storeArgValue 把参数 argIdx 写入被调帧的字/标签槽
// wordMem/typeMem 是目标槽位操作数
func storeArgValue(c *Compiler, s *CodeGenState, instr *ir.Instr, argIdx int, wordMem, typeMem Opnd) {
	a := c.asm
	w := s.GetWordOpnd(a, instr, argIdx, 64, RegScratch0, true)
	if w.Kind == KindImm || w.Kind == KindReg {
		a.Mov(wordMem, w)
	} else {
		a.Mov(RegOpnd(RegScratch0, 64), w)
		a.Mov(wordMem, RegOpnd(RegScratch0, 64))
	}

	t := s.GetTypeOpnd(a, instr, argIdx, RegNone, true)
	if t.Kind == KindImm {
		a.Mov(typeMem, t)
	} else {
		a.Movzx(RegScratch0, t)
		a.Mov(typeMem, RegOpnd(RegScratch0, 8))
	}
}

// genCallCont 发射调用的延续与异常着陆垫并登记调用点
// raOfs 是返回地址立即数字段的偏移，落位后回填
func genCallCont(c *Compiler, s *CodeGenState, instr *ir.Instr, raOfs int) {
	a := c.asm
	m := c.vermgr
	fn := instr.Block.Fn
	lv := c.livenessOf(fn)

	// 延续着陆垫：返回值落到输出槽
	landOfs := a.Used()
	a.putU64At(raOfs, uint64(a.Addr(landOfs)))
	if instr.OutSlot >= 0 {
		a.Mov(MemOpnd(RegWsp, instr.OutSlot*8, 64), RegOpnd(RegRetWord, 64))
		a.Mov(MemOpnd(RegTsp, instr.OutSlot, 8), RegOpnd(RegRetType, 8))
	}

	// 延续状态：被调方破坏全部 GPR，存活值一律回到栈槽
	cs := s.Copy()
	for _, val := range cs.sortedVals() {
		if val != instr && !lv.LiveAcross(instr, val) {
			cs.Forget(val)
		}
	}
	cs.MapAllToStack()
	if instr.OutSlot >= 0 {
		cs.vals[instr] = StackLoc
		delete(cs.types, instr)
	}

	hasExc := instr.Targets[1] != nil

	// 延续跳转：急切模式直落或直达，惰性模式经延续桩
	if c.opts.Eager {
		m.JumpTo(cs, instr.Targets[0])
	} else {
		m.JmpToVer(m.GetVersion(instr.Targets[0], cs))
	}

	// 异常着陆垫
	var excAddr uintptr
	if hasExc {
		excOfs := a.Used()
		excAddr = a.Addr(excOfs)
		if instr.OutSlot >= 0 {
			a.Mov(MemOpnd(RegWsp, instr.OutSlot*8, 64), RegOpnd(RegRetWord, 64))
			a.Mov(MemOpnd(RegTsp, instr.OutSlot, 8), RegOpnd(RegRetType, 8))
		}
		es := cs.Copy()
		if c.opts.Eager {
			m.JumpTo(es, instr.Targets[1])
		} else {
			m.JmpToVer(m.GetVersion(instr.Targets[1], es))
		}
	}

	c.vm.RegisterCallSite(a.Addr(landOfs), &rt.CallSiteInfo{
		ExcAddr:      excAddr,
		HasExc:       hasExc,
		CallerSlots:  fn.NumSlots(),
		CallerParams: fn.NumParams,
	})
}

// ============================================================================
// call_prim：编译期解析的原语调用，元数必须精确匹配
// ============================================================================

func lowerCallPrim(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm

	// 在全局对象上解析宿主安装的原语闭包
	closVal := c.vm.GetProp(c.vm.Globals, instr.PrimName)
	if closVal.Tag != rt.TagClosure {
		panic(fmt.Sprintf("jit: call_prim %q: not installed", instr.PrimName))
	}
	rec := rt.ClosFunRec(closVal.AsPtr())

	numArgs := len(instr.Args)
	if int(rec.NumParams) != numArgs {
		panic(fmt.Sprintf("jit: call_prim %q: arity mismatch (%d != %d)",
			instr.PrimName, numArgs, rec.NumParams))
	}
	calleeSlots := int32(rec.NumSlots)

	spillForCall(c, s, instr)

	// 实参写入被调帧（当前帧之下的负偏移）
	wBase := -8 * calleeSlots
	tBase := -calleeSlots
	for i := 0; i < numArgs; i++ {
		slot := int32(rt.ArgSlot + i)
		storeArgValue(c, s, instr, i,
			MemOpnd(RegWsp, wBase+8*slot, 64),
			MemOpnd(RegTsp, tBase+slot, 8))
	}

	// 帧头：返回地址、闭包、this、argc
	raOfs := a.MovAbs(RegScratch0, 0)
	a.Mov(MemOpnd(RegWsp, wBase+8*rt.RASlot, 64), RegOpnd(RegScratch0, 64))
	a.Mov(MemOpnd(RegTsp, tBase+rt.RASlot, 8), ImmOpnd(int64(rt.TagRawPtr), 8))

	a.MovImm(RegScratch0, int64(closVal.Word), 64)
	a.Mov(MemOpnd(RegWsp, wBase+8*rt.ClosSlot, 64), RegOpnd(RegScratch0, 64))
	a.Mov(MemOpnd(RegTsp, tBase+rt.ClosSlot, 8), ImmOpnd(int64(rt.TagClosure), 8))

	a.Mov(MemOpnd(RegWsp, wBase+8*rt.ThisSlot, 64), ImmOpnd(int64(rt.UndefWord), 64))
	a.Mov(MemOpnd(RegTsp, tBase+rt.ThisSlot, 8), ImmOpnd(int64(rt.TagConst), 8))

	a.Mov(MemOpnd(RegWsp, wBase+8*rt.ArgcSlot, 64), ImmOpnd(int64(numArgs), 64))
	a.Mov(MemOpnd(RegTsp, tBase+rt.ArgcSlot, 8), ImmOpnd(int64(rt.TagInt32), 8))

	// 下压栈指针并经函数记录间接跳入（允许被调方惰性编译）
	a.Sub(RegOpnd(RegWsp, 64), ImmOpnd(int64(8*calleeSlots), 64))
	a.Sub(RegOpnd(RegTsp, 64), ImmOpnd(int64(calleeSlots), 64))
	recAddr := c.vm.RegisterFunc(rec)
	a.MovImm(RegScratch0, int64(recAddr), 64)
	a.JmpMem(MemOpnd(RegScratch0, rt.FunRecOffEntry, 64))

	genCallCont(c, s, instr, raOfs)
}

// ============================================================================
// call：动态闭包调用，帧尺寸运行期计算
// ============================================================================

func lowerCall(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm
	numArgs := len(instr.Args) - 2 // 去掉 closure 与 this

	spillForCall(c, s, instr)

	// 闭包类型守卫
	thunkLbl := a.NewLabel()
	known, ok := staticArgTag(c, s, instr, 0)
	switch {
	case ok && known == rt.TagClosure:
		// 守卫折叠
	case ok:
		a.JmpLabel(thunkLbl)
	default:
		tOpnd := s.GetTypeOpnd(a, instr, 0, RegNone, false)
		a.Cmp(tOpnd, ImmOpnd(int64(rt.TagClosure), 8))
		a.JccLabel(CCNE, thunkLbl)
	}

	// r9 = 闭包字，r10 = 函数记录
	clos := s.GetWordOpnd(a, instr, 0, 64, R9, false)
	if !clos.IsReg(R9) {
		a.Mov(RegOpnd(R9, 64), clos)
	}
	a.Mov(RegOpnd(R10, 64), MemOpnd(R9, rt.ClosOffFunRec, 64))

	// r11 = numParams, rdx = numSlots
	a.Mov(RegOpnd(R11, 32), MemOpnd(R10, rt.FunRecOffParams, 32))
	a.Mov(RegOpnd(RDX, 32), MemOpnd(R10, rt.FunRecOffSlots, 32))

	// r8 = 帧槽位总数 = numSlots + max(0, numArgs - numParams)
	a.MovImm(R8, int64(numArgs), 32)
	a.Sub(RegOpnd(R8, 32), RegOpnd(R11, 32))
	a.MovImm(RCX, 0, 32)
	a.CmovCC(CCS, R8, RegOpnd(RCX, 64), 64)
	a.Add(RegOpnd(R8, 32), RegOpnd(RDX, 32))

	// rdi/rsi = 被调帧的字/标签基址
	a.Mov(RegOpnd(RDI, 64), RegOpnd(RegWsp, 64))
	a.Mov(RegOpnd(RCX, 64), RegOpnd(R8, 64))
	a.Sal(RegOpnd(RCX, 64), ImmOpnd(3, 8))
	a.Sub(RegOpnd(RDI, 64), RegOpnd(RCX, 64))
	a.Mov(RegOpnd(RSI, 64), RegOpnd(RegTsp, 64))
	a.Sub(RegOpnd(RSI, 64), RegOpnd(R8, 64))

	// 缺省实参补 undefined：k = numArgs .. numParams-1
	loopLbl := a.NewLabel()
	loopDone := a.NewLabel()
	a.MovImm(RCX, int64(numArgs), 32)
	a.Bind(loopLbl)
	a.Cmp(RegOpnd(RCX, 32), RegOpnd(R11, 32))
	a.JccLabel(CCGE, loopDone)
	a.Mov(MemScaleOpnd(RDI, RCX, 8, 8*rt.ArgSlot, 64), ImmOpnd(int64(rt.UndefWord), 64))
	a.Mov(MemIdxOpnd(RSI, RCX, rt.ArgSlot, 8), ImmOpnd(int64(rt.TagConst), 8))
	a.Add(RegOpnd(RCX, 32), ImmOpnd(1, 32))
	a.JmpLabel(loopLbl)
	a.Bind(loopDone)

	// 提供的实参：第 i 个落到 formal 槽或溢出区
	for i := 0; i < numArgs; i++ {
		// rcx = i < P ? ArgSlot+i : numSlots + i - P
		a.MovImm(RCX, int64(rt.ArgSlot+i), 32)
		a.Mov(RegOpnd(RAX, 32), RegOpnd(RDX, 32))
		a.Sub(RegOpnd(RAX, 32), RegOpnd(R11, 32))
		a.Add(RegOpnd(RAX, 32), ImmOpnd(int64(i), 32))
		a.Cmp(RegOpnd(R11, 32), ImmOpnd(int64(i), 32))
		a.CmovCC(CCLE, RCX, RegOpnd(RAX, 64), 64)

		w := s.GetWordOpnd(a, instr, i+2, 64, RegScratch0, true)
		a.Mov(MemScaleOpnd(RDI, RCX, 8, 0, 64), w)
		t := s.GetTypeOpnd(a, instr, i+2, RegNone, true)
		if t.Kind == KindImm {
			a.Mov(MemIdxOpnd(RSI, RCX, 0, 8), t)
		} else {
			a.Movzx(RAX, t)
			a.Mov(MemIdxOpnd(RSI, RCX, 0, 8), RegOpnd(RAX, 8))
		}
	}

	// 帧头
	raOfs := a.MovAbs(RAX, 0)
	a.Mov(MemOpnd(RDI, 8*rt.RASlot, 64), RegOpnd(RAX, 64))
	a.Mov(MemOpnd(RSI, rt.RASlot, 8), ImmOpnd(int64(rt.TagRawPtr), 8))
	a.Mov(MemOpnd(RDI, 8*rt.ClosSlot, 64), RegOpnd(R9, 64))
	a.Mov(MemOpnd(RSI, rt.ClosSlot, 8), ImmOpnd(int64(rt.TagClosure), 8))

	thisW := s.GetWordOpnd(a, instr, 1, 64, RegScratch0, true)
	a.Mov(MemOpnd(RDI, 8*rt.ThisSlot, 64), thisW)
	thisT := s.GetTypeOpnd(a, instr, 1, RegNone, true)
	if thisT.Kind == KindImm {
		a.Mov(MemOpnd(RSI, rt.ThisSlot, 8), thisT)
	} else {
		a.Movzx(RAX, thisT)
		a.Mov(MemOpnd(RSI, rt.ThisSlot, 8), RegOpnd(RAX, 8))
	}

	a.Mov(MemOpnd(RDI, 8*rt.ArgcSlot, 64), ImmOpnd(int64(numArgs), 64))
	a.Mov(MemOpnd(RSI, rt.ArgcSlot, 8), ImmOpnd(int64(rt.TagInt32), 8))

	// 切换栈指针，经 entryCode 间接跳入（未编译时是编译桩）
	a.Mov(RegOpnd(RegWsp, 64), RegOpnd(RDI, 64))
	a.Mov(RegOpnd(RegTsp, 64), RegOpnd(RSI, 64))
	a.JmpMem(MemOpnd(R10, rt.FunRecOffEntry, 64))

	// 非闭包：构造 TypeError 并抛出
	a.Bind(thunkLbl)
	emitThrowThunk(c, instr, "TypeError: call of non-callable")

	genCallCont(c, s, instr, raOfs)
}

// emitThrowThunk 构造异常字符串并经 throwExc 转移控制
func emitThrowThunk(c *Compiler, instr *ir.Instr, msg string) {
	a := c.asm
	strAddr := c.vm.GetString(msg)
	site := a.Addr(a.Used())
	c.vm.RegisterThrowSite(site, &rt.ThrowSiteInfo{
		FrameSlots: instr.Block.Fn.NumSlots(),
		NumParams:  instr.Block.Fn.NumParams,
	})
	a.HostCall(c.helperAddr("throwExc"),
		RegOpnd(RegVM, 64), ImmOpnd(int64(site), 64), ImmOpnd(0, 64),
		ImmOpnd(int64(strAddr), 64), ImmOpnd(int64(rt.TagString), 64))
	c.stats.HostCallSites++
	a.loadRetRegs()
	a.JmpReg(RegScratch1)
}

// ============================================================================
// call_apply：整体回落到宿主构帧
// ============================================================================

func lowerCallApply(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm
	spillForCall(c, s, instr)

	// 闭包类型守卫
	thunkLbl := a.NewLabel()
	contLbl := a.NewLabel()
	known, ok := staticArgTag(c, s, instr, 0)
	switch {
	case ok && known == rt.TagClosure:
	case ok:
		a.JmpLabel(thunkLbl)
	default:
		tOpnd := s.GetTypeOpnd(a, instr, 0, RegNone, false)
		a.Cmp(tOpnd, ImmOpnd(int64(rt.TagClosure), 8))
		a.JccLabel(CCNE, thunkLbl)
	}

	// 返回地址先装入跨宿主调用保持的 R12
	raOfs := a.MovAbs(R12, 0)

	clos := s.GetWordOpnd(a, instr, 0, 64, RegScratch0, false)
	thisW := s.GetWordOpnd(a, instr, 1, 64, RegScratch2, true)
	arr := s.GetWordOpnd(a, instr, 2, 64, R13, false)
	if !arr.IsReg(R13) {
		a.Mov(RegOpnd(R13, 64), arr)
		arr = RegOpnd(R13, 64)
	}
	thisT := s.GetTypeOpnd(a, instr, 1, RegNone, true)
	if thisT.Kind != KindImm {
		t := thisT
		t.Size = 8
		a.Movzx(RegScratch1, t)
		thisT = RegOpnd(RegScratch1, 64)
	} else {
		thisT.Size = 64
	}

	a.HostCall(c.helperAddr("callApply"),
		RegOpnd(RegVM, 64), RegOpnd(R12, 64), clos, thisW, thisT, arr)
	c.stats.HostCallSites++
	a.JmpReg(RegScratch1)
	a.JmpLabel(contLbl)

	a.Bind(thunkLbl)
	emitThrowThunk(c, instr, "TypeError: apply of non-callable")
	a.Bind(contLbl)

	genCallCont(c, s, instr, raOfs)
}

// ============================================================================
// ret / throw
// ============================================================================

func lowerRet(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm
	fn := instr.Block.Fn

	// 返回值进保留的返回寄存器
	w := s.GetWordOpnd(a, instr, 0, 64, RegRetWord, true)
	if !w.IsReg(RegRetWord) {
		a.Mov(RegOpnd(RegRetWord, 64), w)
	}
	t := s.GetTypeOpnd(a, instr, 0, RegNone, true)
	if t.Kind == KindImm {
		a.MovImm(RegRetType, t.Imm, 32)
	} else {
		a.Movzx(RegRetType, t)
	}

	slots := int64(fn.NumSlots())
	// 返回地址先取出再弹帧
	a.Mov(RegOpnd(RegScratch0, 64), MemOpnd(RegWsp, 8*rt.RASlot, 64))

	if fn.IsPrim {
		// 固定元数：多余实参计算省略
		a.Add(RegOpnd(RegWsp, 64), ImmOpnd(8*slots, 64))
		a.Add(RegOpnd(RegTsp, 64), ImmOpnd(slots, 64))
		a.JmpReg(RegScratch0)
		return
	}

	// extras = max(0, argc - numParams)
	a.Mov(RegOpnd(RegScratch1, 32), MemOpnd(RegWsp, 8*rt.ArgcSlot, 32))
	a.Sub(RegOpnd(RegScratch1, 32), ImmOpnd(int64(fn.NumParams), 32))
	a.MovImm(RegScratch2, 0, 32)
	a.CmovCC(CCS, RegScratch1, RegOpnd(RegScratch2, 64), 64)

	a.Add(RegOpnd(RegWsp, 64), ImmOpnd(8*slots, 64))
	a.Add(RegOpnd(RegTsp, 64), ImmOpnd(slots, 64))
	a.Lea(RegWsp, MemScaleOpnd(RegWsp, RegScratch1, 8, 0, 64))
	a.Add(RegOpnd(RegTsp, 64), RegOpnd(RegScratch1, 64))
	a.JmpReg(RegScratch0)
}

func lowerThrow(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm

	// 抛出后帧被回溯遍历：全部活跃值落盘
	s.SpillValues(a, func(val *ir.Instr) bool { return true })

	w := s.GetWordOpnd(a, instr, 0, 64, RegScratch0, false)
	if !w.IsReg(RegScratch0) {
		a.Mov(RegOpnd(RegScratch0, 64), w)
	}
	t := s.GetTypeOpnd(a, instr, 0, RegScratch2, true)
	if t.Kind != KindImm {
		tt := t
		tt.Size = 8
		a.Movzx(RegScratch2, tt)
		t = RegOpnd(RegScratch2, 64)
	} else {
		t.Size = 64
	}

	site := a.Addr(a.Used())
	c.vm.RegisterThrowSite(site, &rt.ThrowSiteInfo{
		FrameSlots: instr.Block.Fn.NumSlots(),
		NumParams:  instr.Block.Fn.NumParams,
	})
	a.HostCall(c.helperAddr("throwExc"),
		RegOpnd(RegVM, 64), ImmOpnd(int64(site), 64), ImmOpnd(0, 64),
		RegOpnd(RegScratch0, 64), t)
	c.stats.HostCallSites++
	a.loadRetRegs()
	a.JmpReg(RegScratch1)
}
