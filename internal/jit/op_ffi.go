// op_ffi.go - FFI 调用的降级
//
// call_ffi 携带签名串 "ret,arg0,arg1,…"，元素取自
// {i8,i16,i32,i64,u8,u16,u32,u64,f64,*,void}。整数实参依次填入
// System V 的整数参数寄存器，浮点实参填入 XMM 寄存器，溢出的逆序
// 压机器栈；调用前机器栈按 16 字节对齐（奇数个栈实参补一个填充）。
// 返回：整数/指针在 RAX，浮点在 XMM0，void 产出 undefined。
// 签名非法属 IR 构建器缺陷，直接断言。

package jit

import (
	"fmt"
	"strings"

	"github.com/chenqiao/aria/internal/ir"
	rt "github.com/chenqiao/aria/internal/runtime"
)

func init() {
	lowerTable[ir.OpCallFFI] = lowerCallFFI
	lowerTable[ir.OpDlOpen] = lowerDlHost("dlopen", rt.TagRawPtr, "RuntimeError: dlopen failed")
	lowerTable[ir.OpDlSym] = lowerDlHost("dlsym", rt.TagFunPtr, "RuntimeError: dlsym failed")
	lowerTable[ir.OpDlClose] = lowerDlClose
}

// ffiType FFI 签名元素
type ffiType int

const (
	ffiI8 ffiType = iota
	ffiI16
	ffiI32
	ffiI64
	ffiU8
	ffiU16
	ffiU32
	ffiU64
	ffiF64
	ffiPtr
	ffiVoid
)

// parseFFISig 解析签名串；非法签名断言失败
func parseFFISig(sig string) (ret ffiType, args []ffiType) {
	parts := strings.Split(sig, ",")
	if len(parts) == 0 {
		panic("jit: empty ffi signature")
	}
	one := func(s string) ffiType {
		switch s {
		case "i8":
			return ffiI8
		case "i16":
			return ffiI16
		case "i32":
			return ffiI32
		case "i64":
			return ffiI64
		case "u8":
			return ffiU8
		case "u16":
			return ffiU16
		case "u32":
			return ffiU32
		case "u64":
			return ffiU64
		case "f64":
			return ffiF64
		case "*":
			return ffiPtr
		case "void":
			return ffiVoid
		default:
			panic(fmt.Sprintf("jit: bad ffi signature element %q", s))
		}
	}
	ret = one(parts[0])
	for _, p := range parts[1:] {
		t := one(p)
		if t == ffiVoid {
			panic("jit: void ffi argument")
		}
		args = append(args, t)
	}
	return
}

// ffiOutTag FFI 返回类型对应的标签
func ffiOutTag(t ffiType) rt.TypeTag {
	switch t {
	case ffiF64:
		return rt.TagFloat64
	case ffiI64, ffiU64:
		return rt.TagInt64
	case ffiPtr:
		return rt.TagRawPtr
	case ffiVoid:
		return rt.TagConst
	default:
		return rt.TagInt32
	}
}

func lowerCallFFI(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm
	retT, argTs := parseFFISig(instr.FFISig)
	if len(argTs) != len(instr.Args)-1 {
		panic("jit: ffi arity mismatch")
	}

	// FFI 调用是挂起点
	spillForCall(c, s, instr)

	// 函数指针装入 R10（C ABI 下非参数寄存器）
	fp := s.GetWordOpnd(a, instr, 0, 64, R10, false)
	if !fp.IsReg(R10) {
		a.Mov(RegOpnd(R10, 64), fp)
	}

	// 实参分桶
	var intArgs, fltArgs, stackArgs []int
	for i, t := range argTs {
		switch {
		case t == ffiF64 && len(fltArgs) < 8:
			fltArgs = append(fltArgs, i)
		case t != ffiF64 && len(intArgs) < len(sysvArgRegs):
			intArgs = append(intArgs, i)
		default:
			stackArgs = append(stackArgs, i)
		}
	}

	a.syncStackRegs()
	a.SaveJITRegs()

	// 栈实参逆序压栈；奇数个补对齐填充
	if len(stackArgs)%2 == 1 {
		a.Push(RAX)
	}
	for k := len(stackArgs) - 1; k >= 0; k-- {
		i := stackArgs[k]
		w := s.GetWordOpnd(a, instr, i+1, 64, RAX, false)
		if w.Kind == KindReg {
			a.Push(w.Reg)
		} else {
			a.Mov(RegOpnd(RAX, 64), w)
			a.Push(RAX)
		}
	}

	// 浮点实参进 XMM0..
	for k, i := range fltArgs {
		w := s.GetWordOpnd(a, instr, i+1, 64, RAX, false)
		if w.Kind == KindReg {
			a.MovqToXmm(XmmReg(k), w.Reg)
		} else {
			a.MovsdLoad(XmmReg(k), w)
		}
	}

	// 整数实参进 RDI, RSI, RDX, RCX, R8, R9
	for k, i := range intArgs {
		w := s.GetWordOpnd(a, instr, i+1, 64, sysvArgRegs[k], false)
		if !w.IsReg(sysvArgRegs[k]) {
			a.Mov(RegOpnd(sysvArgRegs[k], 64), w)
		}
	}

	// 可变参数约定：AL = 浮点参数个数
	a.MovImm(RAX, int64(len(fltArgs)), 32)
	a.CallReg(R10)

	// 清理栈实参
	pop := len(stackArgs)
	if pop%2 == 1 {
		pop++
	}
	if pop > 0 {
		a.Add(RegOpnd(RSP, 64), ImmOpnd(int64(8*pop), 64))
	}

	// 结果撤离
	switch retT {
	case ffiF64:
		a.MovqFromXmm(R10, XMM0)
	case ffiI8:
		a.Movsx(R10, RegOpnd(RAX, 8))
	case ffiI16:
		a.Movsx(R10, RegOpnd(RAX, 16))
	case ffiI32:
		a.Movsxd(R10, RegOpnd(RAX, 32))
	case ffiU8:
		a.Movzx(R10, RegOpnd(RAX, 8))
	case ffiU16:
		a.Movzx(R10, RegOpnd(RAX, 16))
	case ffiU32:
		a.Mov(RegOpnd(R10, 32), RegOpnd(RAX, 32))
	default:
		a.Mov(RegOpnd(R10, 64), RegOpnd(RAX, 64))
	}

	a.LoadJITRegs()
	a.reloadStackRegs()

	if retT == ffiVoid {
		s.SetOutImm(instr, rt.UndefWord, rt.TagConst)
		return
	}
	out := s.GetOutOpnd(a, instr, 64, false)
	a.Mov(RegOpnd(out.Reg, 64), RegOpnd(R10, 64))
	s.SetOutType(a, instr, ffiOutTag(retT))
}

// ============================================================================
// dlopen / dlsym / dlclose
// ============================================================================

// lowerDlHost 句柄/符号解析：结果为 0 时构造 RuntimeError 抛出
func lowerDlHost(helper string, tag rt.TypeTag, errMsg string) lowerFn {
	return func(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
		a := c.asm
		site := spillForHostCall(c, s, instr)
		args := hostArgs(c, s, instr)
		if helper == "dlopen" {
			// dlopen(vm, site, name)
			args = []Opnd{args[0], ImmOpnd(int64(site), 64), args[1]}
		}
		a.HostCall(c.helperAddr(helper), args...)
		c.stats.HostCallSites++

		out := s.GetOutOpnd(a, instr, 64, false)
		okLbl := a.NewLabel()
		a.Mov(RegOpnd(out.Reg, 64), RegOpnd(RegScratch1, 64))
		a.Test(RegOpnd(out.Reg, 64), RegOpnd(out.Reg, 64))
		a.JccLabel(CCNE, okLbl)
		emitThrowThunk(c, instr, errMsg)
		a.Bind(okLbl)
		s.SetOutType(a, instr, tag)
	}
}

func lowerDlClose(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr) {
	a := c.asm
	spillForHostCall(c, s, instr)
	args := hostArgs(c, s, instr)
	a.HostCall(c.helperAddr("dlclose"), args...)
	c.stats.HostCallSites++

	out := s.GetOutOpnd(a, instr, 64, false)
	okLbl := a.NewLabel()
	a.Mov(RegOpnd(out.Reg, 64), RegOpnd(RegScratch1, 64))
	a.Test(RegOpnd(out.Reg, 64), RegOpnd(out.Reg, 64))
	a.JccLabel(CCE, okLbl)
	// 关闭无效句柄
	emitThrowThunk(c, instr, "RuntimeError: dlclose of invalid handle")
	a.Bind(okLbl)
	s.SetOutType(a, instr, rt.TagInt32)
}
