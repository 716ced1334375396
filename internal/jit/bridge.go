// bridge.go - 运行时桥
//
// 约定 JIT 代码的寄存器角色划分，并提供：
// 1. save_jit_regs / load_jit_regs：宿主调用前后保存/恢复保留寄存器
// 2. 宿主调用发射：参数按 Go 寄存器传参约定放置，结果从返回寄存器读出
// 3. 进入/退出跳板：宿主 <-> JIT 的世界切换
//
// 保留寄存器：
//   wsp=RBX 字栈指针  tsp=RBP 类型栈指针  vm=R15 VM 指针
//   retWord=RDX 返回值字  retType=RSI 返回值标签
//   暂存：RAX R10 R11
// R14 是 Go 运行时的 g 寄存器，JIT 代码完全不触碰。
// 机器栈（RSP）只在宿主调用括号内瞬时使用；JIT 函数间的调用走
// 字栈上的显式返回地址槽。

package jit

import (
	"github.com/chenqiao/aria/internal/runtime"
)

// 保留寄存器
const (
	RegWsp     = RBX
	RegTsp     = RBP
	RegVM      = R15
	RegRetWord = RDX
	RegRetType = RSI

	RegScratch0 = RAX
	RegScratch1 = R10
	RegScratch2 = R11
)

// allocRegs 可分配寄存器，首个空闲优先
var allocRegs = []Reg{RCX, RDI, R8, R9, R12, R13}

// goArgRegs Go 寄存器传参约定的整数参数寄存器
var goArgRegs = []Reg{RAX, RBX, RCX, RDI, RSI, R8, R9}

// sysvArgRegs System V C ABI 整数参数寄存器（FFI 用）
var sysvArgRegs = []Reg{RDI, RSI, RDX, RCX, R8, R9}

// savedJITRegs save_jit_regs 压栈顺序（含对齐填充位）
var savedJITRegs = []Reg{RegWsp, RegTsp, RegVM, RegRetWord, RegRetType, RegScratch0}

// ============================================================================
// 保留寄存器的保存与恢复
// ============================================================================

// SaveJITRegs 压入全部保留寄存器（末位 RAX 充当 16 字节对齐填充）
func (a *Assembler) SaveJITRegs() {
	for _, r := range savedJITRegs {
		a.Push(r)
	}
}

// LoadJITRegs 逆序弹出保留寄存器
func (a *Assembler) LoadJITRegs() {
	for i := len(savedJITRegs) - 1; i >= 0; i-- {
		a.Pop(savedJITRegs[i])
	}
}

// ============================================================================
// 宿主调用发射
// ============================================================================

// PushMem push qword [mem]
func (a *Assembler) PushMem(m Opnd) {
	idx, rm := rmRegs(m)
	a.emitRexOpt(false, RegNone, idx, rm, false)
	a.emit8(0xFF)
	a.emitModRMMem(6, m)
}

// PushImm 压入 64 位立即数；不借用任何寄存器
func (a *Assembler) PushImm(imm int64) {
	if imm >= -0x80000000 && imm < 0x80000000 {
		a.emit8(0x68)
		a.emit32(uint32(imm))
		return
	}
	// sub rsp,8 后分两个双字写入
	a.Sub(RegOpnd(RSP, 64), ImmOpnd(8, 64))
	a.Mov(MemOpnd(RSP, 0, 32), ImmOpnd(int64(int32(uint32(imm))), 32))
	a.Mov(MemOpnd(RSP, 4, 32), ImmOpnd(int64(int32(uint32(imm>>32))), 32))
}

// syncStackRegs 把 wsp/tsp 写回 VM 头部（宿主要看到一致的栈）
func (a *Assembler) syncStackRegs() {
	a.Mov(MemOpnd(RegVM, runtime.VMOffWspTop, 64), RegOpnd(RegWsp, 64))
	a.Mov(MemOpnd(RegVM, runtime.VMOffTspTop, 64), RegOpnd(RegTsp, 64))
}

// reloadStackRegs 从 VM 头部重装 wsp/tsp（宿主可能移动了栈顶）
func (a *Assembler) reloadStackRegs() {
	a.Mov(RegOpnd(RegWsp, 64), MemOpnd(RegVM, runtime.VMOffWspTop, 64))
	a.Mov(RegOpnd(RegTsp, 64), MemOpnd(RegVM, runtime.VMOffTspTop, 64))
}

// loadRetRegs 从 VM 头部装载返回值寄存器
// throwExc 把异常值写进 VM 头部，转入处理延续前装回约定寄存器
func (a *Assembler) loadRetRegs() {
	a.Mov(RegOpnd(RegRetWord, 64), MemOpnd(RegVM, runtime.VMOffRetWord, 64))
	a.Mov(RegOpnd(RegRetType, 64), MemOpnd(RegVM, runtime.VMOffRetType, 64))
}

// HostCall 发射一次宿主函数调用
// 前置条件：调用方已按溢出纪律处理活跃值。args 的每个操作数在
// SaveJITRegs 之后仍可读（寄存器、立即数或内存），参数先统一压栈
// 再逆序弹入参数寄存器，避免搬移次序冲突。
// 返回后第一个结果已复制到 RegScratch1，第二个结果（如有）在
// RegScratch2。
func (a *Assembler) HostCall(addr uintptr, args ...Opnd) {
	if len(args) > len(goArgRegs) {
		panic("jit: too many host call arguments")
	}

	a.syncStackRegs()
	a.SaveJITRegs()

	for _, arg := range args {
		switch arg.Kind {
		case KindReg:
			a.Push(arg.Reg)
		case KindImm:
			a.PushImm(arg.Imm)
		case KindMem:
			m := arg
			m.Size = 64
			a.PushMem(m)
		default:
			panic("jit: bad host call argument")
		}
	}
	for i := len(args) - 1; i >= 0; i-- {
		a.Pop(goArgRegs[i])
	}

	a.MovImm(RegScratch1, int64(addr), 64)
	a.CallReg(RegScratch1)

	// 结果撤离到暂存寄存器，再恢复保留寄存器
	a.Mov(RegOpnd(RegScratch1, 64), RegOpnd(RAX, 64))
	a.Mov(RegOpnd(RegScratch2, 64), RegOpnd(RBX, 64))
	a.LoadJITRegs()
	a.reloadStackRegs()
}

// ============================================================================
// 进入 / 退出跳板
// ============================================================================

// EmitEntryTramp 发射进入跳板
// 宿主经 enterJIT 以 RAX=vm、RCX=目标入口调用这里；跳板保存宿主的
// 被调方保存寄存器、装载保留寄存器后跳入 JIT 代码。
// 返回跳板起始偏移。
func (a *Assembler) EmitEntryTramp() int {
	start := a.used
	a.Push(RBX)
	a.Push(RBP)
	a.Push(R12)
	a.Push(R13)
	a.Push(R15)

	a.Mov(RegOpnd(RegVM, 64), RegOpnd(RAX, 64))
	a.reloadStackRegs()
	a.CallReg(RCX) // 配对的退出桩执行 ret 弹回这里
	a.Pop(R15)
	a.Pop(R13)
	a.Pop(R12)
	a.Pop(RBP)
	a.Pop(RBX)
	a.Ret()
	return start
}

// EmitExitStub 发射退出桩
// JIT 的 ret 经帧内返回地址槽跳到这里：把返回值与栈顶同步回 VM，
// ret 弹回进入跳板。返回桩起始偏移。
func (a *Assembler) EmitExitStub() int {
	start := a.used
	a.Mov(MemOpnd(RegVM, runtime.VMOffRetWord, 64), RegOpnd(RegRetWord, 64))
	a.Mov(MemOpnd(RegVM, runtime.VMOffRetType, 64), RegOpnd(RegRetType, 64))
	a.syncStackRegs()
	a.Ret()
	return start
}
