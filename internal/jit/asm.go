// asm.go - x86-64 汇编器
//
// 本文件实现 JIT 使用的 x86-64 指令编码器。指令直接写入进程内的
// 可执行缓冲区；对尚未实现的块版本的引用记录到引用表，待目标版本
// 落地时统一修补。
//
// x86-64 指令编码格式：
// [前缀] [REX] [操作码] [ModR/M] [SIB] [位移] [立即数]

package jit

import (
	"encoding/binary"
	"errors"
	"fmt"

	rt "github.com/chenqiao/aria/internal/runtime"
)

// ============================================================================
// 寄存器
// ============================================================================

// Reg 通用寄存器
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	RegNone Reg = 0xFF
)

var regNames = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r Reg) String() string {
	if r < 16 {
		return regNames[r]
	}
	return "none"
}

// isExtended 是否为扩展寄存器 (R8-R15)
func (r Reg) isExtended() bool {
	return r >= R8 && r <= R15
}

// low3 寄存器编码低 3 位
func (r Reg) low3() byte {
	return byte(r) & 0x07
}

// needRex8 8 位访问时是否必须有 REX 前缀 (SPL/BPL/SIL/DIL)
func (r Reg) needRex8() bool {
	return r >= RSP && r <= RDI
}

// XmmReg SSE 寄存器
type XmmReg uint8

const (
	XMM0 XmmReg = iota
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
)

func (x XmmReg) String() string {
	return fmt.Sprintf("xmm%d", uint8(x))
}

// ============================================================================
// 条件码
// ============================================================================

// CC x86 条件码（Jcc/SETcc/CMOVcc 的低 4 位）
type CC byte

const (
	CCO  CC = 0x0 // 溢出
	CCNO CC = 0x1
	CCB  CC = 0x2 // 无符号小于
	CCAE CC = 0x3
	CCE  CC = 0x4 // 相等
	CCNE CC = 0x5
	CCBE CC = 0x6
	CCA  CC = 0x7 // 无符号大于
	CCS  CC = 0x8
	CCNS CC = 0x9
	CCP  CC = 0xA // 奇偶 (PF=1)
	CCNP CC = 0xB
	CCL  CC = 0xC // 有符号小于
	CCGE CC = 0xD
	CCLE CC = 0xE
	CCG  CC = 0xF
)

// Negate 取反条件
func (cc CC) Negate() CC {
	return cc ^ 1
}

// ============================================================================
// 操作数描述符
// ============================================================================

// OpndKind 操作数种类
type OpndKind uint8

const (
	KindNone OpndKind = iota
	KindReg
	KindMem
	KindImm
	KindXmm
)

// Opnd 操作数描述符
type Opnd struct {
	Kind  OpndKind
	Size  uint8 // 位宽：8/16/32/64
	Reg   Reg
	Base  Reg
	Idx   Reg   // 索引寄存器；RegNone 表示无
	Scale uint8 // 索引缩放：1/2/4/8（0 视作 1）
	Disp  int32
	Imm   int64
	Xmm   XmmReg
}

// RegOpnd 寄存器操作数
func RegOpnd(r Reg, size uint8) Opnd {
	return Opnd{Kind: KindReg, Reg: r, Size: size}
}

// MemOpnd base+disp 内存操作数
func MemOpnd(base Reg, disp int32, size uint8) Opnd {
	return Opnd{Kind: KindMem, Base: base, Idx: RegNone, Disp: disp, Size: size}
}

// MemIdxOpnd base+index 内存操作数
func MemIdxOpnd(base, idx Reg, disp int32, size uint8) Opnd {
	return Opnd{Kind: KindMem, Base: base, Idx: idx, Scale: 1, Disp: disp, Size: size}
}

// MemScaleOpnd base+index*scale+disp 内存操作数
func MemScaleOpnd(base, idx Reg, scale uint8, disp int32, size uint8) Opnd {
	return Opnd{Kind: KindMem, Base: base, Idx: idx, Scale: scale, Disp: disp, Size: size}
}

// ImmOpnd 立即数操作数
func ImmOpnd(v int64, size uint8) Opnd {
	return Opnd{Kind: KindImm, Imm: v, Size: size}
}

// XmmOpnd SSE 寄存器操作数
func XmmOpnd(x XmmReg) Opnd {
	return Opnd{Kind: KindXmm, Xmm: x, Size: 64}
}

// IsReg 是否为指定寄存器
func (o Opnd) IsReg(r Reg) bool {
	return o.Kind == KindReg && o.Reg == r
}

func (o Opnd) String() string {
	switch o.Kind {
	case KindReg:
		return o.Reg.String()
	case KindMem:
		if o.Idx != RegNone {
			return fmt.Sprintf("[%s+%s%+d]", o.Base, o.Idx, o.Disp)
		}
		return fmt.Sprintf("[%s%+d]", o.Base, o.Disp)
	case KindImm:
		return fmt.Sprintf("%d", o.Imm)
	case KindXmm:
		return o.Xmm.String()
	default:
		return "<none>"
	}
}

// ============================================================================
// 引用表
// ============================================================================

// RefKind 版本引用种类
type RefKind uint8

const (
	RefRel32 RefKind = iota // 4 字节相对位移
	RefAbs64                // 8 字节绝对地址
)

// VerRef 对未落地块版本的引用
type VerRef struct {
	Ofs  int // 引用字段在缓冲区中的偏移
	Kind RefKind
}

// labelRef 版本内标签引用（rel32）
type labelRef struct {
	ofs   int
	label int
}

// ErrBufferOverflow 代码缓冲区耗尽；致命错误
var ErrBufferOverflow = errors.New("jit: code buffer overflow")

// ============================================================================
// 汇编器
// ============================================================================

// Assembler x86-64 汇编器
// 直接写入可执行缓冲区；引用表按目标版本索引
type Assembler struct {
	buf  []byte  // 可执行映射
	used int
	base uintptr // 映射基址

	labels    []int // 标签偏移；-1 未绑定
	labelRefs []labelRef

	verRefs map[*BlockVersion][]VerRef

	// 常量物化需要的上下文（字符串驻留、链接表、函数记录）
	vm   *rt.VM
	comp *Compiler
}

// NewAssembler 在给定的可执行映射上创建汇编器
func NewAssembler(buf []byte, base uintptr, vm *rt.VM) *Assembler {
	return &Assembler{
		buf:     buf,
		base:    base,
		verRefs: make(map[*BlockVersion][]VerRef),
		vm:      vm,
	}
}

// Used 已使用的字节数
func (a *Assembler) Used() int {
	return a.used
}

// Base 缓冲区基址
func (a *Assembler) Base() uintptr {
	return a.base
}

// Addr 偏移对应的绝对地址
func (a *Assembler) Addr(ofs int) uintptr {
	return a.base + uintptr(ofs)
}

// Bytes 返回 [start,end) 范围内的代码
func (a *Assembler) Bytes(start, end int) []byte {
	return a.buf[start:end]
}

// ============================================================================
// 底层发射
// ============================================================================

func (a *Assembler) ensure(n int) {
	if a.used+n > len(a.buf) {
		panic(ErrBufferOverflow)
	}
}

func (a *Assembler) emit(bytes ...byte) {
	a.ensure(len(bytes))
	copy(a.buf[a.used:], bytes)
	a.used += len(bytes)
}

func (a *Assembler) emit8(b byte) {
	a.ensure(1)
	a.buf[a.used] = b
	a.used++
}

func (a *Assembler) emit32(v uint32) {
	a.ensure(4)
	binary.LittleEndian.PutUint32(a.buf[a.used:], v)
	a.used += 4
}

func (a *Assembler) emit64(v uint64) {
	a.ensure(8)
	binary.LittleEndian.PutUint64(a.buf[a.used:], v)
	a.used += 8
}

func (a *Assembler) putU32At(ofs int, v uint32) {
	binary.LittleEndian.PutUint32(a.buf[ofs:], v)
}

func (a *Assembler) putU64At(ofs int, v uint64) {
	binary.LittleEndian.PutUint64(a.buf[ofs:], v)
}

// ============================================================================
// REX / ModRM / SIB
// ============================================================================

const (
	rexBase = 0x40
	rexW    = 0x08
	rexR    = 0x04
	rexX    = 0x02
	rexB    = 0x01
)

// emitRexOpt 按需发射 REX 前缀
// w: 64 位操作数；reg/idx/rm 分别对应 R/X/B 位；force 为 8 位访问
// 且涉及 SPL/BPL/SIL/DIL 时强制发射
func (a *Assembler) emitRexOpt(w bool, reg, idx, rm Reg, force bool) {
	rex := byte(rexBase)
	if w {
		rex |= rexW
	}
	if reg != RegNone && reg.isExtended() {
		rex |= rexR
	}
	if idx != RegNone && idx.isExtended() {
		rex |= rexX
	}
	if rm != RegNone && rm.isExtended() {
		rex |= rexB
	}
	if rex != rexBase || force {
		a.emit8(rex)
	}
}

func modrm(mod, reg, rm byte) byte {
	return (mod << 6) | ((reg & 0x7) << 3) | (rm & 0x7)
}

// emitModRMMem 发射内存寻址的 ModR/M（含 SIB 与位移）
// reg 为 reg 字段（寄存器编码低 3 位或操作码扩展）
func (a *Assembler) emitModRMMem(reg byte, m Opnd) {
	base := m.Base
	disp := m.Disp

	if m.Idx != RegNone {
		// base + index*scale：必须 SIB；index 不允许 RSP
		var mod byte
		switch {
		case disp == 0 && base.low3() != RBP.low3():
			mod = 0
		case disp >= -128 && disp <= 127:
			mod = 1
		default:
			mod = 2
		}
		var ss byte
		switch m.Scale {
		case 0, 1:
			ss = 0
		case 2:
			ss = 1
		case 4:
			ss = 2
		case 8:
			ss = 3
		default:
			panic("jit: bad index scale")
		}
		a.emit8(modrm(mod, reg, 4))
		a.emit8((ss << 6) | (m.Idx.low3() << 3) | base.low3())
		switch mod {
		case 1:
			a.emit8(byte(disp))
		case 2:
			a.emit32(uint32(disp))
		}
		return
	}

	needSIB := base.low3() == RSP.low3()
	switch {
	case disp == 0 && base.low3() != RBP.low3():
		a.emit8(modrm(0, reg, base.low3()))
		if needSIB {
			a.emit8(0x24)
		}
	case disp >= -128 && disp <= 127:
		a.emit8(modrm(1, reg, base.low3()))
		if needSIB {
			a.emit8(0x24)
		}
		a.emit8(byte(disp))
	default:
		a.emit8(modrm(2, reg, base.low3()))
		if needSIB {
			a.emit8(0x24)
		}
		a.emit32(uint32(disp))
	}
}

// rmRegs 计算 r/m 操作数参与 REX 的寄存器
func rmRegs(o Opnd) (idx, rm Reg) {
	if o.Kind == KindMem {
		return o.Idx, o.Base
	}
	return RegNone, o.Reg
}

// opnd16Prefix 16 位操作数前缀
func (a *Assembler) opnd16Prefix(size uint8) {
	if size == 16 {
		a.emit8(0x66)
	}
}

// force8 8 位操作中 reg 字段寄存器是否要求 REX
func force8(size uint8, regs ...Reg) bool {
	if size != 8 {
		return false
	}
	for _, r := range regs {
		if r != RegNone && r.needRex8() {
			return true
		}
	}
	return false
}

// ============================================================================
// MOV
// ============================================================================

// Mov 数据移动；支持 reg<-reg/mem/imm, mem<-reg/imm
func (a *Assembler) Mov(dst, src Opnd) {
	size := dst.Size
	switch {
	case dst.Kind == KindReg && src.Kind == KindReg:
		a.opnd16Prefix(size)
		a.emitRexOpt(size == 64, src.Reg, RegNone, dst.Reg, force8(size, src.Reg, dst.Reg))
		if size == 8 {
			a.emit8(0x88)
		} else {
			a.emit8(0x89)
		}
		a.emit8(modrm(3, src.Reg.low3(), dst.Reg.low3()))

	case dst.Kind == KindReg && src.Kind == KindMem:
		a.opnd16Prefix(size)
		idx, rm := rmRegs(src)
		a.emitRexOpt(size == 64, dst.Reg, idx, rm, force8(size, dst.Reg))
		if size == 8 {
			a.emit8(0x8A)
		} else {
			a.emit8(0x8B)
		}
		a.emitModRMMem(dst.Reg.low3(), src)

	case dst.Kind == KindMem && src.Kind == KindReg:
		a.opnd16Prefix(size)
		idx, rm := rmRegs(dst)
		a.emitRexOpt(size == 64, src.Reg, idx, rm, force8(size, src.Reg))
		if size == 8 {
			a.emit8(0x88)
		} else {
			a.emit8(0x89)
		}
		a.emitModRMMem(src.Reg.low3(), dst)

	case dst.Kind == KindReg && src.Kind == KindImm:
		a.MovImm(dst.Reg, src.Imm, size)

	case dst.Kind == KindMem && src.Kind == KindImm:
		a.opnd16Prefix(size)
		idx, rm := rmRegs(dst)
		a.emitRexOpt(size == 64, RegNone, idx, rm, false)
		if size == 8 {
			a.emit8(0xC6)
		} else {
			a.emit8(0xC7)
		}
		a.emitModRMMem(0, dst)
		switch size {
		case 8:
			a.emit8(byte(src.Imm))
		case 16:
			a.emit8(byte(src.Imm))
			a.emit8(byte(src.Imm >> 8))
		default:
			a.emit32(uint32(src.Imm))
		}

	default:
		panic(fmt.Sprintf("jit: mov %s, %s unsupported", dst, src))
	}
}

// MovImm 立即数装载；按值大小选 mov r32,imm32 / mov r64,imm64 / C7 符号扩展
func (a *Assembler) MovImm(dst Reg, imm int64, size uint8) {
	switch {
	case size <= 32:
		// 32 位写入自动清零高位
		a.emitRexOpt(false, RegNone, RegNone, dst, false)
		a.emit8(0xB8 + dst.low3())
		a.emit32(uint32(imm))
	case imm >= 0 && imm <= 0xFFFFFFFF:
		// 零扩展：用 32 位形式
		a.emitRexOpt(false, RegNone, RegNone, dst, false)
		a.emit8(0xB8 + dst.low3())
		a.emit32(uint32(imm))
	case imm >= -0x80000000 && imm < 0x80000000:
		// 符号扩展 imm32
		a.emitRexOpt(true, RegNone, RegNone, dst, false)
		a.emit8(0xC7)
		a.emit8(modrm(3, 0, dst.low3()))
		a.emit32(uint32(imm))
	default:
		a.emitRexOpt(true, RegNone, RegNone, dst, false)
		a.emit8(0xB8 + dst.low3())
		a.emit64(uint64(imm))
	}
}

// MovAbs 强制 10 字节的 mov r64, imm64（地址之后可修补）
// 返回立即数字段的缓冲区偏移
func (a *Assembler) MovAbs(dst Reg, imm uint64) int {
	a.emitRexOpt(true, RegNone, RegNone, dst, false)
	a.emit8(0xB8 + dst.low3())
	ofs := a.used
	a.emit64(imm)
	return ofs
}

// Movzx 零扩展装载：dst64 <- r/m(8/16)
func (a *Assembler) Movzx(dst Reg, src Opnd) {
	idx, rm := rmRegs(src)
	a.emitRexOpt(true, dst, idx, rm, false)
	a.emit8(0x0F)
	if src.Size == 8 {
		a.emit8(0xB6)
	} else {
		a.emit8(0xB7)
	}
	if src.Kind == KindMem {
		a.emitModRMMem(dst.low3(), src)
	} else {
		a.emit8(modrm(3, dst.low3(), src.Reg.low3()))
	}
}

// Movsx 符号扩展装载：dst64 <- r/m(8/16)；32 位源用 Movsxd
func (a *Assembler) Movsx(dst Reg, src Opnd) {
	if src.Size == 32 {
		a.Movsxd(dst, src)
		return
	}
	idx, rm := rmRegs(src)
	a.emitRexOpt(true, dst, idx, rm, false)
	if src.Size == 8 {
		a.emit(0x0F, 0xBE)
	} else {
		a.emit(0x0F, 0xBF)
	}
	if src.Kind == KindMem {
		a.emitModRMMem(dst.low3(), src)
	} else {
		a.emit8(modrm(3, dst.low3(), src.Reg.low3()))
	}
}

// Movsxd 符号扩展装载：dst64 <- r/m32
func (a *Assembler) Movsxd(dst Reg, src Opnd) {
	idx, rm := rmRegs(src)
	a.emitRexOpt(true, dst, idx, rm, false)
	a.emit8(0x63)
	if src.Kind == KindMem {
		a.emitModRMMem(dst.low3(), src)
	} else {
		a.emit8(modrm(3, dst.low3(), src.Reg.low3()))
	}
}

// Lea 地址计算：dst <- &mem
func (a *Assembler) Lea(dst Reg, mem Opnd) {
	idx, rm := rmRegs(mem)
	a.emitRexOpt(true, dst, idx, rm, false)
	a.emit8(0x8D)
	a.emitModRMMem(dst.low3(), mem)
}

// ============================================================================
// 整数 ALU（add/or/and/sub/xor/cmp 共用编码模式）
// ============================================================================

// aluBase 各 ALU 操作的基础操作码与 /ext 扩展
type aluBase struct {
	rm8, rm, mr8, mr byte // opcode: r/m<-r (8/其他)，r<-r/m (8/其他)
	ext              byte // imm 形式的 ModRM reg 字段
}

var (
	aluAdd = aluBase{0x00, 0x01, 0x02, 0x03, 0}
	aluOr  = aluBase{0x08, 0x09, 0x0A, 0x0B, 1}
	aluAnd = aluBase{0x20, 0x21, 0x22, 0x23, 4}
	aluSub = aluBase{0x28, 0x29, 0x2A, 0x2B, 5}
	aluXor = aluBase{0x30, 0x31, 0x32, 0x33, 6}
	aluCmp = aluBase{0x38, 0x39, 0x3A, 0x3B, 7}
)

// alu 通用 ALU 发射：dst 可为 reg/mem，src 可为 reg/mem/imm（不允许 mem,mem）
func (a *Assembler) alu(op aluBase, dst, src Opnd) {
	size := dst.Size
	switch {
	case src.Kind == KindImm:
		imm := src.Imm
		idx, rm := rmRegs(dst)
		force := dst.Kind == KindReg && force8(size, dst.Reg)
		a.opnd16Prefix(size)
		a.emitRexOpt(size == 64, RegNone, idx, rm, force)
		emitRM := func(opc byte) {
			a.emit8(opc)
			if dst.Kind == KindMem {
				a.emitModRMMem(op.ext, dst)
			} else {
				a.emit8(modrm(3, op.ext, dst.Reg.low3()))
			}
		}
		switch {
		case size == 8:
			emitRM(0x80)
			a.emit8(byte(imm))
		case imm >= -128 && imm <= 127:
			emitRM(0x83)
			a.emit8(byte(imm))
		default:
			emitRM(0x81)
			a.emit32(uint32(imm))
		}

	case dst.Kind == KindReg && src.Kind == KindMem:
		idx, rm := rmRegs(src)
		a.opnd16Prefix(size)
		a.emitRexOpt(size == 64, dst.Reg, idx, rm, force8(size, dst.Reg))
		if size == 8 {
			a.emit8(op.mr8)
		} else {
			a.emit8(op.mr)
		}
		a.emitModRMMem(dst.Reg.low3(), src)

	case src.Kind == KindReg:
		idx, rm := rmRegs(dst)
		force := force8(size, src.Reg) || (dst.Kind == KindReg && force8(size, dst.Reg))
		a.opnd16Prefix(size)
		a.emitRexOpt(size == 64, src.Reg, idx, rm, force)
		if size == 8 {
			a.emit8(op.rm8)
		} else {
			a.emit8(op.rm)
		}
		if dst.Kind == KindMem {
			a.emitModRMMem(src.Reg.low3(), dst)
		} else {
			a.emit8(modrm(3, src.Reg.low3(), dst.Reg.low3()))
		}

	default:
		panic(fmt.Sprintf("jit: alu %s, %s unsupported", dst, src))
	}
}

// Add add dst, src
func (a *Assembler) Add(dst, src Opnd) { a.alu(aluAdd, dst, src) }

// Sub sub dst, src
func (a *Assembler) Sub(dst, src Opnd) { a.alu(aluSub, dst, src) }

// And and dst, src
func (a *Assembler) And(dst, src Opnd) { a.alu(aluAnd, dst, src) }

// Or or dst, src
func (a *Assembler) Or(dst, src Opnd) { a.alu(aluOr, dst, src) }

// Xor xor dst, src
func (a *Assembler) Xor(dst, src Opnd) { a.alu(aluXor, dst, src) }

// Cmp cmp dst, src
func (a *Assembler) Cmp(dst, src Opnd) { a.alu(aluCmp, dst, src) }

// Test test r/m, reg
func (a *Assembler) Test(dst, src Opnd) {
	size := dst.Size
	idx, rm := rmRegs(dst)
	force := force8(size, src.Reg) || (dst.Kind == KindReg && force8(size, dst.Reg))
	a.opnd16Prefix(size)
	a.emitRexOpt(size == 64, src.Reg, idx, rm, force)
	if size == 8 {
		a.emit8(0x84)
	} else {
		a.emit8(0x85)
	}
	if dst.Kind == KindMem {
		a.emitModRMMem(src.Reg.low3(), dst)
	} else {
		a.emit8(modrm(3, src.Reg.low3(), dst.Reg.low3()))
	}
}

// IMul imul dst, src（结果必须在寄存器）
func (a *Assembler) IMul(dst Reg, src Opnd, size uint8) {
	idx, rm := rmRegs(src)
	a.emitRexOpt(size == 64, dst, idx, rm, false)
	a.emit(0x0F, 0xAF)
	if src.Kind == KindMem {
		a.emitModRMMem(dst.low3(), src)
	} else {
		a.emit8(modrm(3, dst.low3(), src.Reg.low3()))
	}
}

// IMulImm imul dst, src, imm32
func (a *Assembler) IMulImm(dst Reg, src Opnd, imm int32, size uint8) {
	idx, rm := rmRegs(src)
	a.emitRexOpt(size == 64, dst, idx, rm, false)
	if imm >= -128 && imm <= 127 {
		a.emit8(0x6B)
	} else {
		a.emit8(0x69)
	}
	if src.Kind == KindMem {
		a.emitModRMMem(dst.low3(), src)
	} else {
		a.emit8(modrm(3, dst.low3(), src.Reg.low3()))
	}
	if imm >= -128 && imm <= 127 {
		a.emit8(byte(imm))
	} else {
		a.emit32(uint32(imm))
	}
}

// Neg neg r/m
func (a *Assembler) Neg(dst Opnd) {
	idx, rm := rmRegs(dst)
	a.emitRexOpt(dst.Size == 64, RegNone, idx, rm, false)
	a.emit8(0xF7)
	if dst.Kind == KindMem {
		a.emitModRMMem(3, dst)
	} else {
		a.emit8(modrm(3, 3, dst.Reg.low3()))
	}
}

// Cdq 符号扩展 EAX -> EDX:EAX
func (a *Assembler) Cdq() {
	a.emit8(0x99)
}

// Cqo 符号扩展 RAX -> RDX:RAX
func (a *Assembler) Cqo() {
	a.emit(0x48, 0x99)
}

// IDiv idiv r/m：RDX:RAX / src -> RAX 商 RDX 余
func (a *Assembler) IDiv(src Opnd) {
	idx, rm := rmRegs(src)
	a.emitRexOpt(src.Size == 64, RegNone, idx, rm, false)
	a.emit8(0xF7)
	if src.Kind == KindMem {
		a.emitModRMMem(7, src)
	} else {
		a.emit8(modrm(3, 7, src.Reg.low3()))
	}
}

// ============================================================================
// 移位
// ============================================================================

// shift 移位，ext：sal=4 shr=5 sar=7
func (a *Assembler) shift(ext byte, dst Opnd, count Opnd) {
	size := dst.Size
	idx, rm := rmRegs(dst)
	a.emitRexOpt(size == 64, RegNone, idx, rm, false)
	emitRM := func(opc byte) {
		a.emit8(opc)
		if dst.Kind == KindMem {
			a.emitModRMMem(ext, dst)
		} else {
			a.emit8(modrm(3, ext, dst.Reg.low3()))
		}
	}
	if count.Kind == KindImm {
		n := byte(count.Imm) & 0x3F
		if n == 1 {
			emitRM(0xD1)
		} else {
			emitRM(0xC1)
			a.emit8(n)
		}
		return
	}
	// 计数必须已在 CL
	emitRM(0xD3)
}

// Sal 左移
func (a *Assembler) Sal(dst, count Opnd) { a.shift(4, dst, count) }

// Shr 逻辑右移
func (a *Assembler) Shr(dst, count Opnd) { a.shift(5, dst, count) }

// Sar 算术右移
func (a *Assembler) Sar(dst, count Opnd) { a.shift(7, dst, count) }

// ============================================================================
// SETcc / CMOVcc
// ============================================================================

// SetCC setcc r8
func (a *Assembler) SetCC(cc CC, dst Reg) {
	a.emitRexOpt(false, RegNone, RegNone, dst, dst.needRex8())
	a.emit(0x0F, 0x90+byte(cc))
	a.emit8(modrm(3, 0, dst.low3()))
}

// CmovCC cmovcc dst, r/m
func (a *Assembler) CmovCC(cc CC, dst Reg, src Opnd, size uint8) {
	idx, rm := rmRegs(src)
	a.emitRexOpt(size == 64, dst, idx, rm, false)
	a.emit(0x0F, 0x40+byte(cc))
	if src.Kind == KindMem {
		a.emitModRMMem(dst.low3(), src)
	} else {
		a.emit8(modrm(3, dst.low3(), src.Reg.low3()))
	}
}

// ============================================================================
// 栈操作
// ============================================================================

// Push push r64
func (a *Assembler) Push(r Reg) {
	a.emitRexOpt(false, RegNone, RegNone, r, false)
	a.emit8(0x50 + r.low3())
}

// Pop pop r64
func (a *Assembler) Pop(r Reg) {
	a.emitRexOpt(false, RegNone, RegNone, r, false)
	a.emit8(0x58 + r.low3())
}

// ============================================================================
// 调用与返回
// ============================================================================

// CallReg call reg
func (a *Assembler) CallReg(r Reg) {
	a.emitRexOpt(false, RegNone, RegNone, r, false)
	a.emit8(0xFF)
	a.emit8(modrm(3, 2, r.low3()))
}

// JmpReg jmp reg
func (a *Assembler) JmpReg(r Reg) {
	a.emitRexOpt(false, RegNone, RegNone, r, false)
	a.emit8(0xFF)
	a.emit8(modrm(3, 4, r.low3()))
}

// JmpMem jmp [base+disp] 间接跳转
func (a *Assembler) JmpMem(m Opnd) {
	idx, rm := rmRegs(m)
	a.emitRexOpt(false, RegNone, idx, rm, false)
	a.emit8(0xFF)
	a.emitModRMMem(4, m)
}

// Ret ret
func (a *Assembler) Ret() {
	a.emit8(0xC3)
}

// Nop nop
func (a *Assembler) Nop() {
	a.emit8(0x90)
}

// Int3 断点（调试）
func (a *Assembler) Int3() {
	a.emit8(0xCC)
}

// ============================================================================
// 标签（版本内的前向引用）
// ============================================================================

// NewLabel 创建未绑定标签
func (a *Assembler) NewLabel() int {
	a.labels = append(a.labels, -1)
	return len(a.labels) - 1
}

// Bind 绑定标签到当前位置
func (a *Assembler) Bind(label int) {
	a.labels[label] = a.used
}

// JmpOfs jmp rel32 到缓冲区内已知偏移
func (a *Assembler) JmpOfs(target int) {
	a.emit8(0xE9)
	ofs := a.used
	a.emit32(0)
	a.putU32At(ofs, uint32(int32(target-(ofs+4))))
}

// JmpLabel jmp rel32 到标签
func (a *Assembler) JmpLabel(label int) {
	a.emit8(0xE9)
	a.labelRefs = append(a.labelRefs, labelRef{ofs: a.used, label: label})
	a.emit32(0)
}

// JccLabel jcc rel32 到标签
func (a *Assembler) JccLabel(cc CC, label int) {
	a.emit(0x0F, 0x80+byte(cc))
	a.labelRefs = append(a.labelRefs, labelRef{ofs: a.used, label: label})
	a.emit32(0)
}

// labelScope 嵌套发射（直落目标递归落地）时的标签上下文
type labelScope struct {
	labels []int
	refs   []labelRef
}

// PushLabelScope 保存并清空标签上下文
func (a *Assembler) PushLabelScope() labelScope {
	sc := labelScope{labels: a.labels, refs: a.labelRefs}
	a.labels = nil
	a.labelRefs = nil
	return sc
}

// PopLabelScope 恢复外层标签上下文
func (a *Assembler) PopLabelScope(sc labelScope) {
	a.labels = sc.labels
	a.labelRefs = sc.refs
}

// ResolveLabels 解析当前累积的标签引用；版本发射结束时调用
func (a *Assembler) ResolveLabels() {
	for _, ref := range a.labelRefs {
		target := a.labels[ref.label]
		if target < 0 {
			panic("jit: unbound label")
		}
		a.putU32At(ref.ofs, uint32(int32(target-(ref.ofs+4))))
	}
	a.labelRefs = a.labelRefs[:0]
	a.labels = a.labels[:0]
}

// ============================================================================
// 版本引用（跨版本的分支与地址）
// ============================================================================

// RecordRef 登记对目标版本的引用
func (a *Assembler) RecordRef(target *BlockVersion, ofs int, kind RefKind) {
	a.verRefs[target] = append(a.verRefs[target], VerRef{Ofs: ofs, Kind: kind})
}

// JmpVer jmp rel32 到块版本；目标未落地时记录引用
func (a *Assembler) JmpVer(target *BlockVersion) {
	a.emit8(0xE9)
	ofs := a.used
	a.emit32(0)
	if target.Compiled() {
		a.putU32At(ofs, uint32(int32(target.StartOfs-(ofs+4))))
	} else {
		a.RecordRef(target, ofs, RefRel32)
	}
}

// JccVer jcc rel32 到块版本
func (a *Assembler) JccVer(cc CC, target *BlockVersion) {
	a.emit(0x0F, 0x80+byte(cc))
	ofs := a.used
	a.emit32(0)
	if target.Compiled() {
		a.putU32At(ofs, uint32(int32(target.StartOfs-(ofs+4))))
	} else {
		a.RecordRef(target, ofs, RefRel32)
	}
}

// MovVerAddr mov r64, <版本绝对地址>；用于延续返回地址
func (a *Assembler) MovVerAddr(dst Reg, target *BlockVersion) {
	ofs := a.MovAbs(dst, 0)
	if target.Compiled() {
		a.putU64At(ofs, uint64(a.Addr(target.StartOfs)))
	} else {
		a.RecordRef(target, ofs, RefAbs64)
	}
}

// PatchRefs 修补所有指向 target 的引用；引用记录随之消费
func (a *Assembler) PatchRefs(target *BlockVersion) int {
	refs := a.verRefs[target]
	for _, ref := range refs {
		switch ref.Kind {
		case RefRel32:
			a.putU32At(ref.Ofs, uint32(int32(target.StartOfs-(ref.Ofs+4))))
		case RefAbs64:
			a.putU64At(ref.Ofs, uint64(a.Addr(target.StartOfs)))
		}
	}
	delete(a.verRefs, target)
	return len(refs)
}

// PendingRefs 尚未修补的引用数（测试用）
func (a *Assembler) PendingRefs(target *BlockVersion) int {
	return len(a.verRefs[target])
}
