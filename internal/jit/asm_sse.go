// asm_sse.go - 标量 SSE 指令
//
// 浮点算术使用标量双精度 SSE：操作数装入 XMM0/XMM1，运算后写回。
// 比较用 ucomisd，遵循 IEEE 无序语义。

package jit

// sseMemRex 按需发射 SSE 指令的 REX（扩展 XMM8+ 不在使用范围内）
func (a *Assembler) sseMemRex(idx, rm Reg) {
	rex := byte(rexBase)
	if idx != RegNone && idx.isExtended() {
		rex |= rexX
	}
	if rm != RegNone && rm.isExtended() {
		rex |= rexB
	}
	if rex != rexBase {
		a.emit8(rex)
	}
}

// MovsdLoad movsd xmm, [mem]
func (a *Assembler) MovsdLoad(dst XmmReg, src Opnd) {
	a.emit8(0xF2)
	idx, rm := rmRegs(src)
	a.sseMemRex(idx, rm)
	a.emit(0x0F, 0x10)
	a.emitModRMMem(byte(dst), src)
}

// MovsdStore movsd [mem], xmm
func (a *Assembler) MovsdStore(dst Opnd, src XmmReg) {
	a.emit8(0xF2)
	idx, rm := rmRegs(dst)
	a.sseMemRex(idx, rm)
	a.emit(0x0F, 0x11)
	a.emitModRMMem(byte(src), dst)
}

// MovsdRR movsd xmm, xmm
func (a *Assembler) MovsdRR(dst, src XmmReg) {
	a.emit8(0xF2)
	a.emit(0x0F, 0x10)
	a.emit8(modrm(3, byte(dst), byte(src)))
}

// MovqToXmm movq xmm, r64
func (a *Assembler) MovqToXmm(dst XmmReg, src Reg) {
	a.emit8(0x66)
	a.emitRexOpt(true, RegNone, RegNone, src, true)
	a.emit(0x0F, 0x6E)
	a.emit8(modrm(3, byte(dst), src.low3()))
}

// MovqFromXmm movq r64, xmm
func (a *Assembler) MovqFromXmm(dst Reg, src XmmReg) {
	a.emit8(0x66)
	a.emitRexOpt(true, RegNone, RegNone, dst, true)
	a.emit(0x0F, 0x7E)
	a.emit8(modrm(3, byte(src), dst.low3()))
}

// sseArith F2 0F <op> xmm, xmm/m64
func (a *Assembler) sseArith(opc byte, dst XmmReg, src Opnd) {
	a.emit8(0xF2)
	if src.Kind == KindMem {
		idx, rm := rmRegs(src)
		a.sseMemRex(idx, rm)
		a.emit(0x0F, opc)
		a.emitModRMMem(byte(dst), src)
		return
	}
	a.emit(0x0F, opc)
	a.emit8(modrm(3, byte(dst), byte(src.Xmm)))
}

// Addsd addsd dst, src
func (a *Assembler) Addsd(dst XmmReg, src Opnd) { a.sseArith(0x58, dst, src) }

// Subsd subsd dst, src
func (a *Assembler) Subsd(dst XmmReg, src Opnd) { a.sseArith(0x5C, dst, src) }

// Mulsd mulsd dst, src
func (a *Assembler) Mulsd(dst XmmReg, src Opnd) { a.sseArith(0x59, dst, src) }

// Divsd divsd dst, src
func (a *Assembler) Divsd(dst XmmReg, src Opnd) { a.sseArith(0x5E, dst, src) }

// Sqrtsd sqrtsd dst, src
func (a *Assembler) Sqrtsd(dst XmmReg, src Opnd) { a.sseArith(0x51, dst, src) }

// Ucomisd ucomisd xmm, xmm（无序比较，设置 ZF/PF/CF）
func (a *Assembler) Ucomisd(x, y XmmReg) {
	a.emit8(0x66)
	a.emit(0x0F, 0x2E)
	a.emit8(modrm(3, byte(x), byte(y)))
}

// Cvtsi2sd cvtsi2sd xmm, r64
func (a *Assembler) Cvtsi2sd(dst XmmReg, src Reg) {
	a.emit8(0xF2)
	a.emitRexOpt(true, RegNone, RegNone, src, true)
	a.emit(0x0F, 0x2A)
	a.emit8(modrm(3, byte(dst), src.low3()))
}

// Cvttsd2si cvttsd2si r64, xmm（截断转换）
func (a *Assembler) Cvttsd2si(dst Reg, src XmmReg) {
	a.emit8(0xF2)
	a.emitRexOpt(true, dst, RegNone, RegNone, true)
	a.emit(0x0F, 0x2C)
	a.emit8(modrm(3, dst.low3(), byte(src)))
}
