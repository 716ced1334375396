// asm_test.go - 汇编器编码测试
//
// 与参考编码逐字节比对。参考字节来自系统汇编器的输出。

package jit

import (
	"bytes"
	"testing"
)

// testAsm 纯缓冲区上的汇编器（不需要可执行映射）
func testAsm() *Assembler {
	return NewAssembler(make([]byte, 4096), 0, nil)
}

func emitted(a *Assembler) []byte {
	return a.buf[:a.used]
}

// check 比对发射的字节序列
func check(t *testing.T, name string, got, want []byte) {
	t.Helper()
	if !bytes.Equal(got, want) {
		t.Errorf("%s: got % x, want % x", name, got, want)
	}
}

// TestMovEncodings 测试 MOV 编码
func TestMovEncodings(t *testing.T) {
	a := testAsm()
	a.Mov(RegOpnd(RAX, 64), RegOpnd(RCX, 64))
	check(t, "mov rax, rcx", emitted(a), []byte{0x48, 0x89, 0xC8})

	a = testAsm()
	a.Mov(RegOpnd(R8, 64), RegOpnd(RBX, 64))
	check(t, "mov r8, rbx", emitted(a), []byte{0x49, 0x89, 0xD8})

	a = testAsm()
	a.Mov(RegOpnd(RBX, 64), MemOpnd(RBP, 16, 64))
	check(t, "mov rbx, [rbp+16]", emitted(a), []byte{0x48, 0x8B, 0x5D, 0x10})

	a = testAsm()
	a.Mov(MemOpnd(RBX, 0, 64), RegOpnd(RDX, 64))
	check(t, "mov [rbx], rdx", emitted(a), []byte{0x48, 0x89, 0x13})

	a = testAsm()
	a.Mov(MemOpnd(RSP, 8, 64), RegOpnd(RAX, 64))
	check(t, "mov [rsp+8], rax", emitted(a), []byte{0x48, 0x89, 0x44, 0x24, 0x08})

	a = testAsm()
	a.MovImm(RAX, 42, 32)
	check(t, "mov eax, 42", emitted(a), []byte{0xB8, 0x2A, 0x00, 0x00, 0x00})

	a = testAsm()
	a.MovImm(RCX, -1, 64)
	check(t, "mov rcx, -1", emitted(a), []byte{0x48, 0xC7, 0xC1, 0xFF, 0xFF, 0xFF, 0xFF})

	a = testAsm()
	a.MovAbs(RAX, 0x1122334455667788)
	check(t, "movabs rax", emitted(a), []byte{0x48, 0xB8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11})
}

// TestMov8Rex 测试 8 位访问的 REX 强制
func TestMov8Rex(t *testing.T) {
	a := testAsm()
	// mov [rbp+3], sil 需要 REX 以寻址 SIL
	a.Mov(MemOpnd(RBP, 3, 8), RegOpnd(RSI, 8))
	check(t, "mov [rbp+3], sil", emitted(a), []byte{0x40, 0x88, 0x75, 0x03})

	a = testAsm()
	// mov [rbp+3], cl 无需 REX
	a.Mov(MemOpnd(RBP, 3, 8), RegOpnd(RCX, 8))
	check(t, "mov [rbp+3], cl", emitted(a), []byte{0x88, 0x4D, 0x03})
}

// TestAluEncodings 测试 ALU 编码
func TestAluEncodings(t *testing.T) {
	a := testAsm()
	a.Add(RegOpnd(RAX, 64), ImmOpnd(1, 64))
	check(t, "add rax, 1", emitted(a), []byte{0x48, 0x83, 0xC0, 0x01})

	a = testAsm()
	a.Add(RegOpnd(RAX, 32), RegOpnd(RCX, 32))
	check(t, "add eax, ecx", emitted(a), []byte{0x01, 0xC8})

	a = testAsm()
	a.Sub(RegOpnd(RSP, 64), ImmOpnd(8, 64))
	check(t, "sub rsp, 8", emitted(a), []byte{0x48, 0x83, 0xEC, 0x08})

	a = testAsm()
	a.Sub(RegOpnd(RDX, 64), ImmOpnd(1000, 64))
	check(t, "sub rdx, 1000", emitted(a), []byte{0x48, 0x81, 0xEA, 0xE8, 0x03, 0x00, 0x00})

	a = testAsm()
	a.Xor(RegOpnd(RAX, 32), RegOpnd(RAX, 32))
	check(t, "xor eax, eax", emitted(a), []byte{0x31, 0xC0})

	a = testAsm()
	a.Cmp(RegOpnd(RCX, 64), ImmOpnd(7, 64))
	check(t, "cmp rcx, 7", emitted(a), []byte{0x48, 0x83, 0xF9, 0x07})

	a = testAsm()
	a.Cmp(MemOpnd(RBP, 5, 8), ImmOpnd(3, 8))
	check(t, "cmp byte [rbp+5], 3", emitted(a), []byte{0x80, 0x7D, 0x05, 0x03})

	a = testAsm()
	a.Test(RegOpnd(RAX, 64), RegOpnd(RAX, 64))
	check(t, "test rax, rax", emitted(a), []byte{0x48, 0x85, 0xC0})

	a = testAsm()
	a.IMul(RAX, RegOpnd(RCX, 32), 32)
	check(t, "imul eax, ecx", emitted(a), []byte{0x0F, 0xAF, 0xC1})

	a = testAsm()
	a.Cdq()
	a.IDiv(RegOpnd(RCX, 32))
	check(t, "cdq; idiv ecx", emitted(a), []byte{0x99, 0xF7, 0xF9})
}

// TestShiftEncodings 测试移位编码
func TestShiftEncodings(t *testing.T) {
	a := testAsm()
	a.Sal(RegOpnd(RAX, 32), ImmOpnd(3, 8))
	check(t, "shl eax, 3", emitted(a), []byte{0xC1, 0xE0, 0x03})

	a = testAsm()
	a.Sar(RegOpnd(RDX, 32), RegOpnd(RCX, 8))
	check(t, "sar edx, cl", emitted(a), []byte{0xD3, 0xFA})

	a = testAsm()
	a.Shr(RegOpnd(RAX, 32), ImmOpnd(1, 8))
	check(t, "shr eax, 1", emitted(a), []byte{0xD1, 0xE8})

	a = testAsm()
	a.Sal(RegOpnd(RCX, 64), ImmOpnd(3, 8))
	check(t, "shl rcx, 3", emitted(a), []byte{0x48, 0xC1, 0xE1, 0x03})
}

// TestCondEncodings 测试条件指令编码
func TestCondEncodings(t *testing.T) {
	a := testAsm()
	a.SetCC(CCE, RAX)
	check(t, "sete al", emitted(a), []byte{0x0F, 0x94, 0xC0})

	a = testAsm()
	a.SetCC(CCNE, R10)
	check(t, "setne r10b", emitted(a), []byte{0x41, 0x0F, 0x95, 0xC2})

	a = testAsm()
	a.CmovCC(CCE, RAX, RegOpnd(RCX, 64), 64)
	check(t, "cmove rax, rcx", emitted(a), []byte{0x48, 0x0F, 0x44, 0xC1})
}

// TestStackCallEncodings 测试栈与调用编码
func TestStackCallEncodings(t *testing.T) {
	a := testAsm()
	a.Push(RBP)
	a.Pop(RBP)
	check(t, "push/pop rbp", emitted(a), []byte{0x55, 0x5D})

	a = testAsm()
	a.Push(R12)
	check(t, "push r12", emitted(a), []byte{0x41, 0x54})

	a = testAsm()
	a.CallReg(RAX)
	check(t, "call rax", emitted(a), []byte{0xFF, 0xD0})

	a = testAsm()
	a.JmpReg(R11)
	check(t, "jmp r11", emitted(a), []byte{0x41, 0xFF, 0xE3})

	a = testAsm()
	a.Ret()
	check(t, "ret", emitted(a), []byte{0xC3})

	a = testAsm()
	a.PushImm(7)
	check(t, "push 7", emitted(a), []byte{0x68, 0x07, 0x00, 0x00, 0x00})
}

// TestExtEncodings 测试扩展装载编码
func TestExtEncodings(t *testing.T) {
	a := testAsm()
	a.Movzx(RAX, RegOpnd(RCX, 8))
	check(t, "movzx rax, cl", emitted(a), []byte{0x48, 0x0F, 0xB6, 0xC1})

	a = testAsm()
	a.Movsxd(RDX, RegOpnd(RAX, 32))
	check(t, "movsxd rdx, eax", emitted(a), []byte{0x48, 0x63, 0xD0})

	a = testAsm()
	a.Lea(RAX, MemOpnd(RBX, 24, 64))
	check(t, "lea rax, [rbx+24]", emitted(a), []byte{0x48, 0x8D, 0x43, 0x18})

	a = testAsm()
	a.Lea(RAX, MemScaleOpnd(RBX, RCX, 8, 0, 64))
	check(t, "lea rax, [rbx+rcx*8]", emitted(a), []byte{0x48, 0x8D, 0x04, 0xCB})
}

// TestSSEEncodings 测试标量 SSE 编码
func TestSSEEncodings(t *testing.T) {
	a := testAsm()
	a.Addsd(XMM0, XmmOpnd(XMM1))
	check(t, "addsd xmm0, xmm1", emitted(a), []byte{0xF2, 0x0F, 0x58, 0xC1})

	a = testAsm()
	a.Ucomisd(XMM0, XMM1)
	check(t, "ucomisd xmm0, xmm1", emitted(a), []byte{0x66, 0x0F, 0x2E, 0xC1})

	a = testAsm()
	a.MovqToXmm(XMM0, RAX)
	check(t, "movq xmm0, rax", emitted(a), []byte{0x66, 0x48, 0x0F, 0x6E, 0xC0})

	a = testAsm()
	a.MovqFromXmm(RAX, XMM0)
	check(t, "movq rax, xmm0", emitted(a), []byte{0x66, 0x48, 0x0F, 0x7E, 0xC0})

	a = testAsm()
	a.MovsdLoad(XMM1, MemOpnd(RBX, 8, 64))
	check(t, "movsd xmm1, [rbx+8]", emitted(a), []byte{0xF2, 0x0F, 0x10, 0x4B, 0x08})
}

// TestLabels 测试标签解析
func TestLabels(t *testing.T) {
	a := testAsm()
	done := a.NewLabel()
	a.JccLabel(CCE, done) // 6 字节
	a.Nop()               // 1 字节
	a.Bind(done)
	a.Ret()
	a.ResolveLabels()

	// je +1 跳过 nop
	check(t, "je done", emitted(a), []byte{0x0F, 0x84, 0x01, 0x00, 0x00, 0x00, 0x90, 0xC3})
}

// TestJmpOfs 测试已知偏移跳转
func TestJmpOfs(t *testing.T) {
	a := testAsm()
	a.Nop()
	a.JmpOfs(0)
	// jmp rel32 = 目标 0 - (1+5) = -6
	check(t, "jmp back", emitted(a), []byte{0x90, 0xE9, 0xFA, 0xFF, 0xFF, 0xFF})
}

// TestBufferOverflow 缓冲区耗尽必须恐慌
func TestBufferOverflow(t *testing.T) {
	a := NewAssembler(make([]byte, 4), 0, nil)
	defer func() {
		if r := recover(); r != ErrBufferOverflow {
			t.Errorf("expected ErrBufferOverflow, got %v", r)
		}
	}()
	a.MovAbs(RAX, 1)
	t.Error("emit past buffer end did not panic")
}
