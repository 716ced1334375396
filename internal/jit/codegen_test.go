// codegen_test.go - 编译管线测试
//
// 覆盖：基本编译、类型测试折叠与真边细化、版本驻留确定性、
// maxvers=0 退化、溢出分支、引用修补完整性、惰性桩。
// 这些测试只检查编译产物与状态，不执行生成的代码。

package jit

import (
	"bytes"
	"testing"

	"github.com/chenqiao/aria/internal/ir"
	rt "github.com/chenqiao/aria/internal/runtime"
)

// newTestCompiler 构造编译器；映射可执行内存失败的环境跳过
func newTestCompiler(t *testing.T, opts *Options) (*Compiler, *rt.VM) {
	t.Helper()
	vm := rt.NewVM()
	c, err := NewCompiler(vm, opts, nil)
	if err != nil {
		t.Skipf("executable memory unavailable: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, vm
}

// TestCompileAdd 最小函数走通编译管线
func TestCompileAdd(t *testing.T) {
	c, _ := newTestCompiler(t, nil)

	b := ir.NewBuilder("add", 2, 0)
	p0 := b.Param(0)
	p1 := b.Param(1)
	sum := b.Append(ir.OpAddI32, p0, p1)
	b.Ret(sum)

	entry, err := c.CompileFunc(b.Fn)
	if err != nil {
		t.Fatalf("CompileFunc: %v", err)
	}
	if !entry.Compiled() {
		t.Fatal("entry version not compiled")
	}
	if entry.EndOfs <= entry.StartOfs {
		t.Error("entry version has empty code range")
	}
	if b.Fn.Rec.EntryCode == 0 {
		t.Error("EntryCode not installed")
	}
	if c.Stats().Funcs != 1 {
		t.Errorf("stats.Funcs = %d, want 1", c.Stats().Funcs)
	}
}

// TestTypeTestFolding 已知类型的测试折叠为单个无条件跳转，
// 真后继的类型表携带细化结果
func TestTypeTestFolding(t *testing.T) {
	c, _ := newTestCompiler(t, nil)

	b := ir.NewBuilder("fold", 0, 0)
	val := b.Append(ir.OpAddI32, ir.IntConst(40), ir.IntConst(2))
	tt := b.Append(ir.OpIsInt32, val)
	yes := b.NewBlock("yes")
	no := b.NewBlock("no")
	b.IfTrue(tt, yes, no)

	b.SetBlock(yes)
	b.Ret(val)
	b.SetBlock(no)
	b.Ret(ir.UndefConst{})

	if _, err := c.CompileFunc(b.Fn); err != nil {
		t.Fatalf("CompileFunc: %v", err)
	}

	if c.Stats().TypeTestsFolded == 0 {
		t.Error("type test on known-typed value not folded")
	}
	// 假后继不应被请求
	if n := len(c.Versions().VersionsOf(no)); n != 0 {
		t.Errorf("false successor has %d versions, want 0", n)
	}
	// 真后继的状态必须知道 val : int32
	yesVers := c.Versions().VersionsOf(yes)
	if len(yesVers) != 1 {
		t.Fatalf("true successor has %d versions, want 1", len(yesVers))
	}
	if tag, ok := yesVers[0].State.TypeOf(val); !ok || tag != rt.TagInt32 {
		t.Errorf("true-edge state type = %v (known=%t), want int32", tag, ok)
	}
}

// TestTypeMonotonicity 运行期类型测试：真边细化、假边不变
func TestTypeMonotonicity(t *testing.T) {
	c, _ := newTestCompiler(t, nil)

	b := ir.NewBuilder("mono", 1, 0)
	p := b.Param(0)
	tt := b.Append(ir.OpIsInt32, p)
	yes := b.NewBlock("yes")
	no := b.NewBlock("no")
	b.IfTrue(tt, yes, no)

	b.SetBlock(yes)
	b.Ret(p)
	b.SetBlock(no)
	b.Ret(p)

	if _, err := c.CompileFunc(b.Fn); err != nil {
		t.Fatalf("CompileFunc: %v", err)
	}

	yesVers := c.Versions().VersionsOf(yes)
	noVers := c.Versions().VersionsOf(no)
	if len(yesVers) != 1 || len(noVers) != 1 {
		t.Fatalf("successor versions = %d/%d, want 1/1", len(yesVers), len(noVers))
	}
	if tag, ok := yesVers[0].State.TypeOf(p); !ok || tag != rt.TagInt32 {
		t.Error("true edge did not refine argument type")
	}
	if _, ok := noVers[0].State.TypeOf(p); ok {
		t.Error("false edge must not refine argument type")
	}
}

// TestMaxVersZero maxvers=0 关闭全部类型特化
func TestMaxVersZero(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxVersions = 0
	c, _ := newTestCompiler(t, opts)

	b := ir.NewBuilder("generic", 1, 0)
	p := b.Param(0)
	tt := b.Append(ir.OpIsString, p)
	b.Ret(tt)

	entry, err := c.CompileFunc(b.Fn)
	if err != nil {
		t.Fatalf("CompileFunc: %v", err)
	}
	if c.Stats().TypeTestsFolded != 0 {
		t.Error("type test folded despite unknown type")
	}
	if !entry.Generic {
		t.Error("maxvers=0 entry version not generic")
	}
	// cmp + cmov 序列必须在产物里（0F 44 = cmove）
	code := c.Asm().Bytes(entry.StartOfs, entry.EndOfs)
	if !bytes.Contains(code, []byte{0x0F, 0x44}) {
		t.Error("expected cmov sequence in generic type test")
	}
}

// TestOverflowBranch 溢出变体产出两个后继版本
func TestOverflowBranch(t *testing.T) {
	c, _ := newTestCompiler(t, nil)

	b := ir.NewBuilder("ovf", 2, 0)
	p0 := b.Param(0)
	p1 := b.Param(1)
	ok := b.NewBlock("ok")
	ovf := b.NewBlock("ovf")
	sum := b.AppendBranch(ir.OpAddI32Ovf, ok, ovf, p0, p1)

	b.SetBlock(ok)
	b.Ret(sum)
	b.SetBlock(ovf)
	b.Ret(ir.UndefConst{})

	if _, err := c.CompileFunc(b.Fn); err != nil {
		t.Fatalf("CompileFunc: %v", err)
	}

	if len(c.Versions().VersionsOf(ok)) != 1 {
		t.Error("no-overflow successor missing")
	}
	if len(c.Versions().VersionsOf(ovf)) != 1 {
		t.Error("overflow successor missing")
	}
	// 溢出边上结果不可见
	ovfVer := c.Versions().VersionsOf(ovf)[0]
	if ovfVer.State.LocOf(sum).Kind != LocNone {
		t.Error("overflow edge still tracks the result value")
	}
}

// TestPatchingCompleteness 落地后不存在悬空引用
func TestPatchingCompleteness(t *testing.T) {
	c, _ := newTestCompiler(t, nil)

	// 带回边的循环：count 从 p 减到 0
	b := ir.NewBuilder("loop", 1, 0)
	p := b.Param(0)
	head := b.NewBlock("head")
	body := b.NewBlock("body")
	exit := b.NewBlock("exit")
	b.Jump(head)

	b.SetBlock(head)
	cmp := b.Append(ir.OpGtI32, p, ir.IntConst(0))
	b.IfTrue(cmp, body, exit)

	b.SetBlock(body)
	b.Jump(head)

	b.SetBlock(exit)
	b.Ret(p)

	if _, err := c.CompileFunc(b.Fn); err != nil {
		t.Fatalf("CompileFunc: %v", err)
	}

	for _, blk := range b.Fn.Blocks {
		for _, ver := range c.Versions().VersionsOf(blk) {
			if !ver.Compiled() {
				t.Errorf("version of %s left uncompiled", blk.Name)
			}
			if n := c.Asm().PendingRefs(ver); n != 0 {
				t.Errorf("version of %s has %d dangling refs", blk.Name, n)
			}
		}
	}
}

// TestVersionDeterminism 相同规范化状态驻留同一版本
func TestVersionDeterminism(t *testing.T) {
	c, _ := newTestCompiler(t, nil)

	b := ir.NewBuilder("det", 1, 0)
	p := b.Param(0)
	sum := b.Append(ir.OpAddI32, p, ir.IntConst(1))
	b.Ret(sum)
	fn := b.Fn

	m := c.Versions()
	s1 := NewState(fn)
	s1.vals[p] = StackLoc
	s2 := NewState(fn)
	s2.vals[p] = StackLoc

	v1 := m.GetVersion(fn.Entry, s1)
	v2 := m.GetVersion(fn.Entry, s2)
	if v1 != v2 {
		t.Error("equal states interned to different versions")
	}

	s3 := NewState(fn)
	s3.vals[p] = StackLoc
	s3.SetType(p, rt.TagInt32)
	v3 := m.GetVersion(fn.Entry, s3)
	if v3 == v1 {
		t.Error("states with different type facts interned together")
	}
}

// TestMaxVersionsDegrade 超过版本上限后退化为泛型版本
func TestMaxVersionsDegrade(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxVersions = 1
	c, _ := newTestCompiler(t, opts)

	b := ir.NewBuilder("cap", 1, 0)
	p := b.Param(0)
	sum := b.Append(ir.OpAddI32, p, ir.IntConst(1))
	b.Ret(sum)
	fn := b.Fn

	m := c.Versions()
	s1 := NewState(fn)
	s1.vals[p] = StackLoc
	s1.SetType(p, rt.TagInt32)
	v1 := m.GetVersion(fn.Entry, s1)

	s2 := NewState(fn)
	s2.vals[p] = StackLoc
	s2.SetType(p, rt.TagFloat64)
	v2 := m.GetVersion(fn.Entry, s2)

	if v1 == v2 {
		t.Fatal("distinct states within cap should not intern together here")
	}
	if !v2.Generic {
		t.Error("over-cap version not degraded to generic")
	}
	if _, ok := v2.State.TypeOf(p); ok {
		t.Error("generic version retains type facts")
	}
	if c.Stats().GenericVersions == 0 {
		t.Error("generic degradation not counted")
	}
}

// TestLazyStubs 惰性模式经编译桩落地延续
func TestLazyStubs(t *testing.T) {
	opts := DefaultOptions()
	opts.Eager = false
	c, _ := newTestCompiler(t, opts)

	b := ir.NewBuilder("lazy", 1, 0)
	p := b.Param(0)
	tt := b.Append(ir.OpIsInt32, p)
	yes := b.NewBlock("yes")
	no := b.NewBlock("no")
	b.IfTrue(tt, yes, no)
	b.SetBlock(yes)
	b.Ret(p)
	b.SetBlock(no)
	b.Ret(p)

	entry, err := c.CompileFunc(b.Fn)
	if err != nil {
		t.Fatalf("CompileFunc: %v", err)
	}
	if !entry.Compiled() {
		t.Fatal("entry not compiled in lazy mode")
	}
	if c.Stats().Stubs == 0 {
		t.Error("lazy branch produced no compile stubs")
	}
}

// TestAllocLowering 分配快路径 + 慢路径宿主调用
func TestAllocLowering(t *testing.T) {
	c, _ := newTestCompiler(t, nil)

	b := ir.NewBuilder("alloc", 0, 0)
	obj := b.Append(ir.OpAllocObject, ir.IntConst(32))
	b.Ret(obj)

	entry, err := c.CompileFunc(b.Fn)
	if err != nil {
		t.Fatalf("CompileFunc: %v", err)
	}
	if c.Stats().HostCallSites == 0 {
		t.Error("alloc fallback host call missing")
	}
	// 入口版本发射了代码
	code := c.Asm().Bytes(entry.StartOfs, entry.EndOfs)
	if len(code) == 0 {
		t.Error("no code emitted for alloc")
	}
}

// TestCallPrimLowering call_prim 解析原语并发射延续
func TestCallPrimLowering(t *testing.T) {
	c, vm := newTestCompiler(t, nil)

	// 安装原语 $rt_add
	pb := ir.NewBuilder("$rt_add", 2, 0)
	pb.Fn.IsPrim = true
	a0 := pb.Param(0)
	a1 := pb.Param(1)
	sum := pb.Append(ir.OpAddI32, a0, a1)
	pb.Ret(sum)
	if _, err := c.CompileFunc(pb.Fn); err != nil {
		t.Fatalf("compile prim: %v", err)
	}
	clos := vm.NewClos(vm.RegisterFunc(pb.Fn.Rec), 0)
	vm.SetProp(vm.Globals, "$rt_add", rt.RefVal(clos, rt.TagClosure))

	// 调用方
	b := ir.NewBuilder("caller", 0, 0)
	cont := b.NewBlock("cont")
	call := b.CallPrim("$rt_add", cont, nil, ir.IntConst(1), ir.IntConst(2))
	b.SetBlock(cont)
	b.Ret(call)

	if _, err := c.CompileFunc(b.Fn); err != nil {
		t.Fatalf("compile caller: %v", err)
	}
	if len(c.Versions().VersionsOf(cont)) != 1 {
		t.Error("continuation version missing")
	}
}

// TestCallPrimArityMismatch 原语元数不匹配是致命断言
func TestCallPrimArityMismatch(t *testing.T) {
	c, vm := newTestCompiler(t, nil)

	pb := ir.NewBuilder("$rt_one", 1, 0)
	pb.Fn.IsPrim = true
	p := pb.Param(0)
	pb.Ret(p)
	if _, err := c.CompileFunc(pb.Fn); err != nil {
		t.Fatalf("compile prim: %v", err)
	}
	clos := vm.NewClos(vm.RegisterFunc(pb.Fn.Rec), 0)
	vm.SetProp(vm.Globals, "$rt_one", rt.RefVal(clos, rt.TagClosure))

	b := ir.NewBuilder("bad", 0, 0)
	cont := b.NewBlock("cont")
	call := b.CallPrim("$rt_one", cont, nil, ir.IntConst(1), ir.IntConst(2))
	b.SetBlock(cont)
	b.Ret(call)

	defer func() {
		if recover() == nil {
			t.Error("arity mismatch did not panic")
		}
	}()
	c.CompileFunc(b.Fn)
}

// TestFFISigParsing FFI 签名解析
func TestFFISigParsing(t *testing.T) {
	ret, args := parseFFISig("i32,i32,i32")
	if ret != ffiI32 || len(args) != 2 {
		t.Errorf("parse i32,i32,i32 = %v/%v", ret, args)
	}

	ret, args = parseFFISig("f64,*,u8")
	if ret != ffiF64 || args[0] != ffiPtr || args[1] != ffiU8 {
		t.Errorf("parse f64,*,u8 = %v/%v", ret, args)
	}

	defer func() {
		if recover() == nil {
			t.Error("bad signature did not panic")
		}
	}()
	parseFFISig("i32,bogus")
}
