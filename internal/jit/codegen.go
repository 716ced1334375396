// codegen.go - 编译器骨架与分发表
//
// Compiler 把各组件拴在一起：代码堆、汇编器、版本管理器、配置、
// 统计与日志。逐指令的降级函数登记在按操作码索引的分发表里，
// 签名统一为 (Compiler, BlockVersion, CodeGenState, Instr)。

package jit

import (
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/chenqiao/aria/internal/ir"
	rt "github.com/chenqiao/aria/internal/runtime"
)

// lowerFn 逐操作码降级函数
type lowerFn func(c *Compiler, v *BlockVersion, s *CodeGenState, instr *ir.Instr)

// lowerTable 按操作码索引的分发表；init 时由各 op_*.go 填充
var lowerTable [ir.NumOps]lowerFn

// ============================================================================
// 编译器
// ============================================================================

// Compiler JIT 编译器
type Compiler struct {
	vm   *rt.VM
	opts *Options
	log  *zap.Logger

	heap   *CodeHeap
	asm    *Assembler
	vermgr *VersionManager

	stats Stats

	liveness map[*ir.Func]*Liveness
	typeInfo map[*ir.Func]*TypeProp

	// 待补入口的函数（FuncConst 物化时登记）
	pendingFuncs []*ir.Func

	helperAddrs map[string]uintptr

	entryTrampOfs int
	exitStubOfs   int
}

// NewCompiler 创建编译器并发射进入跳板与退出桩
func NewCompiler(vm *rt.VM, opts *Options, log *zap.Logger) (*Compiler, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if log == nil {
		log = zap.NewNop()
	}

	heap, err := NewCodeHeap(opts.CodeHeapSize)
	if err != nil {
		return nil, err
	}

	c := &Compiler{
		vm:       vm,
		opts:     opts,
		log:      log,
		heap:     heap,
		liveness: make(map[*ir.Func]*Liveness),
		typeInfo: make(map[*ir.Func]*TypeProp),
	}
	c.asm = NewAssembler(heap.Buf(), heap.Base(), vm)
	c.asm.comp = c
	c.vermgr = NewVersionManager(c)
	c.registerHelpers()

	c.entryTrampOfs = c.asm.EmitEntryTramp()
	c.exitStubOfs = c.asm.EmitExitStub()
	vm.TopHandler = c.asm.Addr(c.exitStubOfs)

	c.log.Info("jit compiler initialized",
		zap.Int("code_heap", heap.Size()),
		zap.Bool("eager", opts.Eager),
		zap.Int("maxvers", opts.MaxVersions))
	return c, nil
}

// Close 释放代码堆
func (c *Compiler) Close() error {
	return c.heap.Release()
}

// Asm 汇编器（测试用）
func (c *Compiler) Asm() *Assembler {
	return c.asm
}

// Versions 版本管理器（测试用）
func (c *Compiler) Versions() *VersionManager {
	return c.vermgr
}

// Stats 统计快照
func (c *Compiler) Stats() Stats {
	return c.stats
}

// ExitStubAddr 退出桩地址（帧返回地址槽的宿主侧值）
func (c *Compiler) ExitStubAddr() uintptr {
	return c.asm.Addr(c.exitStubOfs)
}

// livenessOf 函数活跃信息（按函数缓存）
func (c *Compiler) livenessOf(fn *ir.Func) *Liveness {
	lv, ok := c.liveness[fn]
	if !ok {
		lv = NewLiveness(fn)
		c.liveness[fn] = lv
	}
	return lv
}

// typePropOf 静态类型传播结果（jit_typeprop 开启时咨询）
func (c *Compiler) typePropOf(fn *ir.Func) *TypeProp {
	tp, ok := c.typeInfo[fn]
	if !ok {
		tp = NewTypeProp(fn)
		c.typeInfo[fn] = tp
	}
	return tp
}

// ============================================================================
// 编译入口
// ============================================================================

// CompileFunc 编译函数入口版本并按队列纪律落地
func (c *Compiler) CompileFunc(fn *ir.Func) (*BlockVersion, error) {
	if err := fn.Validate(); err != nil {
		// IR 良构性违例反映构建器缺陷
		panic(fmt.Sprintf("jit: malformed IR: %v", err))
	}

	entry := c.vermgr.GetVersion(fn.Entry, NewState(fn))
	if c.opts.Eager {
		c.vermgr.Drain()
	} else {
		c.vermgr.Realize(entry)
	}
	c.flushPendingFuncs()

	fn.Rec.EntryCode = c.asm.Addr(entry.StartOfs)
	c.stats.Funcs++
	c.log.Debug("function compiled",
		zap.String("name", fn.Name),
		zap.Int("entry", entry.StartOfs))
	return entry, nil
}

// FuncRecAddr 函数记录地址；被 FuncConst 物化调用
// 入口代码留待 flushPendingFuncs 填充（发射中途不能嵌套发射）
func (c *Compiler) FuncRecAddr(fn *ir.Func) uintptr {
	if fn.Rec.EntryCode == 0 {
		c.pendingFuncs = append(c.pendingFuncs, fn)
	}
	return c.vm.RegisterFunc(fn.Rec)
}

// flushPendingFuncs 为引用过的未编译函数安装入口
// 急切模式直接编译；惰性模式指向入口编译桩
func (c *Compiler) flushPendingFuncs() {
	for len(c.pendingFuncs) > 0 {
		fn := c.pendingFuncs[0]
		c.pendingFuncs = c.pendingFuncs[1:]
		if fn.Rec.EntryCode != 0 {
			continue
		}
		entry := c.vermgr.GetVersion(fn.Entry, NewState(fn))
		if c.opts.Eager {
			c.vermgr.Drain()
			fn.Rec.EntryCode = c.asm.Addr(entry.StartOfs)
		} else {
			fn.Rec.EntryCode = c.vermgr.Addr(entry)
		}
	}
}

// ensureFuncRec 常量物化路径的入口
func ensureFuncRec(a *Assembler, fn *ir.Func) uintptr {
	return a.comp.FuncRecAddr(fn)
}

// ============================================================================
// 宿主函数地址
// ============================================================================

// funcAddr 取 Go 函数的入口地址（宿主调用按寄存器传参约定进入）
func funcAddr(fn interface{}) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// registerHelpers 登记全部宿主函数
func (c *Compiler) registerHelpers() {
	c.helperAddrs = map[string]uintptr{
		"heapAlloc":     funcAddr(rt.HeapAllocH),
		"gcCollect":     funcAddr(rt.GCCollectH),
		"getStr":        funcAddr(rt.GetStrH),
		"shapeGetDef":   funcAddr(rt.ShapeGetDefH),
		"setProp":       funcAddr(rt.SetPropH),
		"getProp":       funcAddr(rt.GetPropH),
		"getPropSlot":   funcAddr(rt.GetPropSlotH),
		"setPropSlot":   funcAddr(rt.SetPropSlotH),
		"setPropAttrs":  funcAddr(rt.SetPropAttrsH),
		"defConst":      funcAddr(rt.DefConstH),
		"shapeParent":   funcAddr(rt.ShapeParentH),
		"shapePropName": funcAddr(rt.ShapePropNameH),
		"shapeGetAttrs": funcAddr(rt.ShapeGetAttrsH),
		"callApply":     funcAddr(rt.CallApplyH),
		"newClos":       funcAddr(rt.NewClosH),
		"newCell":       funcAddr(rt.NewCellH),
		"throwExc":      funcAddr(rt.ThrowExc),
		"getTimeMs":     funcAddr(rt.GetTimeMsH),
		"loadFile":      funcAddr(rt.LoadFileH),
		"evalStr":       funcAddr(rt.EvalStrH),
		"dlopen":        funcAddr(rt.DlOpenH),
		"dlsym":         funcAddr(rt.DlSymH),
		"dlclose":       funcAddr(rt.DlCloseH),
		"sin":           funcAddr(rt.SinH),
		"cos":           funcAddr(rt.CosH),
		"sqrt":          funcAddr(rt.SqrtH),
		"ceil":          funcAddr(rt.CeilH),
		"floor":         funcAddr(rt.FloorH),
		"log":           funcAddr(rt.LogH),
		"exp":           funcAddr(rt.ExpH),
		"pow":           funcAddr(rt.PowH),
		"fmod":          funcAddr(rt.FmodH),

		"propCacheLookup": funcAddr(propCacheLookupH),
	}
	for name, addr := range c.helperAddrs {
		c.vm.SetHelperAddr(name, addr)
	}
}

// helperAddr 查宿主函数地址；缺失属编译器缺陷
func (c *Compiler) helperAddr(name string) uintptr {
	addr, ok := c.helperAddrs[name]
	if !ok {
		panic("jit: unknown helper " + name)
	}
	return addr
}

// ============================================================================
// 惰性编译桩注册表
// ============================================================================

type stubEntry struct {
	comp *Compiler
	ver  *BlockVersion
}

var (
	stubMu      sync.Mutex
	stubEntries []stubEntry
)

// registerStub 登记桩条目，返回桩 id
func registerStub(c *Compiler, v *BlockVersion) int {
	stubMu.Lock()
	defer stubMu.Unlock()
	stubEntries = append(stubEntries, stubEntry{comp: c, ver: v})
	return len(stubEntries) - 1
}

// compileStubH 桩的宿主侧：落地目标版本并返回其入口
func compileStubH(vm *rt.VM, id uintptr) uintptr {
	stubMu.Lock()
	e := stubEntries[id]
	stubMu.Unlock()

	if !e.ver.compiled {
		e.comp.vermgr.Realize(e.ver)
	}
	return e.comp.asm.Addr(e.ver.StartOfs)
}

var compileStubAddr uintptr

func init() {
	compileStubAddr = funcAddr(compileStubH)
}

// ============================================================================
// 宿主侧调用 API
// ============================================================================

// Call 以给定实参执行已编译函数，返回其返回值
func (c *Compiler) Call(fn *ir.Func, args ...rt.Value) (rt.Value, error) {
	if fn.Rec.EntryCode == 0 {
		if _, err := c.CompileFunc(fn); err != nil {
			return rt.Value{}, err
		}
	}

	vm := c.vm
	slots := fn.NumSlots()
	extras := len(args) - fn.NumParams
	if extras < 0 {
		extras = 0
	}
	vm.PushFrame(slots + extras)

	vm.WriteSlot(rt.RASlot, rt.Value{Word: uint64(c.ExitStubAddr()), Tag: rt.TagRawPtr})
	vm.WriteSlot(rt.ClosSlot, rt.NullVal)
	vm.WriteSlot(rt.ThisSlot, rt.UndefVal)
	vm.WriteSlot(rt.ArgcSlot, rt.Value{Word: uint64(len(args)), Tag: rt.TagInt32})
	for i := 0; i < fn.NumParams && i < len(args); i++ {
		vm.WriteSlot(rt.ArgSlot+i, args[i])
	}
	for i := len(args); i < fn.NumParams; i++ {
		vm.WriteSlot(rt.ArgSlot+i, rt.UndefVal)
	}

	vm.HasPendingExc = false
	enterJIT(c.asm.Addr(c.entryTrampOfs), uintptr(reflect.ValueOf(vm).Pointer()), fn.Rec.EntryCode)

	if vm.HasPendingExc {
		vm.HasPendingExc = false
		return vm.PendingExc, fmt.Errorf("aria: uncaught exception: %s", vm.PendingExc)
	}
	return rt.Value{Word: vm.M.RetWord, Tag: rt.TypeTag(vm.M.RetType)}, nil
}
