// state.go - 代码生成状态 (CodeGenState)
//
// CodeGenState 是基本块版本化的核心：对某个程序点，记录每个活跃
// IR 值的位置（栈槽 / 寄存器 / 立即数）和已知类型，以及寄存器的
// 占用情况。同一个基本块按不同的进入状态特化出不同版本。
//
// 不变式：
// 1. 每个活跃值在位置表中恰好出现一次
// 2. 值在寄存器 r 时，没有其他活跃值占用 r
// 3. 立即数位置的标签与类型表一致
// 4. 分支发射点上，状态精确描述落入分支的机器状态

package jit

import (
	"hash/fnv"
	"sort"

	"github.com/chenqiao/aria/internal/ir"
	"github.com/chenqiao/aria/internal/runtime"
)

// ============================================================================
// 位置
// ============================================================================

// LocKind 位置种类
type LocKind uint8

const (
	LocNone LocKind = iota
	LocStack
	LocReg
	LocImm
)

// Loc IR 值的位置
type Loc struct {
	Kind LocKind
	Reg  Reg             // LocReg
	Word uint64          // LocImm 的字
	Tag  runtime.TypeTag // LocImm 的标签
}

// StackLoc 栈槽位置
var StackLoc = Loc{Kind: LocStack}

// RegLoc 寄存器位置
func RegLoc(r Reg) Loc {
	return Loc{Kind: LocReg, Reg: r}
}

// ImmLoc 立即数位置
func ImmLoc(word uint64, tag runtime.TypeTag) Loc {
	return Loc{Kind: LocImm, Word: word, Tag: tag}
}

// ============================================================================
// CodeGenState
// ============================================================================

// CodeGenState 程序点上的代码生成状态
type CodeGenState struct {
	fn *ir.Func

	vals  map[*ir.Instr]Loc
	types map[*ir.Instr]runtime.TypeTag

	regOwner [16]*ir.Instr

	// LRU 时间戳：溢出时选最久未访问的寄存器
	lastTouch [16]int
	tick      int

	// 当前版本发射期间的活跃信息；由 VersionManager 注入
	live *Liveness

	// 融合型分支已吞掉的后继指令（发射期暂态）
	skipNext *ir.Instr
}

// SetLiveness 注入活跃信息
func (s *CodeGenState) SetLiveness(lv *Liveness) {
	s.live = lv
}

// NewState 函数入口状态：形参在各自的栈槽归宿，类型未知
func NewState(fn *ir.Func) *CodeGenState {
	return &CodeGenState{
		fn:    fn,
		vals:  make(map[*ir.Instr]Loc),
		types: make(map[*ir.Instr]runtime.TypeTag),
	}
}

// Copy 结构化克隆；类型特化分支在克隆上修改
func (s *CodeGenState) Copy() *CodeGenState {
	ns := &CodeGenState{
		fn:    s.fn,
		vals:  make(map[*ir.Instr]Loc, len(s.vals)),
		types: make(map[*ir.Instr]runtime.TypeTag, len(s.types)),
		tick:  s.tick,
	}
	for v, l := range s.vals {
		ns.vals[v] = l
	}
	for v, t := range s.types {
		ns.types[v] = t
	}
	ns.regOwner = s.regOwner
	ns.lastTouch = s.lastTouch
	ns.live = s.live
	return ns
}

// Fn 所属函数
func (s *CodeGenState) Fn() *ir.Func {
	return s.fn
}

// touch 更新寄存器访问时间
func (s *CodeGenState) touch(r Reg) {
	s.tick++
	s.lastTouch[r] = s.tick
}

// ============================================================================
// 查询
// ============================================================================

// LocOf 值的当前位置；未跟踪返回 LocNone（视作栈槽归宿）
func (s *CodeGenState) LocOf(v *ir.Instr) Loc {
	if l, ok := s.vals[v]; ok {
		return l
	}
	return Loc{Kind: LocNone}
}

// TypeOf 值的已知类型
func (s *CodeGenState) TypeOf(v *ir.Instr) (runtime.TypeTag, bool) {
	t, ok := s.types[v]
	return t, ok
}

// RegOwnerOf 寄存器当前属主
func (s *CodeGenState) RegOwnerOf(r Reg) *ir.Instr {
	return s.regOwner[r]
}

// NumLive 跟踪中的值数量（测试用）
func (s *CodeGenState) NumLive() int {
	return len(s.vals)
}

// wordHome 值的字栈归宿
func wordHome(v *ir.Instr) Opnd {
	return MemOpnd(RegWsp, v.OutSlot*8, 64)
}

// typeHome 值的类型栈归宿
func typeHome(v *ir.Instr) Opnd {
	return MemOpnd(RegTsp, v.OutSlot, 8)
}

// ============================================================================
// 寄存器分配
// ============================================================================

// assignReg 把寄存器分配给值
func (s *CodeGenState) assignReg(v *ir.Instr, r Reg) {
	if old := s.regOwner[r]; old != nil && old != v {
		panic("jit: register already owned")
	}
	s.regOwner[r] = v
	s.vals[v] = RegLoc(r)
	s.touch(r)
}

// releaseReg 解除寄存器占用（不写回）
func (s *CodeGenState) releaseReg(r Reg) {
	s.regOwner[r] = nil
}

// findFreeReg 首个空闲的可分配寄存器；排除 exclude
func (s *CodeGenState) findFreeReg(exclude []Reg) Reg {
	for _, r := range allocRegs {
		if s.regOwner[r] != nil {
			continue
		}
		if regIn(r, exclude) {
			continue
		}
		return r
	}
	return RegNone
}

func regIn(r Reg, set []Reg) bool {
	for _, x := range set {
		if x == r {
			return true
		}
	}
	return false
}

// FreeReg 返回一个不被 instr 的参数占用的寄存器，必要时按 LRU 溢出
func (s *CodeGenState) FreeReg(a *Assembler, instr *ir.Instr) Reg {
	var exclude []Reg
	if instr != nil {
		for i := range instr.Args {
			if arg := instr.InstrArg(i); arg != nil {
				if l := s.LocOf(arg); l.Kind == LocReg {
					exclude = append(exclude, l.Reg)
				}
			}
		}
	}

	if r := s.findFreeReg(exclude); r != RegNone {
		return r
	}

	// 按 LRU 选牺牲者
	victim := RegNone
	best := int(^uint(0) >> 1)
	for _, r := range allocRegs {
		if regIn(r, exclude) {
			continue
		}
		if s.lastTouch[r] < best {
			best = s.lastTouch[r]
			victim = r
		}
	}
	if victim == RegNone {
		panic("jit: no spillable register")
	}
	s.SpillReg(a, victim)
	return victim
}

// SpillReg 把寄存器中的值写回栈槽归宿并降级为栈位置
func (s *CodeGenState) SpillReg(a *Assembler, r Reg) {
	v := s.regOwner[r]
	if v == nil {
		return
	}
	a.Mov(wordHome(v), RegOpnd(r, 64))
	if t, known := s.types[v]; known {
		// 静态已知的标签此前未落盘，这里补写
		a.Mov(typeHome(v), ImmOpnd(int64(t), 8))
	}
	s.vals[v] = StackLoc
	s.regOwner[r] = nil
}

// spillImm 把立即数位置的值物化到栈槽
func (s *CodeGenState) spillImm(a *Assembler, v *ir.Instr) {
	l := s.vals[v]
	if int64(l.Word) >= -0x80000000 && int64(l.Word) < 0x80000000 {
		a.Mov(wordHome(v), ImmOpnd(int64(l.Word), 64))
	} else {
		a.MovImm(RegScratch0, int64(l.Word), 64)
		a.Mov(wordHome(v), RegOpnd(RegScratch0, 64))
	}
	a.Mov(typeHome(v), ImmOpnd(int64(l.Tag), 8))
	s.vals[v] = StackLoc
}

// SpillValues 溢出所有满足谓词的活跃值（宿主调用与 GC 安全点之前）
func (s *CodeGenState) SpillValues(a *Assembler, pred func(*ir.Instr) bool) {
	// 先收集，避免遍历中修改
	var regs []Reg
	var imms []*ir.Instr
	for v, l := range s.vals {
		if pred != nil && !pred(v) {
			continue
		}
		switch l.Kind {
		case LocReg:
			regs = append(regs, l.Reg)
		case LocImm:
			imms = append(imms, v)
		case LocStack:
			if t, known := s.types[v]; known {
				a.Mov(typeHome(v), ImmOpnd(int64(t), 8))
			}
		}
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
	for _, r := range regs {
		s.SpillReg(a, r)
	}
	sort.Slice(imms, func(i, j int) bool { return imms[i].OutSlot < imms[j].OutSlot })
	for _, v := range imms {
		s.spillImm(a, v)
	}
}

// SpillAll 溢出全部活跃值
func (s *CodeGenState) SpillAll(a *Assembler) {
	s.SpillValues(a, nil)
}

// MapToStack 把值降级到栈槽归宿（调用后 GPR 全部失效）
func (s *CodeGenState) MapToStack(v *ir.Instr) {
	if l, ok := s.vals[v]; ok && l.Kind == LocReg {
		s.regOwner[l.Reg] = nil
	}
	s.vals[v] = StackLoc
}

// MapAllToStack 所有值降级到栈槽（不发射写回；须先 SpillValues）
func (s *CodeGenState) MapAllToStack() {
	for v := range s.vals {
		s.vals[v] = StackLoc
	}
	for i := range s.regOwner {
		s.regOwner[i] = nil
	}
}

// Forget 从状态中移除值（死值清理）
func (s *CodeGenState) Forget(v *ir.Instr) {
	if l, ok := s.vals[v]; ok && l.Kind == LocReg {
		s.regOwner[l.Reg] = nil
	}
	delete(s.vals, v)
	delete(s.types, v)
}

// ============================================================================
// 操作数获取
// ============================================================================

// GetWordOpnd 获取参数 argIdx 的字操作数
// 常量且 allowImm 时返回立即数；已在寄存器返回寄存器；
// 否则从栈槽归宿装入 prefReg
func (s *CodeGenState) GetWordOpnd(a *Assembler, instr *ir.Instr, argIdx int, size uint8, prefReg Reg, allowImm bool) Opnd {
	arg := instr.Args[argIdx]

	if v, ok := arg.(*ir.Instr); ok {
		switch l := s.LocOf(v); l.Kind {
		case LocReg:
			s.touch(l.Reg)
			return RegOpnd(l.Reg, size)
		case LocImm:
			if allowImm && int64(l.Word) >= -0x80000000 && int64(l.Word) < 0x80000000 {
				return ImmOpnd(int64(l.Word), size)
			}
			a.MovImm(prefReg, int64(l.Word), 64)
			return RegOpnd(prefReg, size)
		default:
			// 栈槽归宿
			a.Mov(RegOpnd(prefReg, 64), wordHome(v))
			return RegOpnd(prefReg, size)
		}
	}

	// 常量参数
	word := s.constWord(a, arg)
	if allowImm && int64(word) >= -0x80000000 && int64(word) < 0x80000000 {
		return ImmOpnd(int64(word), size)
	}
	a.MovImm(prefReg, int64(word), 64)
	return RegOpnd(prefReg, size)
}

// constWord 常量参数的字编码
func (s *CodeGenState) constWord(a *Assembler, arg ir.Arg) uint64 {
	v, ok := ir.ConstValue(arg, a.vm)
	if ok {
		return v.Word
	}
	switch c := arg.(type) {
	case ir.FuncConst:
		return uint64(ensureFuncRec(a, c.Fn))
	case ir.LinkConst:
		if *c.Idx == ir.LinkIdxNone {
			*c.Idx = a.vm.AllocCell()
		}
		return uint64(*c.Idx)
	default:
		panic("jit: not a constant argument")
	}
}

// constTag 常量参数的标签
func constTag(arg ir.Arg) runtime.TypeTag {
	switch arg.(type) {
	case ir.IntConst:
		return runtime.TagInt32
	case ir.FloatConst:
		return runtime.TagFloat64
	case ir.BoolConst, ir.NullConst, ir.UndefConst:
		return runtime.TagConst
	case ir.StrConst:
		return runtime.TagString
	case ir.FuncConst:
		return runtime.TagFunPtr
	case ir.LinkConst:
		return runtime.TagInt32
	default:
		return ir.NoTag
	}
}

// GetTypeOpnd 获取参数 argIdx 的类型标签操作数（8 位）
// 类型表已知时直接返回立即数，不发射任何装载
func (s *CodeGenState) GetTypeOpnd(a *Assembler, instr *ir.Instr, argIdx int, prefReg Reg, allowImm bool) Opnd {
	arg := instr.Args[argIdx]

	if v, ok := arg.(*ir.Instr); ok {
		if t, known := s.types[v]; known {
			if allowImm {
				return ImmOpnd(int64(t), 8)
			}
			a.MovImm(prefReg, int64(t), 32)
			return RegOpnd(prefReg, 8)
		}
		if l := s.LocOf(v); l.Kind == LocImm {
			if allowImm {
				return ImmOpnd(int64(l.Tag), 8)
			}
			a.MovImm(prefReg, int64(l.Tag), 32)
			return RegOpnd(prefReg, 8)
		}
		if prefReg == RegNone {
			return typeHome(v)
		}
		a.Movzx(prefReg, typeHome(v))
		return RegOpnd(prefReg, 8)
	}

	t := constTag(arg)
	if allowImm {
		return ImmOpnd(int64(t), 8)
	}
	a.MovImm(prefReg, int64(t), 32)
	return RegOpnd(prefReg, 8)
}

// GetOutOpnd 选择指令结果的写入寄存器
// 已分配寄存器则沿用；allowReuse 且某输入寄存器在本指令后死亡则复用；
// 否则取空闲寄存器；都没有时按 LRU 溢出一个寄存器。总是返回寄存器
func (s *CodeGenState) GetOutOpnd(a *Assembler, instr *ir.Instr, size uint8, allowReuse bool) Opnd {
	// 已有位置（同一指令内幂等）
	if l, ok := s.vals[instr]; ok && l.Kind == LocReg {
		return RegOpnd(l.Reg, size)
	}

	// 复用即将死亡的输入寄存器
	if allowReuse {
		for i := range instr.Args {
			arg := instr.InstrArg(i)
			if arg == nil {
				continue
			}
			l := s.LocOf(arg)
			if l.Kind != LocReg {
				continue
			}
			if s.lastUseHere(instr, arg) {
				s.Forget(arg)
				s.assignReg(instr, l.Reg)
				return RegOpnd(l.Reg, size)
			}
		}
	}

	if r := s.findFreeReg(nil); r != RegNone {
		s.assignReg(instr, r)
		return RegOpnd(r, size)
	}

	r := s.FreeReg(a, instr)
	s.assignReg(instr, r)
	return RegOpnd(r, size)
}

// lastUseHere instr 是否为 arg 在本块中的最后一次使用且 arg 不流出本块
func (s *CodeGenState) lastUseHere(instr, arg *ir.Instr) bool {
	if s.live == nil {
		return false
	}
	return s.live.DiesAt(instr, arg)
}

// SetOutType 记录编译期已知的结果类型标签：写入类型表（延迟落盘）
// 运行期才知道的类型由 SetOutTypeReg 处理
func (s *CodeGenState) SetOutType(a *Assembler, instr *ir.Instr, tag runtime.TypeTag) {
	s.types[instr] = tag
	if _, ok := s.vals[instr]; !ok {
		s.vals[instr] = StackLoc
	}
}

// SetOutTypeReg 结果类型在寄存器中（运行期才知道）
func (s *CodeGenState) SetOutTypeReg(a *Assembler, instr *ir.Instr, r Reg) {
	a.Mov(typeHome(instr), RegOpnd(r, 8))
	delete(s.types, instr)
	if _, ok := s.vals[instr]; !ok {
		s.vals[instr] = StackLoc
	}
}

// SetOutImm 结果折叠为编译期常量
func (s *CodeGenState) SetOutImm(instr *ir.Instr, word uint64, tag runtime.TypeTag) {
	s.vals[instr] = ImmLoc(word, tag)
	s.types[instr] = tag
}

// SetType 沿类型特化分支细化类型
func (s *CodeGenState) SetType(v *ir.Instr, tag runtime.TypeTag) {
	s.types[v] = tag
}

// ClearTypes 清空类型表（版本数超限时退化为泛型版本）
// 立即数位置须先经 MaterializeImms 落盘，否则违反不变式 3
func (s *CodeGenState) ClearTypes() {
	s.types = make(map[*ir.Instr]runtime.TypeTag)
}

// MaterializeImms 把全部立即数位置的值物化到栈槽
// 退化为泛型版本前调用：发射的存储在所有后继跳转之前执行
func (s *CodeGenState) MaterializeImms(a *Assembler) {
	var imms []*ir.Instr
	for v, l := range s.vals {
		if l.Kind == LocImm {
			imms = append(imms, v)
		}
	}
	sort.Slice(imms, func(i, j int) bool { return imms[i].OutSlot < imms[j].OutSlot })
	for _, v := range imms {
		s.spillImm(a, v)
	}
}

// ============================================================================
// 规范化、相等与哈希
// ============================================================================

// pruneDead 移除在 block 及其可达块中不再使用的值
func (s *CodeGenState) pruneDead(lv *Liveness, block *ir.Block) {
	for v := range s.vals {
		if !lv.LiveInto(v, block) {
			s.Forget(v)
		}
	}
}

// sortedVals 按栈槽排序的值列表（规范序）
func (s *CodeGenState) sortedVals() []*ir.Instr {
	out := make([]*ir.Instr, 0, len(s.vals))
	for v := range s.vals {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OutSlot < out[j].OutSlot })
	return out
}

// Hash 规范化哈希：只看值的位置与类型，忽略 LRU 等暂态
func (s *CodeGenState) Hash() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	put := func(x uint64) {
		for i := 0; i < 8; i++ {
			buf[i] = byte(x >> (8 * i))
		}
		h.Write(buf[:])
	}
	for _, v := range s.sortedVals() {
		put(uint64(v.OutSlot))
		l := s.vals[v]
		put(uint64(l.Kind))
		switch l.Kind {
		case LocReg:
			put(uint64(l.Reg))
		case LocImm:
			put(l.Word)
			put(uint64(l.Tag))
		}
		if t, ok := s.types[v]; ok {
			put(uint64(t) + 1)
		} else {
			put(0)
		}
	}
	return h.Sum64()
}

// Equal 规范化相等
func (s *CodeGenState) Equal(o *CodeGenState) bool {
	if len(s.vals) != len(o.vals) {
		return false
	}
	for v, l := range s.vals {
		ol, ok := o.vals[v]
		if !ok || l != ol {
			return false
		}
		t1, ok1 := s.types[v]
		t2, ok2 := o.types[v]
		if ok1 != ok2 || t1 != t2 {
			return false
		}
	}
	return true
}
