// versions.go - 基本块版本管理
//
// 基本块按 (块, 进入状态) 驻留为版本。版本惰性编译：请求时入队或
// 生成桩，落地 (realize) 时发射机器码并修补全部入边引用。
// 每块版本数超过上限后，清空类型信息退化为泛型版本。

package jit

import (
	"go.uber.org/zap"

	"github.com/chenqiao/aria/internal/ir"
)

// ============================================================================
// 块版本
// ============================================================================

// BlockVersion 驻留的 (块, 状态) 对
type BlockVersion struct {
	Block *ir.Block
	State *CodeGenState // 进入状态；创建后不可变

	Idx      int // 稳定索引（引用表使用索引而非裸地址）
	StartOfs int
	EndOfs   int
	Generic  bool

	compiled bool
	stubOfs  int // 惰性桩偏移；-1 表示无
}

// Compiled 版本是否已落地（入口偏移确定、开始发射时即为真）
func (v *BlockVersion) Compiled() bool {
	return v.compiled
}

// BranchShape 分支的落位形态
type BranchShape int

const (
	// ShapeNext0 真目标紧随其后（直落）
	ShapeNext0 BranchShape = iota
	// ShapeNext1 假目标紧随其后
	ShapeNext1
	// ShapeDefault 两个目标都不相邻
	ShapeDefault
)

// ============================================================================
// 版本管理器
// ============================================================================

// VersionManager 版本驻留与编译队列
type VersionManager struct {
	comp *Compiler
	asm  *Assembler

	versions map[*ir.Block][]*BlockVersion
	queue    []*BlockVersion
	nextIdx  int

	// 当前版本发射中挂起的惰性桩请求（块尾统一落位）
	pendingStubs []pendingStub
}

// pendingStub 惰性分支的桩请求
type pendingStub struct {
	v     *BlockVersion
	label int // 待绑定到桩入口的分支标签
}

// NewVersionManager 创建版本管理器
func NewVersionManager(comp *Compiler) *VersionManager {
	return &VersionManager{
		comp:     comp,
		asm:      comp.asm,
		versions: make(map[*ir.Block][]*BlockVersion),
	}
}

// VersionsOf 某块的现有版本（测试用）
func (m *VersionManager) VersionsOf(block *ir.Block) []*BlockVersion {
	return m.versions[block]
}

// GetVersion 按 (块, 规范化状态) 驻留版本
// 不存在则新建并入队；超过 MaxVersions 时退化为泛型版本
func (m *VersionManager) GetVersion(block *ir.Block, state *CodeGenState) *BlockVersion {
	st := state.Copy()
	lv := m.comp.livenessOf(block.Fn)
	st.pruneDead(lv, block)

	maxVers := m.comp.opts.MaxVersions
	generic := false
	if maxVers == 0 {
		// 关闭全部类型特化
		st.MaterializeImms(m.asm)
		st.ClearTypes()
		generic = true
	}

	for _, v := range m.versions[block] {
		if v.State.Equal(st) {
			return v
		}
	}

	if maxVers > 0 && len(m.versions[block]) >= maxVers {
		// 静默退化：抹掉类型事实得到泛型版本
		st.MaterializeImms(m.asm)
		st.ClearTypes()
		generic = true
		for _, v := range m.versions[block] {
			if v.State.Equal(st) {
				return v
			}
		}
		m.comp.stats.GenericVersions++
	}

	v := &BlockVersion{
		Block:   block,
		State:   st,
		Idx:     m.nextIdx,
		Generic: generic,
		stubOfs: -1,
	}
	m.nextIdx++
	m.versions[block] = append(m.versions[block], v)
	m.comp.stats.Versions++
	m.queue = append(m.queue, v)
	return v
}

// Drain 按 FIFO 清空编译队列
func (m *VersionManager) Drain() {
	for len(m.queue) > 0 {
		v := m.queue[0]
		m.queue = m.queue[1:]
		if !v.compiled {
			m.Realize(v)
		}
	}
}

// dequeue 把版本从队列中摘除（已内联落地时）
func (m *VersionManager) dequeue(v *BlockVersion) {
	for i, q := range m.queue {
		if q == v {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// Realize 落地版本：发射块代码并修补入边引用
func (m *VersionManager) Realize(v *BlockVersion) {
	if v.compiled {
		return
	}
	m.dequeue(v)

	// 直落目标递归落地时隔离标签与桩上下文
	scope := m.asm.PushLabelScope()
	savedPending := m.pendingStubs
	m.pendingStubs = nil

	v.StartOfs = m.asm.Used()
	// 入口偏移确定即标记落地：回边直接跳到入口，不再重复落地
	v.compiled = true
	cur := v.State.Copy()
	cur.SetLiveness(m.comp.livenessOf(v.Block.Fn))

	for _, instr := range v.Block.Instrs {
		if cur.skipNext == instr {
			// 已被前一条类型测试/比较融合
			cur.skipNext = nil
			continue
		}
		fn := lowerTable[instr.Op]
		if fn == nil {
			panic("jit: unsupported opcode " + instr.Op.String())
		}
		fn(m.comp, v, cur, instr)
	}

	m.flushPendingStubs()
	m.asm.ResolveLabels()
	m.asm.PopLabelScope(scope)
	m.pendingStubs = savedPending

	v.EndOfs = m.asm.Used()
	patched := m.asm.PatchRefs(v)

	m.comp.stats.BytesEmitted += v.EndOfs - v.StartOfs
	m.comp.log.Debug("version realized",
		zap.String("block", v.Block.Name),
		zap.Int("idx", v.Idx),
		zap.Int("start", v.StartOfs),
		zap.Int("end", v.EndOfs),
		zap.Int("patched", patched),
		zap.Bool("generic", v.Generic))
}

// Addr 版本入口地址；未落地时惰性模式返回桩地址
func (m *VersionManager) Addr(v *BlockVersion) uintptr {
	if v.compiled {
		return m.asm.Addr(v.StartOfs)
	}
	return m.asm.Addr(m.ensureStub(v))
}

// ensureStub 确保版本有惰性编译桩，返回桩偏移
// 桩在首次执行时编译真实版本并跳转过去；可分配寄存器中可能载有
// 进入状态的值，编译调用前后整体压栈保护。
func (m *VersionManager) ensureStub(v *BlockVersion) int {
	if v.stubOfs >= 0 {
		return v.stubOfs
	}
	a := m.asm
	v.stubOfs = a.Used()

	for _, r := range allocRegs {
		a.Push(r)
	}
	id := registerStub(m.comp, v)
	a.HostCall(compileStubAddr, RegOpnd(RegVM, 64), ImmOpnd(int64(id), 64))
	a.Mov(RegOpnd(RegScratch0, 64), RegOpnd(RegScratch1, 64))
	for i := len(allocRegs) - 1; i >= 0; i-- {
		a.Pop(allocRegs[i])
	}
	a.JmpReg(RegScratch0)

	m.comp.stats.Stubs++
	return v.stubOfs
}

// ============================================================================
// 分支发射
// ============================================================================

// Edge 分支边：目标块与进入该块所需的状态
type Edge struct {
	Block *ir.Block
	State *CodeGenState
}

// GenBranch 为 1-2 个后继请求版本并发射跳转
// shapeFn 按落位形态发射最少数量的跳转指令；直落目标随后立即落地
func (m *VersionManager) GenBranch(e0 Edge, e1 *Edge, shapeFn func(shape BranchShape, v0, v1 *BlockVersion)) {
	v0 := m.GetVersion(e0.Block, e0.State)
	var v1 *BlockVersion
	if e1 != nil {
		v1 = m.GetVersion(e1.Block, e1.State)
	}

	switch {
	case !v0.compiled:
		shapeFn(ShapeNext0, v0, v1)
		m.Realize(v0)
	case v1 != nil && !v1.compiled:
		shapeFn(ShapeNext1, v0, v1)
		m.Realize(v1)
	default:
		shapeFn(ShapeDefault, v0, v1)
	}
}

// JumpTo 无条件转移到版本：未落地则直落，已落地则 jmp
func (m *VersionManager) JumpTo(state *CodeGenState, block *ir.Block) {
	v := m.GetVersion(block, state)
	if !v.compiled {
		m.Realize(v)
		return
	}
	m.asm.JmpVer(v)
}

// JccTo 条件跳转到版本
// 急切模式直接记录引用（队列保证执行前落地）；惰性模式经块尾的
// 编译桩中转，版本落地后引用被修补为直达
func (m *VersionManager) JccTo(cc CC, v *BlockVersion) {
	if v.compiled || m.comp.opts.Eager {
		m.asm.JccVer(cc, v)
		return
	}
	lbl := m.asm.NewLabel()
	m.asm.JccLabel(cc, lbl)
	m.pendingStubs = append(m.pendingStubs, pendingStub{v: v, label: lbl})
}

// JmpToVer 无条件跳转到版本（不落地目标）
func (m *VersionManager) JmpToVer(v *BlockVersion) {
	if v.compiled || m.comp.opts.Eager {
		m.asm.JmpVer(v)
		return
	}
	lbl := m.asm.NewLabel()
	m.asm.JmpLabel(lbl)
	m.pendingStubs = append(m.pendingStubs, pendingStub{v: v, label: lbl})
}

// flushPendingStubs 在块尾落位全部挂起的桩
func (m *VersionManager) flushPendingStubs() {
	for _, p := range m.pendingStubs {
		m.asm.Bind(p.label)
		switch {
		case p.v.compiled:
			// 发射期间已落地：直接指向真实入口
			m.asm.JmpOfs(p.v.StartOfs)
		case p.v.stubOfs >= 0:
			m.asm.JmpOfs(p.v.stubOfs)
		default:
			m.ensureStub(p.v)
		}
	}
	m.pendingStubs = m.pendingStubs[:0]
}
