// builder.go - IR 构建器
//
// 测试和演示驱动用的构建接口。真正的前端 IR 构建器是外部协作者，
// 这里只提供按块追加指令的最小 API。

package ir

import (
	"fmt"
)

// Builder 按块构建 IR 函数
type Builder struct {
	Fn    *Func
	cur   *Block
	slots int32 // 下一个临时值槽位（局部变量之后）
}

// NewBuilder 创建构建器
func NewBuilder(name string, numParams, numLocals int) *Builder {
	fn := NewFunc(name, numParams, numLocals)
	return &Builder{
		Fn:    fn,
		cur:   fn.Entry,
		slots: int32(fn.NumSlots()),
	}
}

// Block 当前块
func (b *Builder) Block() *Block {
	return b.cur
}

// SetBlock 切换当前块
func (b *Builder) SetBlock(blk *Block) {
	b.cur = blk
}

// NewBlock 创建并切换到新块
func (b *Builder) NewBlock(name string) *Block {
	blk := b.Fn.NewBlock(name)
	return blk
}

// Param 发射形参值
func (b *Builder) Param(i int) *Instr {
	in := &Instr{Op: OpParam, OutSlot: b.Fn.ParamSlot(i), Block: b.cur}
	b.cur.Instrs = append(b.cur.Instrs, in)
	return in
}

// Append 追加指令并分配输出槽位
func (b *Builder) Append(op Op, args ...Arg) *Instr {
	in := &Instr{Op: op, Args: args, OutSlot: -1, Block: b.cur}
	if op.OutTag() != NoTag || producesValue(op) {
		in.OutSlot = b.allocSlot()
	}
	b.markUses(args)
	b.cur.Instrs = append(b.cur.Instrs, in)
	return in
}

// AppendBranch 追加带分支目标的指令
func (b *Builder) AppendBranch(op Op, t0, t1 *Block, args ...Arg) *Instr {
	in := b.Append(op, args...)
	in.Targets[0] = t0
	in.Targets[1] = t1
	return in
}

// CallPrim 发射原语调用
func (b *Builder) CallPrim(name string, cont, exc *Block, args ...Arg) *Instr {
	in := b.AppendBranch(OpCallPrim, cont, exc, args...)
	in.PrimName = name
	return in
}

// CallFFI 发射 FFI 调用
func (b *Builder) CallFFI(sig string, args ...Arg) *Instr {
	in := b.Append(OpCallFFI, args...)
	in.FFISig = sig
	return in
}

// Ret 发射返回
func (b *Builder) Ret(v Arg) *Instr {
	in := &Instr{Op: OpRet, Args: []Arg{v}, OutSlot: -1, Block: b.cur}
	b.markUses(in.Args)
	b.cur.Instrs = append(b.cur.Instrs, in)
	return in
}

// Jump 发射无条件跳转
func (b *Builder) Jump(target *Block) *Instr {
	in := &Instr{Op: OpJump, OutSlot: -1, Block: b.cur}
	in.Targets[0] = target
	b.cur.Instrs = append(b.cur.Instrs, in)
	return in
}

// IfTrue 发射条件分支
func (b *Builder) IfTrue(cond Arg, t, f *Block) *Instr {
	in := &Instr{Op: OpIfTrue, Args: []Arg{cond}, OutSlot: -1, Block: b.cur}
	in.Targets[0] = t
	in.Targets[1] = f
	b.markUses(in.Args)
	b.cur.Instrs = append(b.cur.Instrs, in)
	return in
}

func (b *Builder) allocSlot() int32 {
	s := b.slots
	b.slots++
	// 临时值也占帧内槽位
	b.Fn.NumLocals++
	b.Fn.Rec.NumSlots = int32(b.Fn.NumSlots())
	return s
}

func (b *Builder) markUses(args []Arg) {
	for _, a := range args {
		if v, ok := a.(*Instr); ok {
			v.HasUses = true
		}
	}
}

// producesValue 非 OutTag 驱动但仍产生值的操作
func producesValue(op Op) bool {
	switch op {
	case OpMove, OpCallFFI, OpGetGlobal, OpShapeGetProp,
		OpCallPrim, OpCall, OpCallApply:
		return true
	default:
		return false
	}
}

// Validate 基本的良构检查；违反属于构建器缺陷
func (fn *Func) Validate() error {
	for _, blk := range fn.Blocks {
		if len(blk.Instrs) == 0 {
			return fmt.Errorf("block %s: empty", blk.Name)
		}
		last := blk.Last()
		if !last.Op.IsTerminator() {
			return fmt.Errorf("block %s: not terminated (%s)", blk.Name, last.Op)
		}
		for _, in := range blk.Instrs {
			want := in.Op.NumTargets()
			for i := 0; i < want; i++ {
				// call 的异常目标和 if 的第二目标允许缺省为 nil 的只有延续类操作
				if in.Targets[i] == nil && !targetOptional(in.Op, i) {
					return fmt.Errorf("block %s: %s missing target %d", blk.Name, in.Op, i)
				}
			}
		}
	}
	return nil
}

// targetOptional 指令的第 i 个分支目标是否可缺省
func targetOptional(op Op, i int) bool {
	switch op {
	case OpCallPrim, OpCall, OpCallApply:
		return i == 1 // 异常边可缺省
	default:
		return false
	}
}
