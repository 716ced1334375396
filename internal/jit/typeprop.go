// typeprop.go - 静态类型传播
//
// 可插拔的前向类型分析：按操作码的静态输出标签和常量标签推导
// 每个值的类型。BBV 状态不知道而这里知道时，类型测试仍可折叠
// （jit_typeprop 选项控制是否咨询）。
//
// 分析是流不敏感的保守近似：同一个值在所有程序点共享一个结论。

package jit

import (
	"github.com/chenqiao/aria/internal/ir"
	"github.com/chenqiao/aria/internal/runtime"
)

// TypeProp 函数级静态类型传播结果
type TypeProp struct {
	tags map[*ir.Instr]runtime.TypeTag
}

// NewTypeProp 计算函数的类型传播
func NewTypeProp(fn *ir.Func) *TypeProp {
	tp := &TypeProp{tags: make(map[*ir.Instr]runtime.TypeTag)}

	// 两轮迭代覆盖前向引用
	for pass := 0; pass < 2; pass++ {
		for _, blk := range fn.Blocks {
			for _, in := range blk.Instrs {
				tp.visit(in)
			}
		}
	}
	return tp
}

func (tp *TypeProp) visit(in *ir.Instr) {
	if in.OutSlot < 0 {
		return
	}

	if t := in.Op.OutTag(); t != ir.NoTag {
		tp.tags[in] = t
		return
	}

	switch in.Op {
	case ir.OpMove:
		if t, ok := tp.argTag(in, 0); ok {
			tp.tags[in] = t
		}
	}
}

// argTag 参数的静态标签
func (tp *TypeProp) argTag(in *ir.Instr, idx int) (runtime.TypeTag, bool) {
	if v := in.InstrArg(idx); v != nil {
		t, ok := tp.tags[v]
		return t, ok
	}
	t := constTag(in.Args[idx])
	return t, t != ir.NoTag
}

// TypeOf 值的静态类型
func (tp *TypeProp) TypeOf(v *ir.Instr) (runtime.TypeTag, bool) {
	t, ok := tp.tags[v]
	return t, ok
}
