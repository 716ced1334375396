// liveness.go - 值的活跃分析
//
// 版本化代码生成需要两类信息：
// 1. 状态规范化时，哪些值流入目标块（不流入的从状态中剔除，
//    避免无关残留导致版本分裂）
// 2. 输出寄存器能否复用输入寄存器（输入是否在本指令后死亡）
//
// 按函数一次性计算：每个值的使用块集合 + 块的前向可达闭包。

package jit

import (
	"github.com/chenqiao/aria/internal/ir"
)

// Liveness 函数级活跃信息
type Liveness struct {
	fn *ir.Func

	// 值 -> 使用该值的块集合
	useBlocks map[*ir.Instr]map[*ir.Block]bool

	// 块 -> 前向可达块集合（不含自身，除非经环路）
	reach map[*ir.Block]map[*ir.Block]bool

	// 块 -> 值 -> 块内最后使用点
	lastUse map[*ir.Block]map[*ir.Instr]*ir.Instr
}

// NewLiveness 计算函数的活跃信息
func NewLiveness(fn *ir.Func) *Liveness {
	lv := &Liveness{
		fn:        fn,
		useBlocks: make(map[*ir.Instr]map[*ir.Block]bool),
		reach:     make(map[*ir.Block]map[*ir.Block]bool),
		lastUse:   make(map[*ir.Block]map[*ir.Instr]*ir.Instr),
	}

	for _, blk := range fn.Blocks {
		last := make(map[*ir.Instr]*ir.Instr)
		for _, in := range blk.Instrs {
			for i := range in.Args {
				arg := in.InstrArg(i)
				if arg == nil {
					continue
				}
				set := lv.useBlocks[arg]
				if set == nil {
					set = make(map[*ir.Block]bool)
					lv.useBlocks[arg] = set
				}
				set[blk] = true
				last[arg] = in
			}
		}
		lv.lastUse[blk] = last
	}

	for _, blk := range fn.Blocks {
		seen := make(map[*ir.Block]bool)
		var walk func(b *ir.Block)
		walk = func(b *ir.Block) {
			for _, in := range b.Instrs {
				for _, t := range in.Targets {
					if t != nil && !seen[t] {
						seen[t] = true
						walk(t)
					}
				}
			}
		}
		walk(blk)
		lv.reach[blk] = seen
	}

	return lv
}

// LiveInto 值是否流入 block（在 block 或其可达块中被使用）
func (lv *Liveness) LiveInto(v *ir.Instr, block *ir.Block) bool {
	uses := lv.useBlocks[v]
	if uses == nil {
		return false
	}
	if uses[block] {
		return true
	}
	for b := range uses {
		if lv.reach[block][b] {
			return true
		}
	}
	return false
}

// DiesAt instr 是否为 arg 的最后使用点（arg 不再流出 instr 所在块）
func (lv *Liveness) DiesAt(instr, arg *ir.Instr) bool {
	blk := instr.Block
	if lv.lastUse[blk][arg] != instr {
		return false
	}
	for b := range lv.useBlocks[arg] {
		if b != blk && lv.reach[blk][b] {
			return false
		}
	}
	// 环路回到本块时值仍活跃
	return !lv.reach[blk][blk]
}

// LiveAcross 值在 instr 之后是否仍然活跃（宿主调用的溢出谓词）
func (lv *Liveness) LiveAcross(instr, v *ir.Instr) bool {
	if v == instr {
		return false
	}
	blk := instr.Block
	if last, ok := lv.lastUse[blk][v]; ok && last != instr {
		// 本块内还有后续使用的可能；保守判断需要指令序
		return lv.usedAfter(blk, instr, v)
	}
	for b := range lv.useBlocks[v] {
		if b != blk && lv.reach[blk][b] {
			return true
		}
	}
	if lv.reach[blk][blk] && lv.useBlocks[v][blk] {
		return true
	}
	return false
}

// usedAfter 值在块内 instr 之后是否被使用
func (lv *Liveness) usedAfter(blk *ir.Block, instr, v *ir.Instr) bool {
	after := false
	for _, in := range blk.Instrs {
		if in == instr {
			after = true
			continue
		}
		if !after {
			continue
		}
		for i := range in.Args {
			if in.InstrArg(i) == v {
				return true
			}
		}
	}
	return false
}
