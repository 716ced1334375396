// ir.go - IR 数据模型
//
// IR 是线性化的单赋值中间表示：指令即值，每个值有唯一的栈槽归宿
// （out slot）。指令属于基本块，基本块属于函数。参数值用 OpParam
// 指令表示，占用帧内保留槽位。

package ir

import (
	"fmt"
	"strings"

	"github.com/chenqiao/aria/internal/runtime"
)

// ============================================================================
// 参数
// ============================================================================

// Arg 指令参数：IR 值引用或常量
type Arg interface {
	argString() string
}

// 常量参数
type (
	// IntConst 32 位有符号整数常量
	IntConst int32
	// FloatConst 64 位浮点常量
	FloatConst float64
	// BoolConst 布尔常量
	BoolConst bool
	// NullConst null 常量
	NullConst struct{}
	// UndefConst undefined 常量
	UndefConst struct{}
	// StrConst 驻留字符串字面量
	StrConst string
	// FuncConst 函数引用
	FuncConst struct{ Fn *Func }
	// LinkConst 链接表占位（索引在生成器首次使用时分配）
	LinkConst struct{ Idx *uint32 }
)

func (c IntConst) argString() string   { return fmt.Sprintf("%d", int32(c)) }
func (c FloatConst) argString() string { return fmt.Sprintf("%g", float64(c)) }
func (c BoolConst) argString() string  { return fmt.Sprintf("%t", bool(c)) }
func (NullConst) argString() string    { return "null" }
func (UndefConst) argString() string   { return "undefined" }
func (c StrConst) argString() string   { return fmt.Sprintf("%q", string(c)) }
func (c FuncConst) argString() string  { return "<fn " + c.Fn.Name + ">" }
func (c LinkConst) argString() string {
	if c.Idx == nil || *c.Idx == LinkIdxNone {
		return "<link ?>"
	}
	return fmt.Sprintf("<link %d>", *c.Idx)
}

// LinkIdxNone 未分配的链接表索引
const LinkIdxNone = ^uint32(0)

// NewLink 创建未分配的链接表占位
func NewLink() LinkConst {
	idx := LinkIdxNone
	return LinkConst{Idx: &idx}
}

// ConstValue 把常量参数转成运行时标签值；IR 值引用返回 false
func ConstValue(a Arg, vm *runtime.VM) (runtime.Value, bool) {
	switch c := a.(type) {
	case IntConst:
		return runtime.Int32Val(int32(c)), true
	case FloatConst:
		return runtime.Float64Val(float64(c)), true
	case BoolConst:
		return runtime.BoolVal(bool(c)), true
	case NullConst:
		return runtime.NullVal, true
	case UndefConst:
		return runtime.UndefVal, true
	case StrConst:
		if vm == nil {
			return runtime.Value{}, false
		}
		return runtime.RefVal(vm.GetString(string(c)), runtime.TagString), true
	default:
		return runtime.Value{}, false
	}
}

// ============================================================================
// 指令
// ============================================================================

// Instr IR 指令；指令本身就是它定义的值
type Instr struct {
	Op      Op
	Args    []Arg
	Targets [2]*Block
	OutSlot int32 // 栈槽归宿；无输出为 -1
	HasUses bool  // 是否存在使用点

	// call_prim 的原语名 / call_ffi 的签名串
	PrimName string
	FFISig   string

	Block *Block // 所属基本块
}

func (in *Instr) argString() string {
	if in.OutSlot >= 0 {
		return fmt.Sprintf("v%d", in.OutSlot)
	}
	return fmt.Sprintf("t%p", in)
}

// Arg 第 i 个参数
func (in *Instr) Arg(i int) Arg {
	return in.Args[i]
}

// InstrArg 第 i 个参数作为 IR 值引用；常量返回 nil
func (in *Instr) InstrArg(i int) *Instr {
	v, _ := in.Args[i].(*Instr)
	return v
}

func (in *Instr) String() string {
	var sb strings.Builder
	if in.OutSlot >= 0 {
		fmt.Fprintf(&sb, "v%d = ", in.OutSlot)
	}
	sb.WriteString(in.Op.String())
	if in.PrimName != "" {
		fmt.Fprintf(&sb, " %q", in.PrimName)
	}
	if in.FFISig != "" {
		fmt.Fprintf(&sb, " sig=%q", in.FFISig)
	}
	for _, a := range in.Args {
		sb.WriteString(" ")
		sb.WriteString(a.argString())
	}
	for i, t := range in.Targets {
		if t != nil {
			fmt.Fprintf(&sb, " =>%d %s", i, t.Name)
		}
	}
	return sb.String()
}

// ============================================================================
// 基本块
// ============================================================================

// Block 基本块
type Block struct {
	ID     int
	Name   string
	Instrs []*Instr
	Fn     *Func
}

// Last 末尾指令
func (b *Block) Last() *Instr {
	if len(b.Instrs) == 0 {
		return nil
	}
	return b.Instrs[len(b.Instrs)-1]
}

func (b *Block) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:\n", b.Name)
	for _, in := range b.Instrs {
		fmt.Fprintf(&sb, "  %s\n", in.String())
	}
	return sb.String()
}

// ============================================================================
// 函数
// ============================================================================

// Func IR 函数
type Func struct {
	Name      string
	NumParams int
	NumLocals int
	Blocks    []*Block
	Entry     *Block

	// IsPrim 固定元数的原语；返回序列省去多余实参计算
	IsPrim bool

	// 运行期记录；EntryCode 初始指向编译桩
	Rec *runtime.FuncRecord

	nextBlockID int
}

// NewFunc 创建 IR 函数
func NewFunc(name string, numParams, numLocals int) *Func {
	fn := &Func{Name: name, NumParams: numParams, NumLocals: numLocals}
	fn.Rec = &runtime.FuncRecord{
		Name:      name,
		NumParams: int32(numParams),
		NumSlots:  int32(fn.NumSlots()),
	}
	fn.Entry = fn.NewBlock("entry")
	return fn
}

// NumSlots 固定槽位数：帧头 + 形参 + 局部变量
func (fn *Func) NumSlots() int {
	return runtime.FrameHdr + fn.NumParams + fn.NumLocals
}

// ParamSlot 第 i 个形参的槽位
func (fn *Func) ParamSlot(i int) int32 {
	return int32(runtime.ArgSlot + i)
}

// LocalSlot 第 i 个局部变量的槽位
func (fn *Func) LocalSlot(i int) int32 {
	return int32(runtime.ArgSlot + fn.NumParams + i)
}

// NewBlock 创建基本块
func (fn *Func) NewBlock(name string) *Block {
	b := &Block{ID: fn.nextBlockID, Name: name, Fn: fn}
	fn.nextBlockID++
	fn.Blocks = append(fn.Blocks, b)
	return b
}

func (fn *Func) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "func %s(%d params, %d locals)\n", fn.Name, fn.NumParams, fn.NumLocals)
	for _, b := range fn.Blocks {
		sb.WriteString(b.String())
	}
	return sb.String()
}
