// op.go - IR 操作码
//
// 每个操作码的元信息（名称、分支目标数、静态已知的输出标签）集中在
// opInfo 表里，代码生成按表驱动分发。

package ir

import (
	"fmt"

	"github.com/chenqiao/aria/internal/runtime"
)

// Op IR 操作码
type Op uint8

const (
	OpNop Op = iota
	OpParam
	OpMove

	// 32 位整数算术 / 位运算
	OpAddI32
	OpSubI32
	OpMulI32
	OpAndI32
	OpOrI32
	OpXorI32

	// 带溢出分支的变体（目标 0 = 无溢出，目标 1 = 溢出）
	OpAddI32Ovf
	OpSubI32Ovf
	OpMulI32Ovf

	// 除法 / 取模
	OpDivI32
	OpModI32

	// 移位
	OpShlI32
	OpSarI32
	OpShrI32

	// 浮点算术
	OpAddF64
	OpSubF64
	OpMulF64
	OpDivF64

	// 经宿主调用路由的浮点函数
	OpSinF64
	OpCosF64
	OpSqrtF64
	OpCeilF64
	OpFloorF64
	OpLogF64
	OpExpF64
	OpPowF64
	OpFmodF64

	// 内存加载（地址 = base + 位移 或 base + 索引）
	OpLoad8S
	OpLoad8Z
	OpLoad16S
	OpLoad16Z
	OpLoad32S
	OpLoad32Z
	OpLoad64
	OpLoadF64
	OpLoadRefPtr
	OpLoadRawPtr
	OpLoadFunPtr
	OpLoadShapePtr

	// 内存存储
	OpStore8
	OpStore16
	OpStore32
	OpStore64
	OpStoreF64
	OpStoreRefPtr
	OpStoreRawPtr
	OpStoreFunPtr
	OpStoreShapePtr

	// 类型测试
	OpIsInt32
	OpIsInt64
	OpIsFloat64
	OpIsRefPtr
	OpIsRawPtr
	OpIsObject
	OpIsArray
	OpIsClosure
	OpIsString
	OpIsConst

	// 整数比较
	OpEqI8
	OpEqI32
	OpNeI32
	OpLtI32
	OpLeI32
	OpGtI32
	OpGeI32
	OpEqI64
	OpNeI64
	OpLtI64
	OpLeI64
	OpGtI64
	OpGeI64

	// 浮点比较（IEEE 无序语义）
	OpEqF64
	OpNeF64
	OpLtF64
	OpLeF64
	OpGtF64
	OpGeF64

	// 控制流
	OpJump
	OpIfTrue

	// 调用
	OpCallPrim
	OpCall
	OpCallApply
	OpCallFFI
	OpRet
	OpThrow

	// 堆分配
	OpAllocObject
	OpAllocArray
	OpAllocClosure
	OpAllocString

	// 闭包
	OpNewClos
	OpClosSetCell
	OpClosGetCell

	// 形状属性操作
	OpShapeGetDef
	OpShapeSetProp
	OpShapeGetProp
	OpShapeDefConst
	OpShapeSetAttrs
	OpShapeParent
	OpShapePropName
	OpShapeGetAttrs

	// 全局变量（链接表支持）
	OpGetGlobal
	OpSetGlobal

	// 杂项宿主操作
	OpGetTimeMs
	OpLoadFile
	OpEvalStr
	OpGetStr
	OpDlOpen
	OpDlSym
	OpDlClose

	NumOps
)

// NoTag 表示输出标签编译期未知
const NoTag = runtime.TypeTag(0xFF)

// opInfo 操作码元信息
type opInfo struct {
	name       string
	numTargets int
	outTag     runtime.TypeTag // 静态已知的输出标签；NoTag 表示未知/无输出
}

var opInfos = [NumOps]opInfo{
	OpNop:   {"nop", 0, NoTag},
	OpParam: {"param", 0, NoTag},
	OpMove:  {"move", 0, NoTag},

	OpAddI32: {"add_i32", 0, runtime.TagInt32},
	OpSubI32: {"sub_i32", 0, runtime.TagInt32},
	OpMulI32: {"mul_i32", 0, runtime.TagInt32},
	OpAndI32: {"and_i32", 0, runtime.TagInt32},
	OpOrI32:  {"or_i32", 0, runtime.TagInt32},
	OpXorI32: {"xor_i32", 0, runtime.TagInt32},

	OpAddI32Ovf: {"add_i32_ovf", 2, runtime.TagInt32},
	OpSubI32Ovf: {"sub_i32_ovf", 2, runtime.TagInt32},
	OpMulI32Ovf: {"mul_i32_ovf", 2, runtime.TagInt32},

	OpDivI32: {"div_i32", 0, runtime.TagInt32},
	OpModI32: {"mod_i32", 0, runtime.TagInt32},

	OpShlI32: {"shl_i32", 0, runtime.TagInt32},
	OpSarI32: {"sar_i32", 0, runtime.TagInt32},
	OpShrI32: {"shr_i32", 0, runtime.TagInt32},

	OpAddF64: {"add_f64", 0, runtime.TagFloat64},
	OpSubF64: {"sub_f64", 0, runtime.TagFloat64},
	OpMulF64: {"mul_f64", 0, runtime.TagFloat64},
	OpDivF64: {"div_f64", 0, runtime.TagFloat64},

	OpSinF64:   {"sin_f64", 0, runtime.TagFloat64},
	OpCosF64:   {"cos_f64", 0, runtime.TagFloat64},
	OpSqrtF64:  {"sqrt_f64", 0, runtime.TagFloat64},
	OpCeilF64:  {"ceil_f64", 0, runtime.TagFloat64},
	OpFloorF64: {"floor_f64", 0, runtime.TagFloat64},
	OpLogF64:   {"log_f64", 0, runtime.TagFloat64},
	OpExpF64:   {"exp_f64", 0, runtime.TagFloat64},
	OpPowF64:   {"pow_f64", 0, runtime.TagFloat64},
	OpFmodF64:  {"fmod_f64", 0, runtime.TagFloat64},

	OpLoad8S:       {"load_i8", 0, runtime.TagInt32},
	OpLoad8Z:       {"load_u8", 0, runtime.TagInt32},
	OpLoad16S:      {"load_i16", 0, runtime.TagInt32},
	OpLoad16Z:      {"load_u16", 0, runtime.TagInt32},
	OpLoad32S:      {"load_i32", 0, runtime.TagInt32},
	OpLoad32Z:      {"load_u32", 0, runtime.TagInt64},
	OpLoad64:       {"load_i64", 0, runtime.TagInt64},
	OpLoadF64:      {"load_f64", 0, runtime.TagFloat64},
	OpLoadRefPtr:   {"load_refptr", 0, runtime.TagRefPtr},
	OpLoadRawPtr:   {"load_rawptr", 0, runtime.TagRawPtr},
	OpLoadFunPtr:   {"load_funptr", 0, runtime.TagFunPtr},
	OpLoadShapePtr: {"load_shapeptr", 0, runtime.TagShapePtr},

	OpStore8:        {"store_8", 0, NoTag},
	OpStore16:       {"store_16", 0, NoTag},
	OpStore32:       {"store_32", 0, NoTag},
	OpStore64:       {"store_64", 0, NoTag},
	OpStoreF64:      {"store_f64", 0, NoTag},
	OpStoreRefPtr:   {"store_refptr", 0, NoTag},
	OpStoreRawPtr:   {"store_rawptr", 0, NoTag},
	OpStoreFunPtr:   {"store_funptr", 0, NoTag},
	OpStoreShapePtr: {"store_shapeptr", 0, NoTag},

	OpIsInt32:   {"is_i32", 0, runtime.TagConst},
	OpIsInt64:   {"is_i64", 0, runtime.TagConst},
	OpIsFloat64: {"is_f64", 0, runtime.TagConst},
	OpIsRefPtr:  {"is_refptr", 0, runtime.TagConst},
	OpIsRawPtr:  {"is_rawptr", 0, runtime.TagConst},
	OpIsObject:  {"is_object", 0, runtime.TagConst},
	OpIsArray:   {"is_array", 0, runtime.TagConst},
	OpIsClosure: {"is_closure", 0, runtime.TagConst},
	OpIsString:  {"is_string", 0, runtime.TagConst},
	OpIsConst:   {"is_const", 0, runtime.TagConst},

	OpEqI8:  {"eq_i8", 0, runtime.TagConst},
	OpEqI32: {"eq_i32", 0, runtime.TagConst},
	OpNeI32: {"ne_i32", 0, runtime.TagConst},
	OpLtI32: {"lt_i32", 0, runtime.TagConst},
	OpLeI32: {"le_i32", 0, runtime.TagConst},
	OpGtI32: {"gt_i32", 0, runtime.TagConst},
	OpGeI32: {"ge_i32", 0, runtime.TagConst},
	OpEqI64: {"eq_i64", 0, runtime.TagConst},
	OpNeI64: {"ne_i64", 0, runtime.TagConst},
	OpLtI64: {"lt_i64", 0, runtime.TagConst},
	OpLeI64: {"le_i64", 0, runtime.TagConst},
	OpGtI64: {"gt_i64", 0, runtime.TagConst},
	OpGeI64: {"ge_i64", 0, runtime.TagConst},

	OpEqF64: {"feq", 0, runtime.TagConst},
	OpNeF64: {"fne", 0, runtime.TagConst},
	OpLtF64: {"flt", 0, runtime.TagConst},
	OpLeF64: {"fle", 0, runtime.TagConst},
	OpGtF64: {"fgt", 0, runtime.TagConst},
	OpGeF64: {"fge", 0, runtime.TagConst},

	OpJump:   {"jump", 1, NoTag},
	OpIfTrue: {"if_true", 2, NoTag},

	OpCallPrim:  {"call_prim", 2, NoTag},
	OpCall:      {"call", 2, NoTag},
	OpCallApply: {"call_apply", 2, NoTag},
	OpCallFFI:   {"call_ffi", 0, NoTag},
	OpRet:       {"ret", 0, NoTag},
	OpThrow:     {"throw", 0, NoTag},

	OpAllocObject:  {"alloc_object", 0, runtime.TagObject},
	OpAllocArray:   {"alloc_array", 0, runtime.TagArray},
	OpAllocClosure: {"alloc_closure", 0, runtime.TagClosure},
	OpAllocString:  {"alloc_string", 0, runtime.TagString},

	OpNewClos:     {"new_clos", 0, runtime.TagClosure},
	OpClosSetCell: {"clos_set_cell", 0, NoTag},
	OpClosGetCell: {"clos_get_cell", 0, runtime.TagRawPtr},

	OpShapeGetDef:   {"shape_get_def", 0, runtime.TagShapePtr},
	OpShapeSetProp:  {"shape_set_prop", 0, NoTag},
	OpShapeGetProp:  {"shape_get_prop", 0, NoTag},
	OpShapeDefConst: {"shape_def_const", 0, NoTag},
	OpShapeSetAttrs: {"shape_set_attrs", 0, NoTag},
	OpShapeParent:   {"shape_parent", 0, runtime.TagShapePtr},
	OpShapePropName: {"shape_prop_name", 0, runtime.TagString},
	OpShapeGetAttrs: {"shape_get_attrs", 0, runtime.TagInt32},

	OpGetGlobal: {"get_global", 0, NoTag},
	OpSetGlobal: {"set_global", 0, NoTag},

	OpGetTimeMs: {"get_time_ms", 0, runtime.TagFloat64},
	OpLoadFile:  {"load_file", 0, NoTag},
	OpEvalStr:   {"eval_str", 0, NoTag},
	OpGetStr:    {"get_str", 0, runtime.TagString},
	OpDlOpen:    {"dlopen", 0, runtime.TagRawPtr},
	OpDlSym:     {"dlsym", 0, runtime.TagFunPtr},
	OpDlClose:   {"dlclose", 0, runtime.TagInt32},
}

func (op Op) String() string {
	if op < NumOps {
		return opInfos[op].name
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// NumTargets 分支目标数
func (op Op) NumTargets() int {
	return opInfos[op].numTargets
}

// OutTag 静态已知的输出标签；未知返回 NoTag
func (op Op) OutTag() runtime.TypeTag {
	return opInfos[op].outTag
}

// IsTypeTest 是否为类型测试
func (op Op) IsTypeTest() bool {
	return op >= OpIsInt32 && op <= OpIsConst
}

// TestedTag 类型测试检查的标签
func (op Op) TestedTag() runtime.TypeTag {
	switch op {
	case OpIsInt32:
		return runtime.TagInt32
	case OpIsInt64:
		return runtime.TagInt64
	case OpIsFloat64:
		return runtime.TagFloat64
	case OpIsRefPtr:
		return runtime.TagRefPtr
	case OpIsRawPtr:
		return runtime.TagRawPtr
	case OpIsObject:
		return runtime.TagObject
	case OpIsArray:
		return runtime.TagArray
	case OpIsClosure:
		return runtime.TagClosure
	case OpIsString:
		return runtime.TagString
	case OpIsConst:
		return runtime.TagConst
	default:
		return NoTag
	}
}

// IsCompare 是否为比较操作
func (op Op) IsCompare() bool {
	return op >= OpEqI8 && op <= OpGeF64
}

// IsFloatCompare 是否为浮点比较
func (op Op) IsFloatCompare() bool {
	return op >= OpEqF64 && op <= OpGeF64
}

// IsTerminator 是否终结基本块
func (op Op) IsTerminator() bool {
	switch op {
	case OpJump, OpIfTrue, OpRet, OpThrow, OpCallPrim, OpCall, OpCallApply:
		return true
	default:
		return op.NumTargets() > 0
	}
}
