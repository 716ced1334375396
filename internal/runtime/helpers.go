// helpers.go - 宿主辅助函数
//
// 这些函数被 JIT 代码经由宿主调用约定直接调用：参数依照 Go 寄存器
// 传参约定放入整数寄存器，返回值从第一个返回寄存器读出。调用前
// JIT 代码已执行 save_jit_regs 并把 wsp/tsp 同步回 VM 头部，因此
// 这里看到的栈帧总是一致的根集合。
//
// 注意：签名一旦改动，必须同步修改 internal/jit 中的调用发射。

package runtime

import (
	"math"
	"os"
	"time"
	"unsafe"
)

// ============================================================================
// 堆与字符串
// ============================================================================

// HeapAllocH heapAlloc(vm, site, size) -> refptr
//
//go:nosplit
func HeapAllocH(vm *VM, site uintptr, size uintptr) uintptr {
	return HeapAlloc(vm, site, size)
}

// GCCollectH gcCollect(vm, site, size)
//
//go:nosplit
func GCCollectH(vm *VM, site uintptr, size uintptr) uintptr {
	GCCollect(vm, site, size)
	return 0
}

// GetStrH getStr(vm, site, strPtr) -> refptr 驻留堆上字符串
//
//go:nosplit
func GetStrH(vm *VM, site uintptr, strPtr uintptr) uintptr {
	return vm.InternStr(strPtr)
}

// ============================================================================
// 属性操作
// ============================================================================

// ShapeGetDefH shape_get_def(vm, obj, name) -> shapeptr
//
//go:nosplit
func ShapeGetDefH(vm *VM, objAddr uintptr, nameAddr uintptr) uintptr {
	obj := Object{Addr: objAddr}
	def := obj.Shape().GetDef(GoString(nameAddr))
	if def == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(def))
}

// SetPropH setProp(vm, obj, name, word, tag)
//
//go:nosplit
func SetPropH(vm *VM, objAddr uintptr, nameAddr uintptr, word uint64, tag uint64) uintptr {
	obj := Object{Addr: objAddr}
	vm.SetProp(&obj, GoString(nameAddr), Value{Word: word, Tag: TypeTag(tag)})
	return 0
}

// GetPropH getProp(vm, obj, name) -> (word, tag)
//
//go:nosplit
func GetPropH(vm *VM, objAddr uintptr, nameAddr uintptr) (uint64, uint64) {
	obj := Object{Addr: objAddr}
	v := vm.GetProp(&obj, GoString(nameAddr))
	return v.Word, uint64(v.Tag)
}

// GetPropSlotH shape_get_prop 慢路径：按定义形状读槽位
//
//go:nosplit
func GetPropSlotH(vm *VM, objAddr uintptr, shapeAddr uintptr) (uint64, uint64) {
	obj := Object{Addr: objAddr}
	shape := (*Shape)(unsafe.Pointer(shapeAddr))
	v := obj.GetSlot(shape.SlotIdx)
	return v.Word, uint64(v.Tag)
}

// SetPropSlotH shape_set_prop：按定义形状写槽位，必要时扩展
//
//go:nosplit
func SetPropSlotH(vm *VM, objAddr uintptr, shapeAddr uintptr, word uint64, tag uint64) uintptr {
	obj := Object{Addr: objAddr}
	shape := (*Shape)(unsafe.Pointer(shapeAddr))
	vm.growExt(&obj, shape.SlotIdx+1)
	obj.SetSlot(shape.SlotIdx, Value{Word: word, Tag: TypeTag(tag)})
	return 0
}

// SetPropAttrsH setPropAttrs(vm, obj, name, attrs)
//
//go:nosplit
func SetPropAttrsH(vm *VM, objAddr uintptr, nameAddr uintptr, attrs uintptr) uintptr {
	obj := Object{Addr: objAddr}
	if vm.SetPropAttrs(&obj, GoString(nameAddr), uint8(attrs)) {
		return 1
	}
	return 0
}

// DefConstH defConst(vm, obj, name, word, tag)
//
//go:nosplit
func DefConstH(vm *VM, objAddr uintptr, nameAddr uintptr, word uint64, tag uint64) uintptr {
	obj := Object{Addr: objAddr}
	vm.DefConst(&obj, GoString(nameAddr), Value{Word: word, Tag: TypeTag(tag)})
	return 0
}

// ShapeParentH shape_parent(shape) -> shapeptr
//
//go:nosplit
func ShapeParentH(vm *VM, shapeAddr uintptr) uintptr {
	shape := (*Shape)(unsafe.Pointer(shapeAddr))
	if shape.Parent == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(shape.Parent))
}

// ShapePropNameH shape_prop_name(vm, shape) -> string refptr
//
//go:nosplit
func ShapePropNameH(vm *VM, shapeAddr uintptr) uintptr {
	shape := (*Shape)(unsafe.Pointer(shapeAddr))
	return vm.GetString(shape.PropName)
}

// ShapeGetAttrsH shape_get_attrs(shape) -> attrs
//
//go:nosplit
func ShapeGetAttrsH(vm *VM, shapeAddr uintptr) uintptr {
	shape := (*Shape)(unsafe.Pointer(shapeAddr))
	return uintptr(shape.Attrs)
}

// ============================================================================
// 闭包
// ============================================================================

// NewClosH newClos(vm, funRec, numCells) -> refptr
//
//go:nosplit
func NewClosH(vm *VM, funRec uintptr, numCells uintptr) uintptr {
	return vm.NewClos(funRec, uint32(numCells))
}

// NewCellH 分配捕获单元
//
//go:nosplit
func NewCellH(vm *VM) uintptr {
	return vm.NewCell()
}

// ============================================================================
// 异常
// ============================================================================

// ThrowExc throwExc(vm, site, handler, word, tag) -> codeptr
// 沿调用帧回溯，寻找最近的异常处理延续；没有则返回顶层处理器。
// 回溯依赖 JIT 注册的调用点/抛出点信息，要求所有活跃值已溢出。
func ThrowExc(vm *VM, site uintptr, handler uintptr, word uint64, tag uint64) uintptr {
	if handler != 0 {
		vm.M.RetWord = word
		vm.M.RetType = tag
		return handler
	}

	info := vm.ThrowSite(site)
	if info == nil {
		// 抛出点未注册属于编译器缺陷
		panic("aria: throw from unregistered site")
	}

	slots := info.FrameSlots
	params := info.NumParams
	for {
		argc := int(*(*uint64)(unsafe.Pointer(vm.M.WspTop + ArgcSlot*WordSize)))
		extras := argc - params
		if extras < 0 {
			extras = 0
		}
		retAddr := *(*uint64)(unsafe.Pointer(vm.M.WspTop + RASlot*WordSize))

		// 弹出当前帧
		vm.PopFrame(slots + extras)

		cs := vm.CallSite(uintptr(retAddr))
		if cs == nil {
			// 到达宿主入口：交给顶层处理器
			vm.PendingExc = Value{Word: word, Tag: TypeTag(tag)}
			vm.HasPendingExc = true
			vm.M.RetWord = word
			vm.M.RetType = tag
			return vm.TopHandler
		}
		if cs.HasExc {
			vm.M.RetWord = word
			vm.M.RetType = tag
			return cs.ExcAddr
		}
		slots = cs.CallerSlots
		params = cs.CallerParams
	}
}

// ============================================================================
// 浮点数学（JIT 经宿主调用路由）
// ============================================================================

//go:nosplit
func SinH(x float64) float64 { return math.Sin(x) }

//go:nosplit
func CosH(x float64) float64 { return math.Cos(x) }

//go:nosplit
func SqrtH(x float64) float64 { return math.Sqrt(x) }

//go:nosplit
func CeilH(x float64) float64 { return math.Ceil(x) }

//go:nosplit
func FloorH(x float64) float64 { return math.Floor(x) }

//go:nosplit
func LogH(x float64) float64 { return math.Log(x) }

//go:nosplit
func ExpH(x float64) float64 { return math.Exp(x) }

//go:nosplit
func PowH(x, y float64) float64 { return math.Pow(x, y) }

//go:nosplit
func FmodH(x, y float64) float64 { return math.Mod(x, y) }

// ============================================================================
// 杂项宿主函数
// ============================================================================

// GetTimeMsH get_time_ms() -> float64 位表示
//
//go:nosplit
func GetTimeMsH(vm *VM) uint64 {
	ms := float64(time.Now().UnixNano()) / 1e6
	return math.Float64bits(ms)
}

// LoadFileH load_file(vm, site, pathStr) -> codeptr
// 解析错误直接返回 throwExc 的结果，JIT 代码无条件跳过去
func LoadFileH(vm *VM, site uintptr, pathAddr uintptr) uintptr {
	path := GoString(pathAddr)
	if _, err := os.Stat(path); err != nil {
		errStr := vm.GetString("load_file: " + err.Error())
		return ThrowExc(vm, site, 0, uint64(errStr), uint64(TagString))
	}
	// 前端与 IR 构建器是外部协作者：文件内容的编译在核心之外完成
	return 0
}

// EvalStrH eval_str(vm, site, srcStr) -> codeptr
func EvalStrH(vm *VM, site uintptr, srcAddr uintptr) uintptr {
	// 同 load_file：解析与编译由外部驱动；这里不做检查，直接返回 0
	_ = GoString(srcAddr)
	return 0
}
