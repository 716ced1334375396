// shape.go - 形状（隐藏类）与对象布局
//
// 对象的属性布局由形状链描述：每个形状定义一个属性名到槽位的映射，
// 并指向其父形状。对象头存放形状裸指针（形状由 VM 注册表保活）。
//
// 对象内存布局（托管堆内，JIT 代码按偏移访问）：
//   +0  shape 指针
//   +8  cap   内联槽位数 (uint32)
//   +12 填充
//   +16 next  溢出扩展表地址（无则为 0）
//   +24 words 内联字槽 [cap]uint64
//   +24+8*cap tags 内联标签槽 [cap]byte

package runtime

import (
	"sync/atomic"
	"unsafe"
)

// 对象头偏移
const (
	ObjOffShape = 0
	ObjOffCap   = 8
	ObjOffNext  = 16
	ObjOffWords = 24
)

// Shape 结构体中被 JIT 内联代码访问的字段偏移
var (
	ShapeOffSlotIdx = unsafe.Offsetof(Shape{}.SlotIdx)
	ShapeOffID      = unsafe.Offsetof(Shape{}.ID)
)

// 属性特性位
const (
	AttrWritable   uint8 = 1 << 0
	AttrEnumerable uint8 = 1 << 1
	AttrDeletable  uint8 = 1 << 2
	AttrGetSet     uint8 = 1 << 3
	AttrConst      uint8 = 1 << 4

	AttrDefault = AttrWritable | AttrEnumerable | AttrDeletable
)

// ============================================================================
// 形状
// ============================================================================

var shapeIDSeq uint64

// Shape 形状节点
type Shape struct {
	ID       uint64
	Parent   *Shape
	PropName string
	SlotIdx  uint32
	Attrs    uint8

	// 子形状缓存：属性名 -> 扩展后的形状
	children map[string]*Shape
}

// NewRootShape 创建空形状（无属性）
func (vm *VM) NewRootShape() *Shape {
	s := &Shape{ID: atomic.AddUint64(&shapeIDSeq, 1)}
	vm.shapes = append(vm.shapes, s)
	return s
}

// NumSlots 形状链定义的槽位总数
func (s *Shape) NumSlots() uint32 {
	if s.PropName == "" {
		return 0
	}
	return s.SlotIdx + 1
}

// GetDef 沿形状链查找定义 name 的形状，未定义返回 nil
func (s *Shape) GetDef(name string) *Shape {
	for cur := s; cur != nil; cur = cur.Parent {
		if cur.PropName == name {
			return cur
		}
	}
	return nil
}

// DefProp 扩展形状，定义新属性，返回新形状
func (vm *VM) DefProp(s *Shape, name string, attrs uint8) *Shape {
	if s.children != nil {
		if child, ok := s.children[name]; ok && child.Attrs == attrs {
			return child
		}
	}

	child := &Shape{
		ID:       atomic.AddUint64(&shapeIDSeq, 1),
		Parent:   s,
		PropName: name,
		SlotIdx:  s.NumSlots(),
		Attrs:    attrs,
	}
	vm.shapes = append(vm.shapes, child)

	if s.children == nil {
		s.children = make(map[string]*Shape)
	}
	s.children[name] = child
	return child
}

// ============================================================================
// 对象
// ============================================================================

// Object 宿主侧的对象视图，Addr 指向托管堆内的对象体
type Object struct {
	Addr uintptr
}

// ObjectSize 计算 cap 个内联槽位的对象大小
func ObjectSize(cap uint32) uintptr {
	return uintptr(ObjOffWords) + uintptr(cap)*(WordSize+1)
}

// NewObject 在托管堆上分配对象
func (vm *VM) NewObject(cap uint32) *Object {
	addr := HeapAlloc(vm, 0, ObjectSize(cap))
	obj := &Object{Addr: addr}
	obj.SetShape(vm.NewRootShape())
	obj.setCap(cap)
	obj.setNext(0)
	return obj
}

// Shape 读取对象形状
func (o *Object) Shape() *Shape {
	p := *(*uintptr)(unsafe.Pointer(o.Addr + ObjOffShape))
	return (*Shape)(unsafe.Pointer(p))
}

// SetShape 写入对象形状
func (o *Object) SetShape(s *Shape) {
	*(*uintptr)(unsafe.Pointer(o.Addr + ObjOffShape)) = uintptr(unsafe.Pointer(s))
}

// Cap 内联槽位数
func (o *Object) Cap() uint32 {
	return *(*uint32)(unsafe.Pointer(o.Addr + ObjOffCap))
}

func (o *Object) setCap(c uint32) {
	*(*uint32)(unsafe.Pointer(o.Addr + ObjOffCap)) = c
}

// Next 溢出扩展表地址
func (o *Object) Next() uintptr {
	return *(*uintptr)(unsafe.Pointer(o.Addr + ObjOffNext))
}

func (o *Object) setNext(p uintptr) {
	*(*uintptr)(unsafe.Pointer(o.Addr + ObjOffNext)) = p
}

// wordAddr 第 idx 个字槽地址；超出内联容量时走扩展表
func (o *Object) wordAddr(idx uint32) (word, tag uintptr) {
	cap := o.Cap()
	base := o.Addr
	if idx >= cap {
		ext := Object{Addr: o.Next()}
		return ext.wordAddr(idx - cap)
	}
	word = base + ObjOffWords + uintptr(idx)*WordSize
	tag = base + ObjOffWords + uintptr(cap)*WordSize + uintptr(idx)
	return
}

// GetSlot 读取槽位值
func (o *Object) GetSlot(idx uint32) Value {
	wa, ta := o.wordAddr(idx)
	return Value{
		Word: *(*uint64)(unsafe.Pointer(wa)),
		Tag:  TypeTag(*(*byte)(unsafe.Pointer(ta))),
	}
}

// SetSlot 写入槽位值
func (o *Object) SetSlot(idx uint32, v Value) {
	wa, ta := o.wordAddr(idx)
	*(*uint64)(unsafe.Pointer(wa)) = v.Word
	*(*byte)(unsafe.Pointer(ta)) = byte(v.Tag)
}

// growExt 确保对象能容纳 need 个槽位，必要时分配溢出扩展
func (vm *VM) growExt(o *Object, need uint32) {
	cap := o.Cap()
	if need <= cap {
		return
	}
	if o.Next() == 0 {
		extCap := cap
		if extCap < 8 {
			extCap = 8
		}
		for cap+extCap < need {
			extCap *= 2
		}
		ext := vm.NewObject(extCap)
		o.setNext(ext.Addr)
		return
	}
	next := &Object{Addr: o.Next()}
	vm.growExt(next, need-cap)
}

// ============================================================================
// 属性操作（宿主辅助函数的实现主体）
// ============================================================================

// SetProp 写属性；属性不存在时先扩展形状
func (vm *VM) SetProp(o *Object, name string, v Value) {
	shape := o.Shape()
	def := shape.GetDef(name)
	if def == nil {
		def = vm.DefProp(shape, name, AttrDefault)
		o.SetShape(def)
		vm.growExt(o, def.SlotIdx+1)
	}
	o.SetSlot(def.SlotIdx, v)
}

// GetProp 读属性；未定义返回 undefined
func (vm *VM) GetProp(o *Object, name string) Value {
	def := o.Shape().GetDef(name)
	if def == nil {
		return UndefVal
	}
	return o.GetSlot(def.SlotIdx)
}

// SetPropAttrs 修改属性特性；属性须已定义
func (vm *VM) SetPropAttrs(o *Object, name string, attrs uint8) bool {
	shape := o.Shape()
	def := shape.GetDef(name)
	if def == nil {
		return false
	}
	// 特性存放在形状上：重定义一条带新特性的链尾
	nd := vm.DefProp(shape, name, attrs)
	nd.SlotIdx = def.SlotIdx
	o.SetShape(nd)
	return true
}

// DefConst 定义不可写常量属性
func (vm *VM) DefConst(o *Object, name string, v Value) {
	shape := o.Shape()
	def := vm.DefProp(shape, name, AttrConst)
	o.SetShape(def)
	vm.growExt(o, def.SlotIdx+1)
	o.SetSlot(def.SlotIdx, v)
}
