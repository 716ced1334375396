// shape_test.go - 形状与属性操作测试

package runtime

import (
	"testing"
)

// TestShapeChain 形状链定义与查找
func TestShapeChain(t *testing.T) {
	vm := NewVM()
	root := vm.NewRootShape()

	s1 := vm.DefProp(root, "x", AttrDefault)
	s2 := vm.DefProp(s1, "y", AttrDefault)

	if s1.SlotIdx != 0 || s2.SlotIdx != 1 {
		t.Errorf("slot indices = %d,%d, want 0,1", s1.SlotIdx, s2.SlotIdx)
	}
	if s2.GetDef("x") != s1 {
		t.Error("GetDef did not walk the parent chain")
	}
	if s2.GetDef("z") != nil {
		t.Error("GetDef found an undefined property")
	}
	if s2.NumSlots() != 2 {
		t.Errorf("NumSlots = %d, want 2", s2.NumSlots())
	}

	// 子形状缓存：相同扩展返回同一节点
	again := vm.DefProp(root, "x", AttrDefault)
	if again != s1 {
		t.Error("shape transition not cached")
	}
}

// TestObjectProps 对象属性读写
func TestObjectProps(t *testing.T) {
	vm := NewVM()
	obj := vm.NewObject(4)

	vm.SetProp(obj, "a", Int32Val(1))
	vm.SetProp(obj, "b", Float64Val(2.5))

	if v := vm.GetProp(obj, "a"); v.Tag != TagInt32 || v.AsInt32() != 1 {
		t.Errorf("GetProp a = %v", v)
	}
	if v := vm.GetProp(obj, "b"); v.Tag != TagFloat64 || v.AsFloat64() != 2.5 {
		t.Errorf("GetProp b = %v", v)
	}
	if v := vm.GetProp(obj, "missing"); v != UndefVal {
		t.Errorf("missing property = %v, want undefined", v)
	}

	// 覆盖写
	vm.SetProp(obj, "a", Int32Val(9))
	if v := vm.GetProp(obj, "a"); v.AsInt32() != 9 {
		t.Errorf("overwrite a = %v", v)
	}
}

// TestObjectOverflow 超过内联容量走溢出扩展表
func TestObjectOverflow(t *testing.T) {
	vm := NewVM()
	obj := vm.NewObject(2)

	names := []string{"p0", "p1", "p2", "p3", "p4"}
	for i, n := range names {
		vm.SetProp(obj, n, Int32Val(int32(i)))
	}
	if obj.Next() == 0 {
		t.Fatal("no overflow extension allocated")
	}
	for i, n := range names {
		if v := vm.GetProp(obj, n); v.AsInt32() != int32(i) {
			t.Errorf("prop %s = %v, want %d", n, v, i)
		}
	}
}

// TestDefConst 常量属性定义
func TestDefConst(t *testing.T) {
	vm := NewVM()
	obj := vm.NewObject(4)

	vm.DefConst(obj, "pi", Float64Val(3.14))
	def := obj.Shape().GetDef("pi")
	if def == nil || def.Attrs&AttrConst == 0 {
		t.Error("const property missing const attribute")
	}
	if v := vm.GetProp(obj, "pi"); v.AsFloat64() != 3.14 {
		t.Errorf("const value = %v", v)
	}
}

// TestSetPropAttrs 属性特性修改
func TestSetPropAttrs(t *testing.T) {
	vm := NewVM()
	obj := vm.NewObject(4)
	vm.SetProp(obj, "x", Int32Val(1))

	if !vm.SetPropAttrs(obj, "x", AttrWritable) {
		t.Fatal("SetPropAttrs on defined property failed")
	}
	if def := obj.Shape().GetDef("x"); def.Attrs != AttrWritable {
		t.Errorf("attrs = %#x, want %#x", def.Attrs, AttrWritable)
	}
	// 槽位保持不变，值仍可读
	if v := vm.GetProp(obj, "x"); v.AsInt32() != 1 {
		t.Errorf("value lost across attr change: %v", v)
	}
	if vm.SetPropAttrs(obj, "nope", AttrWritable) {
		t.Error("SetPropAttrs on undefined property succeeded")
	}
}
