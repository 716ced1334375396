// propcache.go - 内联属性索引缓存（默认关闭）
//
// shape_get_def 的可选加速：每个访问点维护 4 条 (shapeID, propIdx)
// 表项，生成的代码先比对缓存命中的形状，未命中落入宿主慢路径并
// 回填表项。单态命中时省去形状链遍历。
//
// 形状式访问是权威路径，本缓存只是叠加的优化；Options.PropCache
// 默认为 false，保持关闭。

package jit

import (
	"sync"
	"unsafe"

	rt "github.com/chenqiao/aria/internal/runtime"
)

// sitePtr 访问点的裸地址（表项被生成代码直接比对）
func sitePtr(s *PropCacheSite) unsafe.Pointer {
	return unsafe.Pointer(s)
}

// PropCacheEntries 每个访问点的表项数
const PropCacheEntries = 4

// propCacheState 访问点状态
type propCacheState byte

const (
	pcUninit propCacheState = iota // 未初始化
	pcMono                         // 单态
	pcPoly                         // 多态
	pcMega                         // 超多态：放弃缓存
)

// PropCacheSite 属性访问点
type PropCacheSite struct {
	state   propCacheState
	shapeID [PropCacheEntries]uint64
	propIdx [PropCacheEntries]uint32
	used    int

	PropName string
	hits     int64
	misses   int64
}

var (
	propSiteMu sync.Mutex
	propSites  []*PropCacheSite
)

// newPropCacheSite 登记新的访问点
func newPropCacheSite(name string) (int, *PropCacheSite) {
	propSiteMu.Lock()
	defer propSiteMu.Unlock()
	site := &PropCacheSite{PropName: name}
	propSites = append(propSites, site)
	return len(propSites) - 1, site
}

// Lookup 查缓存；未命中返回 false
func (s *PropCacheSite) Lookup(shapeID uint64) (uint32, bool) {
	if s.state == pcUninit || s.state == pcMega {
		return 0, false
	}
	for i := 0; i < s.used; i++ {
		if s.shapeID[i] == shapeID {
			s.hits++
			return s.propIdx[i], true
		}
	}
	s.misses++
	return 0, false
}

// Update 回填表项；超出容量后退化为超多态
func (s *PropCacheSite) Update(shapeID uint64, idx uint32) {
	if s.state == pcMega {
		return
	}
	for i := 0; i < s.used; i++ {
		if s.shapeID[i] == shapeID {
			s.propIdx[i] = idx
			return
		}
	}
	if s.used == PropCacheEntries {
		s.state = pcMega
		s.used = 0
		return
	}
	s.shapeID[s.used] = shapeID
	s.propIdx[s.used] = idx
	s.used++
	if s.used == 1 {
		s.state = pcMono
	} else {
		s.state = pcPoly
	}
}

// propCacheLookupH 宿主慢路径：沿形状链解析并回填缓存
func propCacheLookupH(vm *rt.VM, siteID uintptr, objAddr uintptr, nameAddr uintptr) uintptr {
	propSiteMu.Lock()
	site := propSites[siteID]
	propSiteMu.Unlock()

	obj := rt.Object{Addr: objAddr}
	shape := obj.Shape()
	def := shape.GetDef(rt.GoString(nameAddr))
	if def == nil {
		return 0
	}
	site.Update(shape.ID, def.SlotIdx)
	return uintptr(def.SlotIdx) + 1
}

// emitPropCacheProbe 发射缓存探测序列（仅 Options.PropCache 开启时）
// 单态快路径：比对第一条表项的 shapeID，命中取 propIdx；
// 未命中落宿主回填。结果（propIdx+1，0 表示未定义）进 scratch1。
func emitPropCacheProbe(c *Compiler, siteID int, site *PropCacheSite, nameAddr uintptr) {
	a := c.asm
	// scratch0 已持有对象地址
	hit := a.NewLabel()
	done := a.NewLabel()

	// 装载对象形状与缓存的首个 shapeID
	a.Mov(RegOpnd(RegScratch1, 64), MemOpnd(RegScratch0, rt.ObjOffShape, 64))
	a.Mov(RegOpnd(RegScratch1, 64), MemOpnd(RegScratch1, int32(rt.ShapeOffID), 64))
	a.MovImm(RegScratch2, int64(uintptr(sitePtr(site))), 64)
	a.Cmp(RegOpnd(RegScratch1, 64), MemOpnd(RegScratch2, 8, 64))
	a.JccLabel(CCE, hit)

	// 慢路径
	a.HostCall(c.helperAddr("propCacheLookup"),
		RegOpnd(RegVM, 64), ImmOpnd(int64(siteID), 64),
		RegOpnd(RegScratch0, 64), ImmOpnd(int64(nameAddr), 64))
	a.JmpLabel(done)

	a.Bind(hit)
	a.Mov(RegOpnd(RegScratch1, 32), MemOpnd(RegScratch2, 8+8*PropCacheEntries, 32))
	a.Add(RegOpnd(RegScratch1, 32), ImmOpnd(1, 32))

	a.Bind(done)
}
