// stats.go - 编译统计
//
// 统计随编译累积，可序列化为 JSON 供 aria-jit 等工具输出。

package jit

import (
	"github.com/segmentio/encoding/json"
)

// Stats 编译统计
type Stats struct {
	Funcs           int `json:"funcs"`
	Versions        int `json:"versions"`
	GenericVersions int `json:"generic_versions"`
	Stubs           int `json:"stubs"`
	BytesEmitted    int `json:"bytes_emitted"`
	HostCallSites   int `json:"host_call_sites"`
	TypeTestsFolded int `json:"type_tests_folded"`
}

// VersionDump 单个版本的摘要
type VersionDump struct {
	Block   string `json:"block"`
	Idx     int    `json:"idx"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Generic bool   `json:"generic"`
	Hash    uint64 `json:"state_hash"`
}

// Dump 编译器状态的完整摘要
type Dump struct {
	Stats    Stats         `json:"stats"`
	Versions []VersionDump `json:"versions"`
}

// Marshal 序列化摘要
func (d *Dump) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// DumpState 收集当前编译器的摘要
func (c *Compiler) DumpState() *Dump {
	d := &Dump{Stats: c.stats}
	for _, vers := range c.vermgr.versions {
		for _, v := range vers {
			d.Versions = append(d.Versions, VersionDump{
				Block:   v.Block.Name,
				Idx:     v.Idx,
				Start:   v.StartOfs,
				End:     v.EndOfs,
				Generic: v.Generic,
				Hash:    v.State.Hash(),
			})
		}
	}
	return d
}
