// config.go - JIT 配置
//
// 配置可由嵌入方直接构造，也可从 aria.toml 的 [jit] 表加载。

package jit

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Options JIT 配置选项
type Options struct {
	// Eager 急切编译延续：调用点的延续版本在调用代码定稿前编译完成；
	// 关闭后延续经编译桩惰性落地
	Eager bool `toml:"eager"`

	// TypeProp 除 BBV 状态外再咨询静态类型传播分析
	TypeProp bool `toml:"typeprop"`

	// MaxVersions 每块版本上限；0 关闭全部类型特化，
	// 负数表示不设上限
	MaxVersions int `toml:"maxvers"`

	// PropCache 内联属性索引缓存（实验性，默认关闭）
	PropCache bool `toml:"propcache"`

	// CodeHeapSize 代码堆大小（字节）；0 用默认值
	CodeHeapSize int `toml:"code_heap_size"`
}

// DefaultOptions 默认配置
func DefaultOptions() *Options {
	return &Options{
		Eager:       true,
		TypeProp:    false,
		MaxVersions: 20,
	}
}

// configFile 配置文件整体结构
type configFile struct {
	JIT Options `toml:"jit"`
}

// LoadOptions 从 TOML 配置文件加载 [jit] 表
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := configFile{JIT: *DefaultOptions()}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg.JIT, nil
}
