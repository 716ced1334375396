// config_test.go - 配置加载测试

package jit

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadOptions 从 TOML 加载 [jit] 表
func TestLoadOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aria.toml")
	content := `
[jit]
eager = false
typeprop = true
maxvers = 5
code_heap_size = 1048576
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	opts, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("LoadOptions: %v", err)
	}
	if opts.Eager {
		t.Error("eager should be false")
	}
	if !opts.TypeProp {
		t.Error("typeprop should be true")
	}
	if opts.MaxVersions != 5 {
		t.Errorf("maxvers = %d, want 5", opts.MaxVersions)
	}
	if opts.CodeHeapSize != 1048576 {
		t.Errorf("code_heap_size = %d", opts.CodeHeapSize)
	}
}

// TestLoadOptionsDefaults 缺省字段取默认值
func TestLoadOptionsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aria.toml")
	if err := os.WriteFile(path, []byte("[jit]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	opts, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("LoadOptions: %v", err)
	}
	def := DefaultOptions()
	if opts.Eager != def.Eager || opts.MaxVersions != def.MaxVersions {
		t.Error("missing fields did not fall back to defaults")
	}
}

// TestLoadOptionsMissing 文件缺失返回包装错误
func TestLoadOptionsMissing(t *testing.T) {
	if _, err := LoadOptions("/nonexistent/aria.toml"); err == nil {
		t.Error("missing config file did not error")
	}
}
