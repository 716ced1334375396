// aria-jit - JIT 编译器的演示与诊断工具
//
// 构建几段示例 IR，走完整的编译管线，输出统计与版本摘要（JSON）。
// 配置从 aria.toml 的 [jit] 表读取（-config 指定路径）。

package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/chenqiao/aria/internal/ir"
	"github.com/chenqiao/aria/internal/jit"
	"github.com/chenqiao/aria/internal/runtime"
)

func main() {
	configPath := flag.String("config", "", "aria.toml 配置文件路径")
	verbose := flag.Bool("v", false, "输出调试日志")
	flag.Parse()

	opts := jit.DefaultOptions()
	if *configPath != "" {
		loaded, err := jit.LoadOptions(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "aria-jit: %v\n", err)
			os.Exit(1)
		}
		opts = loaded
	}

	var log *zap.Logger
	var err error
	if *verbose {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "aria-jit: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	vm := runtime.NewVM()
	comp, err := jit.NewCompiler(vm, opts, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aria-jit: %v\n", err)
		os.Exit(1)
	}
	defer comp.Close()

	for _, fn := range sampleFuncs() {
		if _, err := comp.CompileFunc(fn); err != nil {
			fmt.Fprintf(os.Stderr, "aria-jit: compile %s: %v\n", fn.Name, err)
			os.Exit(1)
		}
	}

	dump := comp.DumpState()
	out, err := dump.Marshal()
	if err != nil {
		fmt.Fprintf(os.Stderr, "aria-jit: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

// sampleFuncs 演示用的 IR 函数
func sampleFuncs() []*ir.Func {
	var fns []*ir.Func

	// add(a, b) = a + b（32 位，无溢出路径）
	{
		b := ir.NewBuilder("add", 2, 0)
		p0 := b.Param(0)
		p1 := b.Param(1)
		sum := b.Append(ir.OpAddI32, p0, p1)
		b.Ret(sum)
		fns = append(fns, b.Fn)
	}

	// abs(x) = x < 0 ? -x : x，展示类型测试融合与块版本化
	{
		b := ir.NewBuilder("abs", 1, 0)
		p := b.Param(0)
		neg := b.NewBlock("neg")
		pos := b.NewBlock("pos")
		isInt := b.Append(ir.OpIsInt32, p)
		b.IfTrue(isInt, pos, neg)

		b.SetBlock(pos)
		lt := b.Append(ir.OpLtI32, p, ir.IntConst(0))
		flip := b.NewBlock("flip")
		keep := b.NewBlock("keep")
		b.IfTrue(lt, flip, keep)

		b.SetBlock(flip)
		z := b.Append(ir.OpSubI32, ir.IntConst(0), p)
		b.Ret(z)

		b.SetBlock(keep)
		b.Ret(p)

		b.SetBlock(neg)
		b.Ret(ir.UndefConst{})
		fns = append(fns, b.Fn)
	}

	// hypot2(a, b) = a*a + b*b（浮点）
	{
		b := ir.NewBuilder("hypot2", 2, 0)
		p0 := b.Param(0)
		p1 := b.Param(1)
		a2 := b.Append(ir.OpMulF64, p0, p0)
		b2 := b.Append(ir.OpMulF64, p1, p1)
		sum := b.Append(ir.OpAddF64, a2, b2)
		b.Ret(sum)
		fns = append(fns, b.Fn)
	}

	return fns
}
