// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// kernelgen_render renders one of the built-in demo kernel graphs to GPU
// source, for eyeballing renderer output and quick benchmarking.
//
// Examples:
//
//	kernelgen_render -graph saxpy -renderer metal
//	kernelgen_render -graph add4x4 -all
//	kernelgen_render -graph reduce_row -bench 10000
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/kernelgen"
	"github.com/gomlx/kernelgen/internal/xslices"
	"github.com/gomlx/kernelgen/kir"
	"github.com/gomlx/kernelgen/renderers"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagGraph = flag.String("graph", "add4x4",
		fmt.Sprintf("Demo graph to compile, one of %q.", graphNames()))
	flagRenderer = flag.String("renderer", "",
		fmt.Sprintf("Renderer to use, one of %q. Defaults to $%s and then to %q.",
			renderers.Names(), renderers.KERNELGEN_RENDERER, renderers.DefaultName))
	flagAll   = flag.Bool("all", false, "Render the graph with every registered renderer.")
	flagBench = flag.Int("bench", 0, "Number of times to compile the graph, reporting compiles/sec.")
)

type demoGraph struct {
	description string
	build       kernelgen.BuildFn
}

var demoGraphs = map[string]demoGraph{
	"add4x4": {
		description: "element-wise addition of two 16-float buffers",
		build: func(s *kir.Scope) (*kir.Node, error) {
			out := must.M1(s.Empty(kir.F32, 0))
			a := must.M1(s.Empty(kir.F32, 1))
			b := must.M1(s.Empty(kir.F32, 2))
			gidx := must.M1(s.Special("gidx0", 16))
			sum := must.M1(s.Add(
				must.M1(s.Load(a, gidx, kir.F32)),
				must.M1(s.Load(b, gidx, kir.F32))))
			return s.Store(out, gidx, sum)
		},
	},
	"saxpy": {
		description: "out = 2.5*x + y over 1024 floats",
		build: func(s *kir.Scope) (*kir.Node, error) {
			out := must.M1(s.Empty(kir.F32, 0))
			x := must.M1(s.Empty(kir.F32, 1))
			y := must.M1(s.Empty(kir.F32, 2))
			gidx := must.M1(s.Special("gidx0", 1024))
			ax := must.M1(s.Mul(
				must.M1(s.Load(x, gidx, kir.F32)),
				must.M1(s.Const(kir.F32, 2.5))))
			sum := must.M1(s.Add(ax, must.M1(s.Load(y, gidx, kir.F32))))
			return s.Store(out, gidx, sum)
		},
	},
	"cast_half": {
		description: "halve 32 floats and store them at half precision",
		build: func(s *kir.Scope) (*kir.Node, error) {
			out := must.M1(s.Empty(kir.F16, 0))
			x := must.M1(s.Empty(kir.F32, 1))
			gidx := must.M1(s.Special("gidx0", 32))
			halved := must.M1(s.Mul(
				must.M1(s.Load(x, gidx, kir.F32)),
				must.M1(s.Const(kir.F32, 0.5))))
			return s.Store(out, gidx, must.M1(s.Cast(halved, kir.F16)))
		},
	},
	"reduce_row": {
		description: "sum each row of an 8x16 float matrix",
		build: func(s *kir.Scope) (*kir.Node, error) {
			out := must.M1(s.Empty(kir.F32, 0))
			x := must.M1(s.Empty(kir.F32, 1))
			row := must.M1(s.Special("gidx0", 8))
			base := must.M1(s.Mul(row, must.M1(s.ConstInt(kir.I32, 16))))
			total := must.M1(s.Reduce(must.M1(s.Load(x, base, kir.F32)), kir.OpAdd, 16, 1))
			return s.Store(out, row, total)
		},
	},
	"grid2d": {
		description: "double an 8x32 float matrix on a two-axis grid",
		build: func(s *kir.Scope) (*kir.Node, error) {
			out := must.M1(s.Empty(kir.F32, 0))
			x := must.M1(s.Empty(kir.F32, 1))
			row := must.M1(s.Special("gidx0", 8))
			col := must.M1(s.Special("gidx1", 32))
			idx := must.M1(s.Add(
				must.M1(s.Mul(row, must.M1(s.ConstInt(kir.I32, 32)))), col))
			doubled := must.M1(s.Mul(
				must.M1(s.Load(x, idx, kir.F32)),
				must.M1(s.Const(kir.F32, 2))))
			return s.Store(out, idx, doubled)
		},
	},
}

func graphNames() []string {
	return xslices.SortedKeys(demoGraphs)
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	graph, found := demoGraphs[*flagGraph]
	if !found {
		klog.Errorf("Unknown -graph %q, available graphs are %q. See 'kernelgen_render -help'.",
			*flagGraph, graphNames())
		os.Exit(1)
	}

	rendererNames := []string{*flagRenderer}
	if *flagAll {
		rendererNames = renderers.Names()
	}
	for _, name := range rendererNames {
		render(graph, *flagGraph, name)
	}

	if *flagBench > 0 {
		bench(graph, *flagGraph, *flagRenderer, *flagBench)
	}
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).PaddingLeft(4)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func render(graph demoGraph, graphName, rendererName string) {
	kernel, err := kernelgen.Compile(graph.build, graphName, rendererName)
	if err != nil {
		fmt.Println(titleStyle.Render(fmt.Sprintf("%s (%s)", graphName, rendererName)))
		fmt.Println(errorStyle.Render(err.Error()))
		return
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("%s on %s", kernel.EntryName, kernel.Renderer)))
	dims := kernel.LaunchDims
	table := newPlainTable()
	table.Row("graph", graph.description)
	table.Row("renderer", kernel.Renderer)
	table.Row("entry point", kernel.EntryName)
	table.Row("launch dims", fmt.Sprintf("%d x %d x %d", dims[0], dims[1], dims[2]))
	table.Row("units", humanize.Comma(int64(dims[0]*dims[1]*dims[2])))
	table.Row("vector width", humanize.Comma(int64(kernel.VectorWidth)))
	table.Row("source size", humanize.Bytes(uint64(len(kernel.Source))))
	fmt.Println(table)
	fmt.Println()
	fmt.Println(kernel.Source)
}

// bench compiles the graph n times on one renderer and reports the rate.
func bench(graph demoGraph, graphName, rendererName string, n int) {
	output := termenv.NewOutput(os.Stdout)
	output.HideCursor()
	defer output.ShowCursor()

	bar := progressbar.NewOptions(n,
		progressbar.OptionSetDescription(fmt.Sprintf("Compiling %q: ", graphName)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("kernels"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	start := time.Now()
	var bytes int
	for range n {
		kernel := must.M1(kernelgen.Compile(graph.build, graphName, rendererName))
		bytes += len(kernel.Source)
		_ = bar.Add(1)
	}
	elapsed := time.Since(start)
	fmt.Printf("\n%s compiles of %q in %s: %s kernels/sec, %s of source\n",
		humanize.Comma(int64(n)), graphName, elapsed.Round(time.Millisecond),
		humanize.CommafWithDigits(float64(n)/elapsed.Seconds(), 0),
		humanize.Bytes(uint64(bytes)))
}
