package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/jit"
	"github.com/docker/go-units"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/spf13/cobra"
)

// topOpcodes bounds the opcode chart.
const topOpcodes = 20

type progStats struct {
	prog  *program.Program
	stats *program.ProgramStats
	c     *compiled
	err   error
}

// ratio is native words per logical bytecode instruction.
func (s *progStats) ratio() float64 {
	if s.stats.InstructionCount == 0 {
		return 0
	}
	return float64(s.c.words()) / float64(s.stats.InstructionCount)
}

// collectStats analyzes and compiles every program concurrently. Results
// keep the order of progs.
func (opt *options) collectStats(ctx context.Context, comp *jit.Compiler, progs []*program.Program) []*progStats {
	out := make([]*progStats, len(progs))
	var wg sync.WaitGroup
	for k, p := range progs {
		wg.Add(1)
		go func(k int, p *program.Program) {
			defer wg.Done()
			s := &progStats{prog: p, stats: p.Analyze()}
			s.c, s.err = opt.compileProgram(ctx, comp, nil, p)
			out[k] = s
		}(k, p)
	}
	wg.Wait()
	return out
}

func writeStatsTable(w io.Writer, all []*progStats) {
	fmt.Fprintf(w, "%-24s %6s %6s %6s %6s %6s %6s %7s %6s %9s\n",
		"program", "insns", "blocks", "branch", "calls", "probes", "funcs", "words", "ratio", "size")
	for _, s := range all {
		st := s.stats
		if s.err != nil {
			fmt.Fprintf(w, "%-24s %6d %6d %6d %6d %6d  error: %v\n",
				s.prog.Name, st.InstructionCount, st.BasicBlockCount, st.BranchCount, st.CallCount, st.ProbeLoadCount, s.err)
			continue
		}
		size := 0
		for _, img := range s.c.imgs {
			size += len(img.Buf.Bytes())
		}
		fmt.Fprintf(w, "%-24s %6d %6d %6d %6d %6d %6d %7d %6.2f %9s\n",
			s.prog.Name, st.InstructionCount, st.BasicBlockCount, st.BranchCount, st.CallCount, st.ProbeLoadCount,
			len(s.c.imgs), s.c.words(), s.ratio(), units.BytesSize(float64(size)))
	}
}

// opcodeTotals sums the opcode distributions of every program.
func opcodeTotals(all []*progStats) *program.ProgramStats {
	total := &program.ProgramStats{OpcodeDistribution: make(map[uint8]int)}
	for _, s := range all {
		for code, n := range s.stats.OpcodeDistribution {
			total.OpcodeDistribution[code] += n
		}
	}
	return total
}

func sizeChart(all []*progStats) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Code size", Subtitle: "bytecode instructions and native words"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	names := make([]string, 0, len(all))
	insns := make([]opts.BarData, 0, len(all))
	words := make([]opts.BarData, 0, len(all))
	for _, s := range all {
		if s.err != nil {
			continue
		}
		names = append(names, s.prog.Name)
		insns = append(insns, opts.BarData{Value: s.stats.InstructionCount})
		words = append(words, opts.BarData{Value: s.c.words()})
	}
	bar.SetXAxis(names).
		AddSeries("bytecode", insns).
		AddSeries("native", words)
	return bar
}

func opcodeChart(all []*progStats) *charts.Bar {
	total := opcodeTotals(all)
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Opcodes", Subtitle: "most frequent first"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	codes := total.SortedOpcodes()
	if len(codes) > topOpcodes {
		codes = codes[:topOpcodes]
	}
	names := make([]string, 0, len(codes))
	counts := make([]opts.BarData, 0, len(codes))
	for _, code := range codes {
		names = append(names, program.OpcodeName(code))
		counts = append(counts, opts.BarData{Value: total.OpcodeDistribution[code]})
	}
	bar.SetXAxis(names).AddSeries("count", counts)
	return bar
}

func writeStatsHTML(path string, all []*progStats) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	page := components.NewPage()
	page.PageTitle = "bpfjit stats"
	page.AddCharts(sizeChart(all), opcodeChart(all))
	return page.Render(f)
}

func newStatsCmd(opt *options) *cobra.Command {
	var (
		htmlPath string
		opcodes  bool
	)
	cmd := &cobra.Command{
		Use:   "stats <program>...",
		Short: "Analyze programs and report their compiled size",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opt.config(cmd)
			if err != nil {
				return err
			}
			progs, err := loadPrograms(args)
			if err != nil {
				return err
			}
			all := opt.collectStats(cmd.Context(), opt.compiler(cfg), progs)
			w := cmd.OutOrStdout()
			writeStatsTable(w, all)
			if opcodes {
				total := opcodeTotals(all)
				for _, code := range total.SortedOpcodes() {
					fmt.Fprintf(w, "  %-22s %6d\n", program.OpcodeName(code), total.OpcodeDistribution[code])
				}
			}
			if htmlPath != "" {
				if err := writeStatsHTML(htmlPath, all); err != nil {
					return err
				}
				fmt.Fprintf(w, "wrote %s\n", htmlPath)
			}
			for _, s := range all {
				if s.err != nil {
					return fmt.Errorf("%d of %d programs failed to compile", failed(all), len(all))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&htmlPath, "html", "", "render size and opcode charts to this HTML file")
	cmd.Flags().BoolVar(&opcodes, "opcodes", false, "print the opcode distribution over all programs")
	return cmd
}

func failed(all []*progStats) int {
	n := 0
	for _, s := range all {
		if s.err != nil {
			n++
		}
	}
	return n
}
