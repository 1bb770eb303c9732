package main

import (
	"encoding/json"
	"fmt"

	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/jit"
	"github.com/spf13/cobra"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// diffReports renders the difference between two JSON reports, or "" when
// they are equal.
func diffReports(left, right []byte, color bool) (string, error) {
	delta, err := gojsondiff.New().Compare(left, right)
	if err != nil {
		return "", fmt.Errorf("diffing reports: %w", err)
	}
	if !delta.Modified() {
		return "", nil
	}
	var leftObj interface{}
	if err := json.Unmarshal(left, &leftObj); err != nil {
		return "", err
	}
	f := formatter.NewAsciiFormatter(leftObj, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       color,
	})
	return f.Format(delta)
}

func newDiffCmd(opt *options) *cobra.Command {
	var (
		rightConfig string
		color       bool
	)
	cmd := &cobra.Command{
		Use:   "diff <program> [program]",
		Short: "Compare the compiled code of two programs, or of one program under two configurations",
		Long: "With two programs both are compiled under the same configuration. With one\n" +
			"program and --right-config it is compiled under both configurations.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && rightConfig == "" {
				return fmt.Errorf("one program needs --right-config")
			}
			leftCfg, err := opt.config(cmd)
			if err != nil {
				return err
			}
			rightCfg := leftCfg
			if rightConfig != "" {
				if rightCfg, err = loadConfig(rightConfig); err != nil {
					return err
				}
			}
			left, err := program.Load(args[0])
			if err != nil {
				return err
			}
			right := left
			if len(args) == 2 {
				if right, err = program.Load(args[1]); err != nil {
					return err
				}
			}

			sides := []struct {
				prog *program.Program
				cfg  jit.Config
			}{{left, leftCfg}, {right, rightCfg}}
			var reports [2][]byte
			for k, side := range sides {
				c, err := opt.compileProgram(cmd.Context(), opt.compiler(side.cfg), nil, side.prog)
				if err != nil {
					return err
				}
				if reports[k], err = json.Marshal(newReport(c, side.cfg)); err != nil {
					return err
				}
			}
			out, err := diffReports(reports[0], reports[1], color)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if out == "" {
				fmt.Fprintln(w, "no differences")
				return nil
			}
			fmt.Fprintln(w, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&rightConfig, "right-config", "", "JSON configuration for the right side")
	cmd.Flags().BoolVar(&color, "color", false, "color the diff")
	return cmd
}
