package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/colorfulnotion/bpfjit/arm64"
	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/jit"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"
)

// report is the JSON form of a compiled program. Addresses are left out so
// two reports of the same code compare equal.
type report struct {
	Name   string       `json:"name"`
	Config jit.Config   `json:"config"`
	Funcs  []funcReport `json:"funcs"`
}

type funcReport struct {
	Index   int                `json:"index"`
	Insns   int                `json:"insns"`
	Words   int                `json:"words"`
	Stack   int                `json:"stack"`
	Offsets []int              `json:"offsets"`
	Extable []jit.ExtableEntry `json:"extable"`
	Code    []string           `json:"code"`
}

func newReport(c *compiled, cfg jit.Config) *report {
	r := &report{Name: c.prog.Name, Config: cfg}
	for k, img := range c.imgs {
		fr := funcReport{
			Index:   k,
			Insns:   img.Program().Len(),
			Words:   img.Words(),
			Stack:   img.Stack,
			Offsets: img.Offsets,
			Extable: img.Extable,
		}
		code := img.Code()
		for i := 0; i < img.Words(); i++ {
			fr.Code = append(fr.Code, wordText(arm64.Word(code, i)))
		}
		r.Funcs = append(r.Funcs, fr)
	}
	return r
}

func wordText(w uint32) string {
	if m := arm64.Mnemonic(w); m != "" {
		return fmt.Sprintf("%08x %s", w, m)
	}
	return fmt.Sprintf("%08x .word", w)
}

// dumpImage prints each bytecode instruction followed by the native words
// emitted for it.
func dumpImage(w io.Writer, k int, img *jit.Image) {
	p := img.Program()
	code := img.Code()
	fmt.Fprintf(w, "func %d %s: %d insns, %d words, stack %d, extable %d\n",
		k, p.Name, p.Len(), img.Words(), img.Stack, len(img.Extable))

	words := func(from, to int) {
		for i := from; i < to; i++ {
			fmt.Fprintf(w, "        %04x: %s\n", i*4, wordText(arm64.Word(code, i)))
		}
	}
	fmt.Fprintln(w, "  prologue:")
	words(0, img.Offsets[0])
	for i := 0; i < p.Len(); i++ {
		insn := p.Insns[i]
		var next program.Instruction
		if insn.IsWide() && i+1 < p.Len() {
			next = p.Insns[i+1]
		}
		fmt.Fprintf(w, "  %4d: %s\n", i, insn.Format(next))
		words(img.Offsets[i], img.Offsets[i+1])
		if insn.IsWide() {
			i++
		}
	}
	fmt.Fprintln(w, "  epilogue:")
	words(img.Offsets[p.Len()], img.Words())
	for _, e := range img.Extable {
		fmt.Fprintf(w, "  extable insn %d fixup offset %d reg x%d\n", e.Insn, e.Fixup.Offset, e.Fixup.Reg)
	}
}

// imageTree renders functions, their instructions and the native words of
// each as a tree.
func imageTree(c *compiled) treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("%s (%d funcs, %d words)", c.prog.Name, len(c.imgs), c.words()))
	for k, img := range c.imgs {
		p := img.Program()
		code := img.Code()
		fn := tree.AddMetaBranch(fmt.Sprintf("func %d", k), fmt.Sprintf("%d words", img.Words()))
		for i := 0; i < p.Len(); i++ {
			insn := p.Insns[i]
			var next program.Instruction
			if insn.IsWide() && i+1 < p.Len() {
				next = p.Insns[i+1]
			}
			node := fn.AddMetaBranch(i, insn.Format(next))
			for j := img.Offsets[i]; j < img.Offsets[i+1]; j++ {
				node.AddNode(wordText(arm64.Word(code, j)))
			}
			if insn.IsWide() {
				i++
			}
		}
	}
	return tree
}

func newDumpCmd(opt *options) *cobra.Command {
	var asTree, asJSON, listing bool
	cmd := &cobra.Command{
		Use:   "dump <program>",
		Short: "Show the native code emitted for each bytecode instruction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opt.config(cmd)
			if err != nil {
				return err
			}
			p, err := program.Load(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if listing {
				fmt.Fprint(w, p.Listing())
				return nil
			}
			c, err := opt.compileProgram(cmd.Context(), opt.compiler(cfg), nil, p)
			if err != nil {
				return err
			}
			switch {
			case asJSON:
				b, err := json.MarshalIndent(newReport(c, cfg), "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(w, string(b))
			case asTree:
				fmt.Fprint(w, imageTree(c).String())
			default:
				for k, img := range c.imgs {
					dumpImage(w, k, img)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asTree, "tree", false, "print a tree of functions, instructions and words")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print a JSON report")
	cmd.Flags().BoolVar(&listing, "listing", false, "print the bytecode listing only")
	return cmd
}
