package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/codecache"
	"github.com/colorfulnotion/bpfjit/jit"
	"github.com/colorfulnotion/bpfjit/jiterrors"
	log "github.com/colorfulnotion/bpfjit/log"
	"github.com/colorfulnotion/bpfjit/telemetry"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
)

// compiled is one program with its images; element 0 is the entry.
type compiled struct {
	prog *program.Program
	imgs []*jit.Image
	hit  bool
}

func (c *compiled) words() int {
	n := 0
	for _, img := range c.imgs {
		n += img.Words()
	}
	return n
}

func (c *compiled) extable() int {
	n := 0
	for _, img := range c.imgs {
		n += len(img.Extable)
	}
	return n
}

func hasPseudoCalls(p *program.Program) bool {
	for _, insn := range p.Insns {
		if insn.IsPseudoCall() {
			return true
		}
	}
	return false
}

// openCache opens the image cache named by --cache-dir, or returns nil.
func (opt *options) openCache() (*codecache.Cache, error) {
	if opt.cacheDir == "" {
		return nil, nil
	}
	return codecache.Open(opt.cacheDir)
}

// compileProgram compiles p, through cache when it is non-nil and the
// program has a single function.
func (opt *options) compileProgram(ctx context.Context, comp *jit.Compiler, cache *codecache.Cache, p *program.Program) (*compiled, error) {
	_, span := opt.tel.Start(ctx, "compile",
		attribute.String("prog.name", p.Name),
		attribute.Int("prog.insns", len(p.Insns)),
	)
	defer span.End()

	out := &compiled{prog: p}
	if cache != nil && !hasPseudoCalls(p) {
		img, hit, err := cache.Compile(comp, p)
		switch {
		case err == nil:
			out.imgs, out.hit = []*jit.Image{img}, hit
		case errors.Is(err, codecache.ErrNotCacheable):
			log.Debug(log.CLIModule, "not cacheable", "name", p.Name)
		default:
			telemetry.Fail(span, err)
			return nil, fmt.Errorf("%s: %w", p.Name, err)
		}
	}
	if out.imgs == nil {
		imgs, err := comp.CompileFuncs(p)
		if err != nil {
			telemetry.Fail(span, err)
			log.Error(log.CLIModule, "compile failed", "name", p.Name, "class", jiterrors.ClassOf(err).String(), "err", err)
			return nil, fmt.Errorf("%s: %w", p.Name, err)
		}
		out.imgs = imgs
	}
	span.SetAttributes(telemetry.ImageAttrs(out.imgs[0])...)
	span.SetAttributes(attribute.Bool("cache.hit", out.hit), attribute.Int("jit.funcs", len(out.imgs)))
	log.Info(log.CLIModule, "compiled", "name", p.Name, "funcs", len(out.imgs), "words", out.words(), "cached", out.hit)
	return out, nil
}

func newCompileCmd(opt *options) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "compile <program>...",
		Short: "Compile programs and print a summary of each image",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath != "" && len(args) != 1 {
				return fmt.Errorf("--out needs exactly one program, got %d", len(args))
			}
			cfg, err := opt.config(cmd)
			if err != nil {
				return err
			}
			progs, err := loadPrograms(args)
			if err != nil {
				return err
			}
			cache, err := opt.openCache()
			if err != nil {
				return err
			}
			if cache != nil {
				defer cache.Close()
			}

			comp := opt.compiler(cfg)
			w := cmd.OutOrStdout()
			for _, p := range progs {
				c, err := opt.compileProgram(cmd.Context(), comp, cache, p)
				if err != nil {
					return err
				}
				bytes := 0
				for _, img := range c.imgs {
					bytes += len(img.Buf.Bytes())
				}
				note := ""
				if c.hit {
					note = " (cached)"
				}
				fmt.Fprintf(w, "%-24s insns=%-5d funcs=%d words=%-6d extable=%d stack=%d size=%s%s\n",
					p.Name, len(p.Insns), len(c.imgs), c.words(), c.extable(), c.imgs[0].Stack,
					units.BytesSize(float64(bytes)), note)

				if outPath != "" {
					if len(c.imgs) > 1 {
						return fmt.Errorf("%s: --out cannot write a program of %d functions", p.Name, len(c.imgs))
					}
					if err := os.WriteFile(outPath, c.imgs[0].Buf.Bytes(), 0o644); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the image (code and exception table) to this file")
	return cmd
}
