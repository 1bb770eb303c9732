package jit

import (
	"fmt"

	"github.com/colorfulnotion/bpfjit/jiterrors"
)

// build runs one pass. With a sizer it fills the offset table and the
// epilogue position; with a writer it re-derives both and fails on any
// difference, so branch displacements taken from the table stay exact.
func (ctx *compileCtx) build(out emitter) error {
	ctx.out = out
	ctx.idx = 0
	ctx.exIdx = 0
	ctx.extable = ctx.extable[:0]

	if err := ctx.buildPrologue(); err != nil {
		return err
	}
	if err := ctx.buildBody(); err != nil {
		return err
	}
	if !out.emitting() {
		ctx.epilogueOffset = ctx.idx
	} else if ctx.epilogueOffset != ctx.idx {
		return fmt.Errorf("epilogue at word %d, sized at %d: %w", ctx.idx, ctx.epilogueOffset, jiterrors.ErrSPassParity)
	}
	ctx.buildEpilogue()
	return nil
}

func (ctx *compileCtx) buildBody() error {
	n := len(ctx.prog.Insns)
	for i := 0; i < n; {
		if err := ctx.markOffset(i); err != nil {
			return err
		}
		used, err := ctx.translate(i)
		if err != nil {
			return err
		}
		if used == 2 {
			if err := ctx.markOffset(i + 1); err != nil {
				return err
			}
		}
		i += used
	}
	return ctx.markOffset(n)
}

func (ctx *compileCtx) markOffset(i int) error {
	if !ctx.emitting() {
		ctx.offsets[i] = ctx.idx
		return nil
	}
	if ctx.offsets[i] != ctx.idx {
		return fmt.Errorf("insn %d at word %d, sized at %d: %w", i, ctx.idx, ctx.offsets[i], jiterrors.ErrSPassParity)
	}
	return nil
}
