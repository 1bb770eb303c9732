package jit

import (
	"fmt"

	"github.com/colorfulnotion/bpfjit/arm64"
	"github.com/colorfulnotion/bpfjit/jiterrors"
)

// PrologueOffset is the number of prologue words a tail call skips: every
// eBPF image runs the same sequence up to and including the counter reset.
const PrologueOffset = 7

// Frame layout after the prologue (stack grows down):
//
//	[fp, lr]       <- x29
//	[r6, r7]
//	[r8, r9]
//	[fp', tcc]     <- x25 (program FP)
//	program stack  stackSize bytes
//	               <- sp
func (ctx *compileCtx) buildPrologue() error {
	start := ctx.idx

	ctx.emit(arm64.PUSH(arm64.FP, arm64.LR, arm64.SP))
	ctx.emit(arm64.MOV(true, arm64.FP, arm64.SP))
	for _, pair := range calleeSaved {
		ctx.emit(arm64.PUSH(phys(pair[0]), phys(pair[1]), arm64.SP))
	}
	ctx.emit(arm64.MOV(true, phys(FP), arm64.SP))

	if !ctx.prog.FromClassic {
		ctx.emit(arm64.MOVZ(true, phys(TCC), 0, 0))
		if n := ctx.idx - start; n != PrologueOffset {
			return fmt.Errorf("prologue is %d words, tail calls enter at %d: %w", n, PrologueOffset, jiterrors.ErrSPrologueOffset)
		}
	}

	sub, ok := arm64.SUBImm(true, arm64.SP, arm64.SP, int64(ctx.stackSize))
	if !ok {
		return fmt.Errorf("frame of %d bytes: %w", ctx.stackSize, jiterrors.ErrEImmediateOutOfRange)
	}
	ctx.emit(sub)
	return nil
}

func (ctx *compileCtx) buildEpilogue() {
	add, _ := arm64.ADDImm(true, arm64.SP, arm64.SP, int64(ctx.stackSize))
	ctx.emit(add)
	for k := len(calleeSaved) - 1; k >= 0; k-- {
		pair := calleeSaved[k]
		ctx.emit(arm64.POP(phys(pair[0]), phys(pair[1]), arm64.SP))
	}
	ctx.emit(arm64.POP(arm64.FP, arm64.LR, arm64.SP))
	ctx.emit(arm64.MOV(true, arm64.X0, phys(R0)))
	ctx.emit(arm64.RET())
}
