package jit

import (
	"fmt"

	"github.com/colorfulnotion/bpfjit/arm64"
	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/jiterrors"
)

// translateTailCall emits the bpf_tail_call(ctx, array, index) trampoline:
//
//	if index >= array.max_entries goto out
//	if tcc > MaxTailCalls goto out
//	tcc++
//	prog = array.ptrs[index]
//	if prog == nil goto out
//	goto *(prog.func + PrologueOffset*4)
//	out:
//
// On success the caller's frame is released and the target runs with the
// caller's saved registers and counter.
func translateTailCall(ctx *compileCtx, i int, insn program.Instruction) error {
	layout := ctx.cfg.TailCall
	r2, r3 := phys(R2), phys(R3)
	tmp, prg, tcc := phys(TMP1), phys(TMP2), phys(TCC)
	start := ctx.idx
	toAbort := func() int {
		return ctx.tailCallAbort - (ctx.idx - start)
	}

	ctx.movImm64(tmp, uint64(layout.MaxEntriesOffset))
	ctx.emit(arm64.LDR(arm64.Size32, tmp, r2, tmp))
	ctx.emit(arm64.MOV(false, r3, r3))
	ctx.emit(arm64.CMP(false, r3, tmp))
	ctx.emit(arm64.BCond(arm64.CondHS, toAbort()))

	ctx.movImm64(tmp, uint64(ctx.cfg.MaxTailCalls))
	ctx.emit(arm64.CMP(true, tcc, tmp))
	ctx.emit(arm64.BCond(arm64.CondHI, toAbort()))
	inc, _ := arm64.ADDImm(true, tcc, tcc, 1)
	ctx.emit(inc)

	ctx.movImm64(tmp, uint64(layout.PtrsOffset))
	ctx.emit(arm64.ADD(true, tmp, r2, tmp))
	lsl, _ := arm64.LSLImm(true, prg, r3, 3)
	ctx.emit(lsl)
	ctx.emit(arm64.LDR(arm64.Size64, prg, tmp, prg))
	ctx.emit(arm64.CBZ(true, prg, toAbort()))

	ctx.movImm64(tmp, uint64(layout.FuncOffset))
	ctx.emit(arm64.LDR(arm64.Size64, tmp, prg, tmp))
	skip, _ := arm64.ADDImm(true, tmp, tmp, 4*PrologueOffset)
	ctx.emit(skip)
	release, ok := arm64.ADDImm(true, arm64.SP, arm64.SP, int64(ctx.stackSize))
	if !ok {
		return fmt.Errorf("frame of %d bytes: %w", ctx.stackSize, jiterrors.ErrEImmediateOutOfRange)
	}
	ctx.emit(release)
	ctx.emit(arm64.BR(tmp))

	abort := ctx.idx - start
	if ctx.tailCallAbort == -1 {
		ctx.tailCallAbort = abort
	}
	if abort != ctx.tailCallAbort {
		return fmt.Errorf("abort label at +%d, first tail call fixed it at +%d: %w", abort, ctx.tailCallAbort, jiterrors.ErrSTailCallOffset)
	}
	return nil
}
