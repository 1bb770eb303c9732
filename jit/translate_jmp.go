package jit

import (
	"fmt"

	"github.com/colorfulnotion/bpfjit/arm64"
	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/jiterrors"
)

// condMap gives the A64 condition taken after CMP dst, src (TST for JSET).
var condMap = map[uint8]arm64.Cond{
	program.OpJEQ:  arm64.CondEQ,
	program.OpJGT:  arm64.CondHI,
	program.OpJLT:  arm64.CondLO,
	program.OpJGE:  arm64.CondHS,
	program.OpJLE:  arm64.CondLS,
	program.OpJNE:  arm64.CondNE,
	program.OpJSET: arm64.CondNE,
	program.OpJSGT: arm64.CondGT,
	program.OpJSLT: arm64.CondLT,
	program.OpJSGE: arm64.CondGE,
	program.OpJSLE: arm64.CondLE,
}

func registerJumps() {
	translators[program.JaCode] = translateJA
	for op := range condMap {
		for _, is64 := range []bool{false, true} {
			class := uint8(program.ClassJMP32)
			if is64 {
				class = program.ClassJMP
			}
			translators[class|op|program.SrcX] = generateCondJump(op, is64, false)
			translators[class|op|program.SrcK] = generateCondJump(op, is64, true)
		}
	}
	translators[program.CallCode] = translateCall
	translators[program.ExitCode] = translateExit
	translators[program.TailCallCode] = translateTailCall
}

// branchOffset is the displacement, in words, from the branch that ends
// instruction i to the first word of instruction i+1+off. It is only
// meaningful on the emitting pass, when every offset is known.
func (ctx *compileCtx) branchOffset(i, off int) (int, error) {
	target := i + 1 + off
	if target < 0 || target > len(ctx.prog.Insns) {
		return 0, fmt.Errorf("branch target %d outside the program: %w", target, jiterrors.ErrEBranchOutOfRange)
	}
	return ctx.offsets[target] - (ctx.offsets[i+1] - 1), nil
}

func (ctx *compileCtx) checkImm19(off int) error {
	if ctx.emitting() && !arm64.FitsImm19(off) {
		return fmt.Errorf("conditional displacement %d: %w", off, jiterrors.ErrEBranchOutOfRange)
	}
	return nil
}

func (ctx *compileCtx) checkImm26(off int) error {
	if ctx.emitting() && !arm64.FitsImm26(off) {
		return fmt.Errorf("displacement %d: %w", off, jiterrors.ErrEBranchOutOfRange)
	}
	return nil
}

func translateJA(ctx *compileCtx, i int, insn program.Instruction) error {
	off, err := ctx.branchOffset(i, int(insn.Off))
	if err != nil {
		return err
	}
	if err := ctx.checkImm26(off); err != nil {
		return err
	}
	ctx.emit(arm64.B(off))
	return nil
}

// compareImm sets the flags for dst against a constant.
func (ctx *compileCtx) compareImm(op uint8, is64 bool, dst arm64.Reg, imm int32) {
	tmp := phys(TMP1)
	if op == program.OpJSET {
		if w, ok := arm64.TSTImm(is64, dst, logicalImmValue(is64, imm)); ok {
			ctx.emit(w)
			return
		}
		ctx.movImm32(is64, tmp, imm)
		ctx.emit(arm64.TST(is64, dst, tmp))
		return
	}
	if w, ok := arm64.CMPImm(is64, dst, int64(imm)); ok {
		ctx.emit(w)
		return
	}
	if w, ok := arm64.CMNImm(is64, dst, -int64(imm)); ok {
		ctx.emit(w)
		return
	}
	ctx.movImm32(is64, tmp, imm)
	ctx.emit(arm64.CMP(is64, dst, tmp))
}

func generateCondJump(op uint8, is64, useImm bool) translateFunc {
	cond := condMap[op]
	return func(ctx *compileCtx, i int, insn program.Instruction) error {
		dst := phys(progReg(insn.Dst))
		switch {
		case useImm:
			ctx.compareImm(op, is64, dst, insn.Imm)
		case op == program.OpJSET:
			ctx.emit(arm64.TST(is64, dst, phys(progReg(insn.Src))))
		default:
			ctx.emit(arm64.CMP(is64, dst, phys(progReg(insn.Src))))
		}
		off, err := ctx.branchOffset(i, int(insn.Off))
		if err != nil {
			return err
		}
		if err := ctx.checkImm19(off); err != nil {
			return err
		}
		ctx.emit(arm64.BCond(cond, off))
		return nil
	}
}

// translateCall calls a helper or subprogram through TMP1. Addresses that
// may still move use the fixed three-word form so both passes agree.
func translateCall(ctx *compileCtx, i int, insn program.Instruction) error {
	addr, fixed, err := ctx.resolver.Resolve(ctx.prog, i, insn, ctx.extraPass)
	if err != nil {
		return fmt.Errorf("call %d: %w: %w", insn.Imm, jiterrors.ErrRAddressResolution, err)
	}
	tmp := phys(TMP1)
	if fixed {
		ctx.movImm64(tmp, addr)
	} else if err := ctx.movAddr(tmp, addr); err != nil {
		return err
	}
	ctx.emit(arm64.BLR(tmp))
	ctx.emit(arm64.MOV(true, phys(R0), arm64.X0))
	return nil
}

// translateExit falls through into the epilogue when it is the last
// instruction and branches there otherwise.
func translateExit(ctx *compileCtx, i int, insn program.Instruction) error {
	if i == len(ctx.prog.Insns)-1 {
		return nil
	}
	off := ctx.epilogueOffset - ctx.idx
	if err := ctx.checkImm26(off); err != nil {
		return err
	}
	ctx.emit(arm64.B(off))
	return nil
}
