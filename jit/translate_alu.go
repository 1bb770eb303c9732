package jit

import (
	"fmt"

	"github.com/colorfulnotion/bpfjit/arm64"
	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/jiterrors"
)

var aluOps = []uint8{
	program.OpMOV, program.OpADD, program.OpSUB, program.OpAND, program.OpOR, program.OpXOR,
	program.OpMUL, program.OpDIV, program.OpMOD, program.OpLSH, program.OpRSH, program.OpARSH,
}

func registerALU() {
	for _, is64 := range []bool{false, true} {
		class := uint8(program.ClassALU)
		if is64 {
			class = program.ClassALU64
		}
		for _, op := range aluOps {
			translators[class|op|program.SrcX] = generateALUReg(op, is64)
			translators[class|op|program.SrcK] = generateALUImm(op, is64)
		}
		translators[class|program.OpNEG] = generateNeg(is64)
	}
	translators[program.ClassALU|program.OpEND|program.ToLE] = generateEndian(program.ToLE)
	translators[program.ClassALU|program.OpEND|program.ToBE] = generateEndian(program.ToBE)
}

// aluReg emits dst = dst op src. MOD keeps the quotient in TMP1.
func (ctx *compileCtx) aluReg(op uint8, is64 bool, dst, src arm64.Reg) {
	switch op {
	case program.OpMOV:
		ctx.emit(arm64.MOV(is64, dst, src))
	case program.OpADD:
		ctx.emit(arm64.ADD(is64, dst, dst, src))
	case program.OpSUB:
		ctx.emit(arm64.SUB(is64, dst, dst, src))
	case program.OpAND:
		ctx.emit(arm64.AND(is64, dst, dst, src))
	case program.OpOR:
		ctx.emit(arm64.ORR(is64, dst, dst, src))
	case program.OpXOR:
		ctx.emit(arm64.EOR(is64, dst, dst, src))
	case program.OpMUL:
		ctx.emit(arm64.MUL(is64, dst, dst, src))
	case program.OpDIV:
		ctx.emit(arm64.UDIV(is64, dst, dst, src))
	case program.OpMOD:
		tmp := phys(TMP1)
		ctx.emit(arm64.UDIV(is64, tmp, dst, src))
		ctx.emit(arm64.MSUB(is64, dst, tmp, src, dst))
	case program.OpLSH:
		ctx.emit(arm64.LSLV(is64, dst, dst, src))
	case program.OpRSH:
		ctx.emit(arm64.LSRV(is64, dst, dst, src))
	case program.OpARSH:
		ctx.emit(arm64.ASRV(is64, dst, dst, src))
	}
}

func generateALUReg(op uint8, is64 bool) translateFunc {
	return func(ctx *compileCtx, i int, insn program.Instruction) error {
		ctx.aluReg(op, is64, phys(progReg(insn.Dst)), phys(progReg(insn.Src)))
		return nil
	}
}

// logicalImmValue widens imm the way the operation sees it: sign extended
// for 64-bit forms, as a plain word for 32-bit forms.
func logicalImmValue(is64 bool, imm int32) uint64 {
	if is64 {
		return uint64(int64(imm))
	}
	return uint64(uint32(imm))
}

// aluImmDirect encodes dst = dst op imm in a single word when the
// immediate fits the instruction.
func aluImmDirect(op uint8, is64 bool, dst arm64.Reg, imm int32) (uint32, bool) {
	v := int64(imm)
	switch op {
	case program.OpADD:
		if w, ok := arm64.ADDImm(is64, dst, dst, v); ok {
			return w, true
		}
		return arm64.SUBImm(is64, dst, dst, -v)
	case program.OpSUB:
		if w, ok := arm64.SUBImm(is64, dst, dst, v); ok {
			return w, true
		}
		return arm64.ADDImm(is64, dst, dst, -v)
	case program.OpAND:
		return arm64.ANDImm(is64, dst, dst, logicalImmValue(is64, imm))
	case program.OpOR:
		return arm64.ORRImm(is64, dst, dst, logicalImmValue(is64, imm))
	case program.OpXOR:
		return arm64.EORImm(is64, dst, dst, logicalImmValue(is64, imm))
	}
	return 0, false
}

func shiftImm(op uint8, is64 bool, dst arm64.Reg, imm int32) (uint32, bool) {
	if imm < 0 {
		return 0, false
	}
	shift := uint(imm)
	switch op {
	case program.OpLSH:
		return arm64.LSLImm(is64, dst, dst, shift)
	case program.OpRSH:
		return arm64.LSRImm(is64, dst, dst, shift)
	}
	return arm64.ASRImm(is64, dst, dst, shift)
}

func generateALUImm(op uint8, is64 bool) translateFunc {
	return func(ctx *compileCtx, i int, insn program.Instruction) error {
		dst := phys(progReg(insn.Dst))
		switch op {
		case program.OpMOV:
			ctx.movImm32(is64, dst, insn.Imm)
			return nil
		case program.OpLSH, program.OpRSH, program.OpARSH:
			w, ok := shiftImm(op, is64, dst, insn.Imm)
			if !ok {
				return fmt.Errorf("shift by %d: %w", insn.Imm, jiterrors.ErrEShiftOutOfRange)
			}
			ctx.emit(w)
			return nil
		}
		if w, ok := aluImmDirect(op, is64, dst, insn.Imm); ok {
			ctx.emit(w)
			return nil
		}
		tmp := phys(TMP1)
		if op == program.OpMOD {
			tmp = phys(TMP2)
		}
		ctx.movImm32(is64, tmp, insn.Imm)
		ctx.aluReg(op, is64, dst, tmp)
		return nil
	}
}

func generateNeg(is64 bool) translateFunc {
	return func(ctx *compileCtx, i int, insn program.Instruction) error {
		dst := phys(progReg(insn.Dst))
		ctx.emit(arm64.NEG(is64, dst, dst))
		return nil
	}
}

// generateEndian converts between host (little-endian) and the requested
// byte order. The result is always zero extended from the width.
func generateEndian(order uint8) translateFunc {
	return func(ctx *compileCtx, i int, insn program.Instruction) error {
		dst := phys(progReg(insn.Dst))
		toBE := order == program.ToBE
		switch insn.Imm {
		case 16:
			if toBE {
				ctx.emit(arm64.REV16(false, dst, dst))
			}
			ctx.emit(arm64.UXTH(false, dst, dst))
		case 32:
			if toBE {
				ctx.emit(arm64.REV32(false, dst, dst))
			} else {
				ctx.emit(arm64.UXTW(false, dst, dst))
			}
		case 64:
			if toBE {
				ctx.emit(arm64.REV64(dst, dst))
			}
		default:
			return fmt.Errorf("byte swap width %d: %w", insn.Imm, jiterrors.ErrSUnknownOpcode)
		}
		return nil
	}
}
