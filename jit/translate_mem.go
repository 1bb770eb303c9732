package jit

import (
	"fmt"

	"github.com/colorfulnotion/bpfjit/arm64"
	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/jiterrors"
)

var accessSizes = map[uint8]arm64.Size{
	program.SizeB:  arm64.Size8,
	program.SizeH:  arm64.Size16,
	program.SizeW:  arm64.Size32,
	program.SizeDW: arm64.Size64,
}

func registerMemory() {
	translators[program.LdImm64Code] = translateLdImm64
	for code, size := range accessSizes {
		translators[program.ClassLDX|program.ModeMEM|code] = generateLoad(size)
		translators[program.ClassLDX|program.ModeProbeMem|code] = generateLoad(size)
		translators[program.ClassST|program.ModeMEM|code] = generateStoreImm(size)
		translators[program.ClassSTX|program.ModeMEM|code] = generateStoreReg(size)
	}
	translators[program.NoSpecCode] = translateNoSpec
	translators[program.ClassSTX|program.ModeATOMIC|program.SizeW] = generateAtomicAdd(false)
	translators[program.ClassSTX|program.ModeATOMIC|program.SizeDW] = generateAtomicAdd(true)
}

func translateLdImm64(ctx *compileCtx, i int, insn program.Instruction) error {
	if i+1 >= len(ctx.prog.Insns) {
		return fmt.Errorf("ld_imm64 at %d: %w", i, jiterrors.ErrSTruncatedProgram)
	}
	v := uint64(uint32(insn.Imm)) | uint64(uint32(ctx.prog.Insns[i+1].Imm))<<32
	ctx.movImm64(phys(progReg(insn.Dst)), v)
	return nil
}

// generateLoad covers plain and probe loads; only the latter register an
// exception entry.
func generateLoad(size arm64.Size) translateFunc {
	return func(ctx *compileCtx, i int, insn program.Instruction) error {
		dst := phys(progReg(insn.Dst))
		tmp := phys(TMP1)
		ctx.movImm32(true, tmp, int32(insn.Off))
		ctx.emit(arm64.LDR(size, dst, phys(progReg(insn.Src)), tmp))
		return ctx.addExceptionHandler(insn, dst)
	}
}

func generateStoreImm(size arm64.Size) translateFunc {
	return func(ctx *compileCtx, i int, insn program.Instruction) error {
		tmp, tmp2 := phys(TMP1), phys(TMP2)
		ctx.movImm32(true, tmp2, int32(insn.Off))
		ctx.movImm32(true, tmp, insn.Imm)
		ctx.emit(arm64.STR(size, tmp, phys(progReg(insn.Dst)), tmp2))
		return nil
	}
}

func generateStoreReg(size arm64.Size) translateFunc {
	return func(ctx *compileCtx, i int, insn program.Instruction) error {
		tmp := phys(TMP1)
		ctx.movImm32(true, tmp, int32(insn.Off))
		ctx.emit(arm64.STR(size, phys(progReg(insn.Src)), phys(progReg(insn.Dst)), tmp))
		return nil
	}
}

// translateNoSpec emits nothing: A64 cores do not speculate past the
// bounds checks this barrier protects.
func translateNoSpec(ctx *compileCtx, i int, insn program.Instruction) error {
	return nil
}

// atomicLoopWords is the length of the exclusive retry loop; CBNZ branches
// back to LDXR, three words before it.
const atomicLoopWords = 4

func generateAtomicAdd(isDW bool) translateFunc {
	return func(ctx *compileCtx, i int, insn program.Instruction) error {
		if insn.Imm != program.AtomicADD {
			return fmt.Errorf("atomic op %#x: %w", insn.Imm, jiterrors.ErrSUnsupportedAtomic)
		}
		dst, src := phys(progReg(insn.Dst)), phys(progReg(insn.Src))
		tmp, tmp2, tmp3 := phys(TMP1), phys(TMP2), phys(TMP3)
		addr := dst
		if insn.Off != 0 {
			ctx.movImm32(true, tmp, int32(insn.Off))
			ctx.emit(arm64.ADD(true, tmp, tmp, dst))
			addr = tmp
		}
		if ctx.cfg.HasLSE {
			ctx.emit(arm64.STADD(isDW, src, addr))
			return nil
		}
		ctx.emit(arm64.LDXR(isDW, tmp2, addr))
		ctx.emit(arm64.ADD(isDW, tmp2, tmp2, src))
		ctx.emit(arm64.STXR(isDW, tmp3, tmp2, addr))
		ctx.emit(arm64.CBNZ(false, tmp3, -(atomicLoopWords - 1)))
		return nil
	}
}
