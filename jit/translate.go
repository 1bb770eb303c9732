package jit

import (
	"fmt"

	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/jiterrors"
)

// translateFunc lowers one bytecode instruction at index i.
type translateFunc func(ctx *compileCtx, i int, insn program.Instruction) error

// translators is keyed by the full opcode byte. A code missing from the
// table has no lowering.
var translators = map[uint8]translateFunc{}

func init() {
	registerALU()
	registerJumps()
	registerMemory()
}

// Opcodes lists every opcode byte the compiler accepts.
func Opcodes() []uint8 {
	codes := make([]uint8, 0, len(translators))
	for code := range translators {
		codes = append(codes, code)
	}
	return codes
}

// translate lowers instruction i and reports how many bytecode slots it used.
func (ctx *compileCtx) translate(i int) (int, error) {
	insn := ctx.prog.Insns[i]
	fn, ok := translators[insn.Code]
	if !ok {
		return 0, fmt.Errorf("insn %d: code %#02x: %w", i, insn.Code, jiterrors.ErrSUnknownOpcode)
	}
	if insn.Dst >= numProgRegs || insn.Src >= numProgRegs {
		return 0, fmt.Errorf("insn %d (%s): register out of range: %w", i, program.OpcodeName(insn.Code), jiterrors.ErrSUnknownOpcode)
	}
	if err := fn(ctx, i, insn); err != nil {
		return 0, fmt.Errorf("insn %d (%s): %w", i, program.OpcodeName(insn.Code), err)
	}
	if insn.IsWide() {
		return 2, nil
	}
	return 1, nil
}
