package jit

import (
	"github.com/colorfulnotion/bpfjit/arm64"
	"github.com/colorfulnotion/bpfjit/bpf/program"
)

// Reg names a virtual register of the compiler. R0..R10 and AX share their
// numbering with the bytecode so insn.Dst and insn.Src index the map directly.
type Reg uint8

const (
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	FP
	AX
	TMP1
	TMP2
	TMP3
	TCC
	NumRegs
)

var regNames = [NumRegs]string{"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8", "r9", "fp", "ax", "tmp1", "tmp2", "tmp3", "tcc"}

func (r Reg) String() string {
	if r < NumRegs {
		return regNames[r]
	}
	return "invalid"
}

// R1..R5 arrive in x0..x4 as AAPCS64 arguments; R0 stays out of x0 so a
// helper call can return through x0 without clobbering R1. R6..R9, FP and the
// tail call counter live in callee-saved registers.
var regMap = [NumRegs]arm64.Reg{
	R0:   arm64.X7,
	R1:   arm64.X0,
	R2:   arm64.X1,
	R3:   arm64.X2,
	R4:   arm64.X3,
	R5:   arm64.X4,
	R6:   arm64.X19,
	R7:   arm64.X20,
	R8:   arm64.X21,
	R9:   arm64.X22,
	FP:   arm64.X25,
	AX:   arm64.X9,
	TMP1: arm64.X10,
	TMP2: arm64.X11,
	TMP3: arm64.X12,
	TCC:  arm64.X26,
}

// phys returns the physical register backing r.
func phys(r Reg) arm64.Reg {
	return regMap[r]
}

// PhysReg exposes the map for tools that need to read machine state back.
func PhysReg(r Reg) arm64.Reg {
	return phys(r)
}

// calleeSaved are the pairs the prologue pushes after {fp, lr}, in push order.
var calleeSaved = [][2]Reg{
	{R6, R7},
	{R8, R9},
	{FP, TCC},
}

// ArgRegs are the physical registers carrying R1..R5 on entry.
var ArgRegs = [5]arm64.Reg{arm64.X0, arm64.X1, arm64.X2, arm64.X3, arm64.X4}

const numProgRegs = program.AX + 1

func progReg(r uint8) Reg {
	return Reg(r)
}
