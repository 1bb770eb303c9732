// Package arm64 encodes A64 instruction words.
package arm64

import "fmt"

// Reg is an A64 general purpose register number. 31 is SP or XZR depending on the instruction.
type Reg uint8

const (
	X0 Reg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30

	SP Reg = 31
	ZR Reg = 31
	FP     = X29
	LR     = X30
)

func (r Reg) String() string {
	switch r {
	case 31:
		return "sp/xzr"
	case FP:
		return "fp"
	case LR:
		return "lr"
	}
	return fmt.Sprintf("x%d", uint8(r))
}

// Cond is an A64 condition code.
type Cond uint32

const (
	CondEQ Cond = iota
	CondNE
	CondCS
	CondCC
	CondMI
	CondPL
	CondVS
	CondVC
	CondHI
	CondLS
	CondGE
	CondLT
	CondGT
	CondLE
	CondAL

	CondHS = CondCS
	CondLO = CondCC
)

var condNames = [...]string{"eq", "ne", "hs", "lo", "mi", "pl", "vs", "vc", "hi", "ls", "ge", "lt", "gt", "le", "al"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", uint32(c))
}

// Size is the access width of a load or store.
type Size uint8

const (
	Size8 Size = iota
	Size16
	Size32
	Size64
)

// Bytes returns the access width in bytes.
func (s Size) Bytes() int {
	return 1 << s
}
