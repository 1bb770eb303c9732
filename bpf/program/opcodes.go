package program

// Instruction classes (low 3 bits of the opcode).
const (
	ClassLD    = 0x00
	ClassLDX   = 0x01
	ClassST    = 0x02
	ClassSTX   = 0x03
	ClassALU   = 0x04
	ClassJMP   = 0x05
	ClassJMP32 = 0x06
	ClassALU64 = 0x07
)

// Load/store sizes.
const (
	SizeW  = 0x00
	SizeH  = 0x08
	SizeB  = 0x10
	SizeDW = 0x18
)

// Load/store modes.
const (
	ModeIMM      = 0x00
	ModeABS      = 0x20
	ModeIND      = 0x40
	ModeMEM      = 0x60
	ModeATOMIC   = 0xc0
	ModeXADD     = 0xc0 // legacy name of ModeATOMIC
	ModeProbeMem = 0x20 // LDX only: load whose faults are fixed up
	ModeNoSpec   = 0xc0 // ST only: speculation barrier
)

// Operand source.
const (
	SrcK = 0x00
	SrcX = 0x08
)

// ALU operations.
const (
	OpADD  = 0x00
	OpSUB  = 0x10
	OpMUL  = 0x20
	OpDIV  = 0x30
	OpOR   = 0x40
	OpAND  = 0x50
	OpLSH  = 0x60
	OpRSH  = 0x70
	OpNEG  = 0x80
	OpMOD  = 0x90
	OpXOR  = 0xa0
	OpMOV  = 0xb0
	OpARSH = 0xc0
	OpEND  = 0xd0
)

// Byte order selectors of OpEND, carried in the source bit.
const (
	ToLE = SrcK
	ToBE = SrcX
)

// Jump operations.
const (
	OpJA       = 0x00
	OpJEQ      = 0x10
	OpJGT      = 0x20
	OpJGE      = 0x30
	OpJSET     = 0x40
	OpJNE      = 0x50
	OpJSGT     = 0x60
	OpJSGE     = 0x70
	OpCALL     = 0x80
	OpEXIT     = 0x90
	OpJLT      = 0xa0
	OpJLE      = 0xb0
	OpJSLT     = 0xc0
	OpJSLE     = 0xd0
	OpTailCall = 0xf0
)

// Atomic operations, carried in the immediate of STX|ATOMIC.
const (
	AtomicADD   = OpADD
	AtomicFetch = 0x01
)

// Pseudo source values.
const (
	PseudoMapFD = 1 // LD_IMM64 whose immediate is a map descriptor
	PseudoCall  = 1 // CALL to a subprogram, imm is a relative instruction offset
)

// Registers.
const (
	R0 = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10

	// AX is hidden from programs; constant blinding rewrites through it.
	AX

	NumRegs
	FP = R10
)

// Frequently used complete opcodes.
const (
	LdImm64Code  = ClassLD | SizeDW | ModeIMM
	CallCode     = ClassJMP | OpCALL
	ExitCode     = ClassJMP | OpEXIT
	TailCallCode = ClassJMP | OpTailCall
	JaCode       = ClassJMP | OpJA
	NoSpecCode   = ClassST | ModeNoSpec
)

// MaxStackDepth is the largest frame a program may request.
const MaxStackDepth = 512

var classNames = map[uint8]string{
	ClassLD:    "ld",
	ClassLDX:   "ldx",
	ClassST:    "st",
	ClassSTX:   "stx",
	ClassALU:   "alu",
	ClassJMP:   "jmp",
	ClassJMP32: "jmp32",
	ClassALU64: "alu64",
}

var aluOpNames = map[uint8]string{
	OpADD:  "add",
	OpSUB:  "sub",
	OpMUL:  "mul",
	OpDIV:  "div",
	OpOR:   "or",
	OpAND:  "and",
	OpLSH:  "lsh",
	OpRSH:  "rsh",
	OpNEG:  "neg",
	OpMOD:  "mod",
	OpXOR:  "xor",
	OpMOV:  "mov",
	OpARSH: "arsh",
	OpEND:  "end",
}

var aluOpSymbols = map[uint8]string{
	OpADD:  "+=",
	OpSUB:  "-=",
	OpMUL:  "*=",
	OpDIV:  "/=",
	OpOR:   "|=",
	OpAND:  "&=",
	OpLSH:  "<<=",
	OpRSH:  ">>=",
	OpMOD:  "%=",
	OpXOR:  "^=",
	OpMOV:  "=",
	OpARSH: "s>>=",
}

var jmpOpNames = map[uint8]string{
	OpJA:       "ja",
	OpJEQ:      "jeq",
	OpJGT:      "jgt",
	OpJGE:      "jge",
	OpJSET:     "jset",
	OpJNE:      "jne",
	OpJSGT:     "jsgt",
	OpJSGE:     "jsge",
	OpCALL:     "call",
	OpEXIT:     "exit",
	OpJLT:      "jlt",
	OpJLE:      "jle",
	OpJSLT:     "jslt",
	OpJSLE:     "jsle",
	OpTailCall: "tail_call",
}

var jmpOpSymbols = map[uint8]string{
	OpJEQ:  "==",
	OpJGT:  ">",
	OpJGE:  ">=",
	OpJSET: "&",
	OpJNE:  "!=",
	OpJSGT: "s>",
	OpJSGE: "s>=",
	OpJLT:  "<",
	OpJLE:  "<=",
	OpJSLT: "s<",
	OpJSLE: "s<=",
}

var sizeNames = map[uint8]string{
	SizeW:  "w",
	SizeH:  "h",
	SizeB:  "b",
	SizeDW: "dw",
}

var sizeBytes = map[uint8]int{
	SizeW:  4,
	SizeH:  2,
	SizeB:  1,
	SizeDW: 8,
}

// OpcodeName returns a mnemonic such as "alu64_add_x" or "ldx_probe_mem_dw".
func OpcodeName(code uint8) string {
	class := code & 0x07
	switch class {
	case ClassALU, ClassALU64:
		name := classNames[class] + "_" + aluOpNames[code&0xf0]
		if code&0xf0 == OpEND {
			if code&SrcX != 0 {
				return name + "_be"
			}
			return name + "_le"
		}
		if code&0xf0 == OpNEG {
			return name
		}
		if code&SrcX != 0 {
			return name + "_x"
		}
		return name + "_k"
	case ClassJMP, ClassJMP32:
		op, ok := jmpOpNames[code&0xf0]
		if !ok {
			return "unknown"
		}
		name := classNames[class] + "_" + op
		switch code & 0xf0 {
		case OpJA, OpCALL, OpEXIT, OpTailCall:
			return name
		}
		if code&SrcX != 0 {
			return name + "_x"
		}
		return name + "_k"
	}
	mode := code & 0xe0
	size := sizeNames[code&0x18]
	switch {
	case code == LdImm64Code:
		return "ld_imm64"
	case class == ClassLDX && mode == ModeMEM:
		return "ldx_mem_" + size
	case class == ClassLDX && mode == ModeProbeMem:
		return "ldx_probe_mem_" + size
	case class == ClassST && mode == ModeMEM:
		return "st_mem_" + size
	case code == NoSpecCode:
		return "st_nospec"
	case class == ClassSTX && mode == ModeMEM:
		return "stx_mem_" + size
	case class == ClassSTX && mode == ModeATOMIC:
		return "stx_atomic_" + size
	case class == ClassLD && (mode == ModeABS || mode == ModeIND):
		return "ld_legacy_" + size
	}
	return "unknown"
}
