package program

// Constructors mirroring the usual BPF_* instruction macros.

func ALU64Reg(op, dst, src uint8) Instruction {
	return Instruction{Code: ClassALU64 | op | SrcX, Dst: dst, Src: src}
}

func ALU32Reg(op, dst, src uint8) Instruction {
	return Instruction{Code: ClassALU | op | SrcX, Dst: dst, Src: src}
}

func ALU64Imm(op, dst uint8, imm int32) Instruction {
	return Instruction{Code: ClassALU64 | op | SrcK, Dst: dst, Imm: imm}
}

func ALU32Imm(op, dst uint8, imm int32) Instruction {
	return Instruction{Code: ClassALU | op | SrcK, Dst: dst, Imm: imm}
}

func Mov64Reg(dst, src uint8) Instruction { return ALU64Reg(OpMOV, dst, src) }
func Mov32Reg(dst, src uint8) Instruction { return ALU32Reg(OpMOV, dst, src) }

func Mov64Imm(dst uint8, imm int32) Instruction { return ALU64Imm(OpMOV, dst, imm) }
func Mov32Imm(dst uint8, imm int32) Instruction { return ALU32Imm(OpMOV, dst, imm) }

func Neg64(dst uint8) Instruction { return Instruction{Code: ClassALU64 | OpNEG, Dst: dst} }
func Neg32(dst uint8) Instruction { return Instruction{Code: ClassALU | OpNEG, Dst: dst} }

// Endian converts dst to the requested byte order and truncates to width bits.
func Endian(order, dst uint8, width int32) Instruction {
	return Instruction{Code: ClassALU | OpEND | order, Dst: dst, Imm: width}
}

// LdImm64 returns both slots of a 64-bit constant load.
func LdImm64(dst uint8, v uint64) []Instruction {
	return LdImm64Src(dst, 0, v)
}

// LdImm64Src is LdImm64 with a pseudo source tag, e.g. PseudoMapFD.
func LdImm64Src(dst, src uint8, v uint64) []Instruction {
	return []Instruction{
		{Code: LdImm64Code, Dst: dst, Src: src, Imm: int32(uint32(v))},
		{Imm: int32(uint32(v >> 32))},
	}
}

func LdxMem(size, dst, src uint8, off int16) Instruction {
	return Instruction{Code: ClassLDX | size | ModeMEM, Dst: dst, Src: src, Off: off}
}

// ProbeLdxMem is a load whose faults resume at the next instruction with dst cleared.
func ProbeLdxMem(size, dst, src uint8, off int16) Instruction {
	return Instruction{Code: ClassLDX | size | ModeProbeMem, Dst: dst, Src: src, Off: off}
}

func StMem(size, dst uint8, off int16, imm int32) Instruction {
	return Instruction{Code: ClassST | size | ModeMEM, Dst: dst, Off: off, Imm: imm}
}

func StxMem(size, dst, src uint8, off int16) Instruction {
	return Instruction{Code: ClassSTX | size | ModeMEM, Dst: dst, Src: src, Off: off}
}

// AtomicAdd adds src to the size-wide value at dst+off.
func AtomicAdd(size, dst, src uint8, off int16) Instruction {
	return Instruction{Code: ClassSTX | size | ModeATOMIC, Dst: dst, Src: src, Off: off, Imm: AtomicADD}
}

func NoSpec() Instruction { return Instruction{Code: NoSpecCode} }

func JmpReg(op, dst, src uint8, off int16) Instruction {
	return Instruction{Code: ClassJMP | op | SrcX, Dst: dst, Src: src, Off: off}
}

func JmpImm(op, dst uint8, imm int32, off int16) Instruction {
	return Instruction{Code: ClassJMP | op | SrcK, Dst: dst, Off: off, Imm: imm}
}

func Jmp32Reg(op, dst, src uint8, off int16) Instruction {
	return Instruction{Code: ClassJMP32 | op | SrcX, Dst: dst, Src: src, Off: off}
}

func Jmp32Imm(op, dst uint8, imm int32, off int16) Instruction {
	return Instruction{Code: ClassJMP32 | op | SrcK, Dst: dst, Off: off, Imm: imm}
}

func Ja(off int16) Instruction { return Instruction{Code: JaCode, Off: off} }

// Call invokes helper id.
func Call(id int32) Instruction { return Instruction{Code: CallCode, Imm: id} }

// CallRel invokes the subprogram starting rel+1 slots after the call.
func CallRel(rel int32) Instruction { return Instruction{Code: CallCode, Src: PseudoCall, Imm: rel} }

// TailCall jumps to prog_array R2 at index R3, or falls through.
func TailCall() Instruction { return Instruction{Code: TailCallCode} }

func Exit() Instruction { return Instruction{Code: ExitCode} }

// Seq flattens single instructions and LD_IMM64 pairs into one slice.
func Seq(parts ...interface{}) []Instruction {
	var out []Instruction
	for _, p := range parts {
		switch v := p.(type) {
		case Instruction:
			out = append(out, v)
		case []Instruction:
			out = append(out, v...)
		default:
			panic("program.Seq: unsupported element")
		}
	}
	return out
}
