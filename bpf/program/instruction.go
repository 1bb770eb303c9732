package program

import (
	"encoding/binary"
	"fmt"
)

// InsnSize is the wire size of one instruction slot.
const InsnSize = 8

// Instruction is one bytecode slot. LD_IMM64 spans two slots; the second
// slot carries the upper 32 bits of the constant in Imm.
type Instruction struct {
	Code uint8 `json:"code"`
	Dst  uint8 `json:"dst"`
	Src  uint8 `json:"src"`
	Off  int16 `json:"off"`
	Imm  int32 `json:"imm"`
}

func (i Instruction) Class() uint8  { return i.Code & 0x07 }
func (i Instruction) Op() uint8     { return i.Code & 0xf0 }
func (i Instruction) Source() uint8 { return i.Code & 0x08 }
func (i Instruction) Size() uint8   { return i.Code & 0x18 }
func (i Instruction) Mode() uint8   { return i.Code & 0xe0 }

// SizeBytes returns the access width of a load or store.
func (i Instruction) SizeBytes() int { return sizeBytes[i.Size()] }

// IsALU reports whether the instruction belongs to the ALU or ALU64 class.
func (i Instruction) IsALU() bool {
	c := i.Class()
	return c == ClassALU || c == ClassALU64
}

// IsJump reports whether the instruction belongs to the JMP or JMP32 class.
func (i Instruction) IsJump() bool {
	c := i.Class()
	return c == ClassJMP || c == ClassJMP32
}

// IsBranch reports whether the instruction transfers control by Off.
func (i Instruction) IsBranch() bool {
	if !i.IsJump() {
		return false
	}
	switch i.Op() {
	case OpCALL, OpEXIT, OpTailCall:
		return false
	case OpJA:
		return i.Class() == ClassJMP
	}
	return true
}

func (i Instruction) IsWide() bool {
	return i.Code == LdImm64Code
}

func (i Instruction) IsProbeLoad() bool {
	return i.Class() == ClassLDX && i.Mode() == ModeProbeMem
}

// IsPseudoCall reports a call to a subprogram of the same program.
func (i Instruction) IsPseudoCall() bool {
	return i.Code == CallCode && i.Src == PseudoCall
}

// MarshalBinary packs the slot as code, dst:src nibbles, off and imm, little-endian.
func (i Instruction) MarshalBinary() ([]byte, error) {
	b := make([]byte, InsnSize)
	i.put(b)
	return b, nil
}

func (i Instruction) put(b []byte) {
	b[0] = i.Code
	b[1] = i.Dst&0x0f | i.Src<<4
	binary.LittleEndian.PutUint16(b[2:], uint16(i.Off))
	binary.LittleEndian.PutUint32(b[4:], uint32(i.Imm))
}

func (i *Instruction) UnmarshalBinary(b []byte) error {
	if len(b) < InsnSize {
		return fmt.Errorf("instruction needs %d bytes, got %d", InsnSize, len(b))
	}
	i.Code = b[0]
	i.Dst = b[1] & 0x0f
	i.Src = b[1] >> 4
	i.Off = int16(binary.LittleEndian.Uint16(b[2:]))
	i.Imm = int32(binary.LittleEndian.Uint32(b[4:]))
	return nil
}

func regName(r uint8) string {
	if r == AX {
		return "ax"
	}
	return fmt.Sprintf("r%d", r)
}

// subReg names the low 32 bits of a register.
func subReg(r uint8) string {
	if r == AX {
		return "wax"
	}
	return fmt.Sprintf("w%d", r)
}

// String renders the instruction in the verifier's C-like notation. The
// second slot of LD_IMM64 has no rendering of its own; use Format with the
// following slot to show the full constant.
func (i Instruction) String() string {
	return i.Format(Instruction{})
}

// Format renders i; next is consulted only for LD_IMM64.
func (i Instruction) Format(next Instruction) string {
	dst, src := regName(i.Dst), regName(i.Src)
	switch i.Class() {
	case ClassALU, ClassALU64:
		if i.Class() == ClassALU {
			dst, src = subReg(i.Dst), subReg(i.Src)
		}
		switch i.Op() {
		case OpNEG:
			return fmt.Sprintf("%s = -%s", dst, dst)
		case OpEND:
			order := "le"
			if i.Source() == ToBE {
				order = "be"
			}
			return fmt.Sprintf("%s = %s%d %s", regName(i.Dst), order, i.Imm, regName(i.Dst))
		}
		sym, ok := aluOpSymbols[i.Op()]
		if !ok {
			break
		}
		if i.Source() == SrcX {
			return fmt.Sprintf("%s %s %s", dst, sym, src)
		}
		return fmt.Sprintf("%s %s %d", dst, sym, i.Imm)
	case ClassJMP, ClassJMP32:
		switch i.Op() {
		case OpJA:
			return fmt.Sprintf("goto %+d", i.Off)
		case OpEXIT:
			return "exit"
		case OpTailCall:
			return "tail_call"
		case OpCALL:
			if i.Src == PseudoCall {
				return fmt.Sprintf("call pc%+d", i.Imm)
			}
			return fmt.Sprintf("call %d", i.Imm)
		}
		sym, ok := jmpOpSymbols[i.Op()]
		if !ok {
			break
		}
		if i.Class() == ClassJMP32 {
			dst, src = subReg(i.Dst), subReg(i.Src)
		}
		if i.Source() == SrcX {
			return fmt.Sprintf("if %s %s %s goto %+d", dst, sym, src, i.Off)
		}
		return fmt.Sprintf("if %s %s %#x goto %+d", dst, sym, uint32(i.Imm), i.Off)
	case ClassLD:
		if i.IsWide() {
			v := uint64(uint32(i.Imm)) | uint64(uint32(next.Imm))<<32
			return fmt.Sprintf("%s = %#x ll", dst, v)
		}
	case ClassLDX:
		if i.Mode() == ModeProbeMem {
			return fmt.Sprintf("%s = *(u%d *)(%s %+d) probe", dst, 8*sizeBytes[i.Size()], src, i.Off)
		}
		return fmt.Sprintf("%s = *(u%d *)(%s %+d)", dst, 8*sizeBytes[i.Size()], src, i.Off)
	case ClassST:
		if i.Code == NoSpecCode {
			return "nospec"
		}
		return fmt.Sprintf("*(u%d *)(%s %+d) = %d", 8*sizeBytes[i.Size()], dst, i.Off, i.Imm)
	case ClassSTX:
		if i.Mode() == ModeATOMIC {
			return fmt.Sprintf("lock *(u%d *)(%s %+d) += %s", 8*sizeBytes[i.Size()], dst, i.Off, src)
		}
		return fmt.Sprintf("*(u%d *)(%s %+d) = %s", 8*sizeBytes[i.Size()], dst, i.Off, src)
	}
	return fmt.Sprintf("(%02x) %s", i.Code, OpcodeName(i.Code))
}
