package arm64

const (
	opB     = 0x14000000
	opBL    = 0x94000000
	opBCond = 0x54000000
	opCBZ   = 0x34000000
	opCBNZ  = 0x35000000
	opBR    = 0xD61F0000
	opBLR   = 0xD63F0000
	opRET   = 0xD65F0000
	opBRK   = 0xD4200000
)

// Displacements are in instructions, relative to the branch itself.

// FitsImm26 reports whether off is encodable by B and BL.
func FitsImm26(off int) bool {
	return off >= -(1<<25) && off < 1<<25
}

// FitsImm19 reports whether off is encodable by B.cond, CBZ and CBNZ.
func FitsImm19(off int) bool {
	return off >= -(1<<18) && off < 1<<18
}

// B encodes an unconditional branch. The caller checks FitsImm26.
func B(off int) uint32 {
	return opB | uint32(off)&0x3ffffff
}

func BL(off int) uint32 {
	return opBL | uint32(off)&0x3ffffff
}

// BCond encodes B.<cond>. The caller checks FitsImm19.
func BCond(cond Cond, off int) uint32 {
	return opBCond | (uint32(off)&0x7ffff)<<5 | uint32(cond)&0xf
}

func CBZ(is64 bool, rt Reg, off int) uint32 {
	return opCBZ | sf(is64) | (uint32(off)&0x7ffff)<<5 | uint32(rt&31)
}

func CBNZ(is64 bool, rt Reg, off int) uint32 {
	return opCBNZ | sf(is64) | (uint32(off)&0x7ffff)<<5 | uint32(rt&31)
}

func BR(rn Reg) uint32 {
	return opBR | uint32(rn&31)<<5
}

func BLR(rn Reg) uint32 {
	return opBLR | uint32(rn&31)<<5
}

// RET returns through the link register.
func RET() uint32 {
	return opRET | uint32(LR)<<5
}

func BRK(imm16 uint16) uint32 {
	return opBRK | uint32(imm16)<<5
}
