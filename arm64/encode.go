package arm64

// Base opcodes for the data processing groups. The 64-bit variant sets bit 31.
const (
	opMOVZ = 0x52800000
	opMOVN = 0x12800000
	opMOVK = 0x72800000

	opADDImm  = 0x11000000
	opADDSImm = 0x31000000
	opSUBImm  = 0x51000000
	opSUBSImm = 0x71000000

	opADD  = 0x0B000000
	opADDS = 0x2B000000
	opSUB  = 0x4B000000
	opSUBS = 0x6B000000

	opAND  = 0x0A000000
	opORR  = 0x2A000000
	opEOR  = 0x4A000000
	opANDS = 0x6A000000

	opANDImm  = 0x12000000
	opORRImm  = 0x32000000
	opEORImm  = 0x52000000
	opANDSImm = 0x72000000

	opUDIV = 0x1AC00800
	opSDIV = 0x1AC00C00
	opLSLV = 0x1AC02000
	opLSRV = 0x1AC02400
	opASRV = 0x1AC02800

	opMADD = 0x1B000000
	opMSUB = 0x1B008000

	opUBFM = 0x53000000
	opSBFM = 0x13000000

	opREV16 = 0x5AC00400
	opREV32 = 0x5AC00800
	opREV64 = 0xDAC00C00

	NOP = 0xD503201F
)

const sf64 = 1 << 31

func sf(is64 bool) uint32 {
	if is64 {
		return sf64
	}
	return 0
}

func rdn(rd, rn Reg) uint32 {
	return uint32(rn&31)<<5 | uint32(rd&31)
}

func rdnm(rd, rn, rm Reg) uint32 {
	return uint32(rm&31)<<16 | rdn(rd, rn)
}

func moveWide(op uint32, is64 bool, rd Reg, imm16 uint16, shift uint) uint32 {
	return op | sf(is64) | uint32(shift/16)<<21 | uint32(imm16)<<5 | uint32(rd&31)
}

// MOVZ rd, #imm16, LSL #shift. shift must be a multiple of 16 within the register width.
func MOVZ(is64 bool, rd Reg, imm16 uint16, shift uint) uint32 {
	return moveWide(opMOVZ, is64, rd, imm16, shift)
}

// MOVN rd, #imm16, LSL #shift
func MOVN(is64 bool, rd Reg, imm16 uint16, shift uint) uint32 {
	return moveWide(opMOVN, is64, rd, imm16, shift)
}

// MOVK rd, #imm16, LSL #shift
func MOVK(is64 bool, rd Reg, imm16 uint16, shift uint) uint32 {
	return moveWide(opMOVK, is64, rd, imm16, shift)
}

// IsAddSubImm reports whether imm fits the unsigned 12-bit field, optionally shifted by 12.
func IsAddSubImm(imm int64) bool {
	return imm >= 0 && (imm&^0xfff == 0 || imm&^0xfff000 == 0)
}

func addSubImm(op uint32, is64 bool, rd, rn Reg, imm int64) (uint32, bool) {
	if !IsAddSubImm(imm) {
		return 0, false
	}
	var sh uint32
	if imm > 0xfff {
		imm >>= 12
		sh = 1 << 22
	}
	return op | sf(is64) | sh | uint32(imm)<<10 | rdn(rd, rn), true
}

// ADDImm rd, rn, #imm. rd and rn of 31 mean SP.
func ADDImm(is64 bool, rd, rn Reg, imm int64) (uint32, bool) {
	return addSubImm(opADDImm, is64, rd, rn, imm)
}

func SUBImm(is64 bool, rd, rn Reg, imm int64) (uint32, bool) {
	return addSubImm(opSUBImm, is64, rd, rn, imm)
}

// CMPImm is SUBS xzr, rn, #imm.
func CMPImm(is64 bool, rn Reg, imm int64) (uint32, bool) {
	return addSubImm(opSUBSImm, is64, ZR, rn, imm)
}

// CMNImm is ADDS xzr, rn, #imm.
func CMNImm(is64 bool, rn Reg, imm int64) (uint32, bool) {
	return addSubImm(opADDSImm, is64, ZR, rn, imm)
}

// MOV between registers, SP allowed. Encoded as ADD rd, rn, #0.
func MOV(is64 bool, rd, rn Reg) uint32 {
	return opADDImm | sf(is64) | rdn(rd, rn)
}

func ADD(is64 bool, rd, rn, rm Reg) uint32 {
	return opADD | sf(is64) | rdnm(rd, rn, rm)
}

func SUB(is64 bool, rd, rn, rm Reg) uint32 {
	return opSUB | sf(is64) | rdnm(rd, rn, rm)
}

// NEG is SUB rd, xzr, rm.
func NEG(is64 bool, rd, rm Reg) uint32 {
	return SUB(is64, rd, ZR, rm)
}

// CMP is SUBS xzr, rn, rm.
func CMP(is64 bool, rn, rm Reg) uint32 {
	return opSUBS | sf(is64) | rdnm(ZR, rn, rm)
}

func AND(is64 bool, rd, rn, rm Reg) uint32 {
	return opAND | sf(is64) | rdnm(rd, rn, rm)
}

func ORR(is64 bool, rd, rn, rm Reg) uint32 {
	return opORR | sf(is64) | rdnm(rd, rn, rm)
}

func EOR(is64 bool, rd, rn, rm Reg) uint32 {
	return opEOR | sf(is64) | rdnm(rd, rn, rm)
}

// TST is ANDS xzr, rn, rm.
func TST(is64 bool, rn, rm Reg) uint32 {
	return opANDS | sf(is64) | rdnm(ZR, rn, rm)
}

func logicalImm(op uint32, is64 bool, rd, rn Reg, imm uint64) (uint32, bool) {
	width := uint(32)
	if is64 {
		width = 64
	}
	n, immr, imms, ok := EncodeBitmask(imm, width)
	if !ok {
		return 0, false
	}
	return op | sf(is64) | n<<22 | immr<<16 | imms<<10 | rdn(rd, rn), true
}

// ANDImm rd, rn, #bitmask. Reports false when imm is not a valid bitmask immediate.
func ANDImm(is64 bool, rd, rn Reg, imm uint64) (uint32, bool) {
	return logicalImm(opANDImm, is64, rd, rn, imm)
}

func ORRImm(is64 bool, rd, rn Reg, imm uint64) (uint32, bool) {
	return logicalImm(opORRImm, is64, rd, rn, imm)
}

func EORImm(is64 bool, rd, rn Reg, imm uint64) (uint32, bool) {
	return logicalImm(opEORImm, is64, rd, rn, imm)
}

// TSTImm is ANDS xzr, rn, #bitmask.
func TSTImm(is64 bool, rn Reg, imm uint64) (uint32, bool) {
	return logicalImm(opANDSImm, is64, ZR, rn, imm)
}

func UDIV(is64 bool, rd, rn, rm Reg) uint32 {
	return opUDIV | sf(is64) | rdnm(rd, rn, rm)
}

func SDIV(is64 bool, rd, rn, rm Reg) uint32 {
	return opSDIV | sf(is64) | rdnm(rd, rn, rm)
}

func LSLV(is64 bool, rd, rn, rm Reg) uint32 {
	return opLSLV | sf(is64) | rdnm(rd, rn, rm)
}

func LSRV(is64 bool, rd, rn, rm Reg) uint32 {
	return opLSRV | sf(is64) | rdnm(rd, rn, rm)
}

func ASRV(is64 bool, rd, rn, rm Reg) uint32 {
	return opASRV | sf(is64) | rdnm(rd, rn, rm)
}

// MADD rd = ra + rn*rm
func MADD(is64 bool, rd, rn, rm, ra Reg) uint32 {
	return opMADD | sf(is64) | uint32(ra&31)<<10 | rdnm(rd, rn, rm)
}

// MSUB rd = ra - rn*rm
func MSUB(is64 bool, rd, rn, rm, ra Reg) uint32 {
	return opMSUB | sf(is64) | uint32(ra&31)<<10 | rdnm(rd, rn, rm)
}

func MUL(is64 bool, rd, rn, rm Reg) uint32 {
	return MADD(is64, rd, rn, rm, ZR)
}

func bitfield(op uint32, is64 bool, rd, rn Reg, immr, imms uint) uint32 {
	var n uint32
	if is64 {
		n = 1 << 22
	}
	return op | sf(is64) | n | uint32(immr&0x3f)<<16 | uint32(imms&0x3f)<<10 | rdn(rd, rn)
}

func UBFM(is64 bool, rd, rn Reg, immr, imms uint) uint32 {
	return bitfield(opUBFM, is64, rd, rn, immr, imms)
}

func SBFM(is64 bool, rd, rn Reg, immr, imms uint) uint32 {
	return bitfield(opSBFM, is64, rd, rn, immr, imms)
}

func width(is64 bool) uint {
	if is64 {
		return 64
	}
	return 32
}

// LSLImm, LSRImm and ASRImm report false when shift is not below the register width.
func LSLImm(is64 bool, rd, rn Reg, shift uint) (uint32, bool) {
	w := width(is64)
	if shift >= w {
		return 0, false
	}
	return UBFM(is64, rd, rn, (w-shift)&(w-1), w-1-shift), true
}

func LSRImm(is64 bool, rd, rn Reg, shift uint) (uint32, bool) {
	w := width(is64)
	if shift >= w {
		return 0, false
	}
	return UBFM(is64, rd, rn, shift, w-1), true
}

func ASRImm(is64 bool, rd, rn Reg, shift uint) (uint32, bool) {
	w := width(is64)
	if shift >= w {
		return 0, false
	}
	return SBFM(is64, rd, rn, shift, w-1), true
}

// UXTH zero-extends the low halfword.
func UXTH(is64 bool, rd, rn Reg) uint32 {
	return UBFM(is64, rd, rn, 0, 15)
}

// UXTW zero-extends the low word.
func UXTW(is64 bool, rd, rn Reg) uint32 {
	return UBFM(is64, rd, rn, 0, 31)
}

func REV16(is64 bool, rd, rn Reg) uint32 {
	return opREV16 | sf(is64) | rdn(rd, rn)
}

// REV32 reverses bytes in each word; with is64 false this is REV Wd.
func REV32(is64 bool, rd, rn Reg) uint32 {
	return opREV32 | sf(is64) | rdn(rd, rn)
}

func REV64(rd, rn Reg) uint32 {
	return opREV64 | rdn(rd, rn)
}
