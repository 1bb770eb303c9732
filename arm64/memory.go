package arm64

// Register offset forms, [rn, rm] with option UXTX and no scaling.
var (
	ldrReg = [...]uint32{Size8: 0x38606800, Size16: 0x78606800, Size32: 0xB8606800, Size64: 0xF8606800}
	strReg = [...]uint32{Size8: 0x38206800, Size16: 0x78206800, Size32: 0xB8206800, Size64: 0xF8206800}
)

const (
	opSTPPre  = 0xA9800000
	opLDPPost = 0xA8C00000

	opLDXR32  = 0x885F7C00
	opLDXR64  = 0xC85F7C00
	opSTXR32  = 0x88007C00
	opSTXR64  = 0xC8007C00
	opLDADD32 = 0xB8200000
	opLDADD64 = 0xF8200000
)

// LDR loads size bytes from [rn, rm], zero-extending into rt.
func LDR(size Size, rt, rn, rm Reg) uint32 {
	return ldrReg[size] | rdnm(rt, rn, rm)
}

// STR stores the low size bytes of rt to [rn, rm].
func STR(size Size, rt, rn, rm Reg) uint32 {
	return strReg[size] | rdnm(rt, rn, rm)
}

// PUSH is STP r1, r2, [rn, #-16]!
func PUSH(r1, r2, rn Reg) uint32 {
	return opSTPPre | uint32(0x7e)<<15 | uint32(r2&31)<<10 | rdn(r1, rn)
}

// POP is LDP r1, r2, [rn], #16
func POP(r1, r2, rn Reg) uint32 {
	return opLDPPost | uint32(0x02)<<15 | uint32(r2&31)<<10 | rdn(r1, rn)
}

func LDXR(is64 bool, rt, rn Reg) uint32 {
	if is64 {
		return opLDXR64 | rdn(rt, rn)
	}
	return opLDXR32 | rdn(rt, rn)
}

// STXR stores rt to [rn] and writes the status (0 on success) to rs.
func STXR(is64 bool, rs, rt, rn Reg) uint32 {
	if is64 {
		return opSTXR64 | uint32(rs&31)<<16 | rdn(rt, rn)
	}
	return opSTXR32 | uint32(rs&31)<<16 | rdn(rt, rn)
}

// LDADD atomically adds rs to [rn] and returns the old value in rt.
func LDADD(is64 bool, rs, rt, rn Reg) uint32 {
	if is64 {
		return opLDADD64 | uint32(rs&31)<<16 | rdn(rt, rn)
	}
	return opLDADD32 | uint32(rs&31)<<16 | rdn(rt, rn)
}

// STADD is LDADD with the old value discarded.
func STADD(is64 bool, rs, rn Reg) uint32 {
	return LDADD(is64, rs, ZR, rn)
}
