package arm64

import "math/bits"

func isMask(v uint64) bool {
	return v != 0 && (v+1)&v == 0
}

func isShiftedMask(v uint64) bool {
	return v != 0 && isMask((v-1)|v)
}

// EncodeBitmask returns the N:immr:imms fields of a logical immediate for a
// register of regSize bits (32 or 64). A bitmask immediate is a rotated run of
// ones replicated across 2, 4, 8, 16, 32 or 64 bit elements; all-zero and
// all-one values cannot be encoded.
func EncodeBitmask(imm uint64, regSize uint) (n, immr, imms uint32, ok bool) {
	if regSize == 32 {
		imm &= 0xffffffff
		if imm == 0 || imm == 0xffffffff {
			return 0, 0, 0, false
		}
		imm |= imm << 32
	} else if imm == 0 || imm == ^uint64(0) {
		return 0, 0, 0, false
	}

	// smallest repeating element
	size := uint(64)
	for size > 2 {
		half := size / 2
		mask := uint64(1)<<half - 1
		if imm&mask != (imm>>half)&mask {
			break
		}
		size = half
	}

	mask := ^uint64(0) >> (64 - size)
	imm &= mask

	var rot, ones uint
	if isShiftedMask(imm) {
		rot = uint(bits.TrailingZeros64(imm))
		ones = uint(bits.TrailingZeros64(^(imm >> rot)))
	} else {
		imm |= ^mask
		if !isShiftedMask(^imm) {
			return 0, 0, 0, false
		}
		clo := uint(bits.LeadingZeros64(^imm))
		rot = 64 - clo
		ones = clo + uint(bits.TrailingZeros64(^imm)) - (64 - size)
	}

	r := (size - rot) & (size - 1)
	nimms := ^uint64(size-1) << 1
	nimms |= uint64(ones - 1)
	n = uint32((nimms>>6)&1) ^ 1
	return n, uint32(r), uint32(nimms & 0x3f), true
}

// DecodeBitmask expands N:immr:imms back to the register value. It returns
// false for reserved encodings.
func DecodeBitmask(n, immr, imms uint32, regSize uint) (uint64, bool) {
	combined := n<<6 | (^imms & 0x3f)
	if combined == 0 {
		return 0, false
	}
	length := 31 - bits.LeadingZeros32(combined)
	if length < 1 {
		return 0, false
	}
	size := uint(1) << uint(length)
	if size > regSize {
		return 0, false
	}
	levels := uint32(size - 1)
	s := imms & levels
	r := immr & levels
	if s == levels {
		return 0, false
	}
	elem := uint64(1)<<(s+1) - 1
	if r != 0 {
		elem = (elem>>r | elem<<(uint(size)-uint(r))) & (^uint64(0) >> (64 - size))
	}
	v := elem
	for w := size; w < regSize; w *= 2 {
		v |= v << w
	}
	if regSize == 32 {
		v &= 0xffffffff
	}
	return v, true
}
