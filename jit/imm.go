package jit

import (
	"fmt"
	"math/bits"

	"github.com/colorfulnotion/bpfjit/arm64"
	"github.com/colorfulnotion/bpfjit/jiterrors"
)

// movImm32 loads a 32-bit constant. With is64 the value ends up sign
// extended to 64 bits, otherwise zero extended.
func (ctx *compileCtx) movImm32(is64 bool, reg arm64.Reg, val int32) {
	hi := uint16(uint32(val) >> 16)
	lo := uint16(val)
	if hi&0x8000 != 0 {
		if hi == 0xffff {
			ctx.emit(arm64.MOVN(is64, reg, ^lo, 0))
			return
		}
		ctx.emit(arm64.MOVN(is64, reg, ^hi, 16))
		if lo != 0xffff {
			ctx.emit(arm64.MOVK(is64, reg, lo, 0))
		}
		return
	}
	ctx.emit(arm64.MOVZ(is64, reg, lo, 0))
	if hi != 0 {
		ctx.emit(arm64.MOVK(is64, reg, hi, 16))
	}
}

func lanes(v uint64, fill uint16) int {
	n := 0
	for shift := 0; shift < 64; shift += 16 {
		if uint16(v>>shift) != fill {
			n++
		}
	}
	return n
}

// movImm64 loads a 64-bit constant in at most four words, seeding with MOVN
// when the complement has fewer non-zero lanes.
func (ctx *compileCtx) movImm64(reg arm64.Reg, val uint64) {
	if val>>32 == 0 {
		ctx.movImm32(false, reg, int32(uint32(val)))
		return
	}
	inverse := lanes(val, 0xffff) < lanes(val, 0)
	var fill uint16
	top := val
	if inverse {
		fill = 0xffff
		top = ^val
	}
	shift := 0
	if msb := bits.Len64(top) - 1; msb > 0 {
		shift = msb &^ 15
	}
	if inverse {
		ctx.emit(arm64.MOVN(true, reg, uint16(^val>>shift), uint(shift)))
	} else {
		ctx.emit(arm64.MOVZ(true, reg, uint16(val>>shift), uint(shift)))
	}
	for shift -= 16; shift >= 0; shift -= 16 {
		if lane := uint16(val >> shift); lane != fill {
			ctx.emit(arm64.MOVK(true, reg, lane, uint(shift)))
		}
	}
}

// addrWords is the length of movAddr, independent of the address.
const addrWords = 3

// movAddr loads an address whose top 16 bits equal Config.AddressTop in
// exactly three words, so a relocated address never changes the layout.
func (ctx *compileCtx) movAddr(reg arm64.Reg, addr uint64) error {
	if uint16(addr>>48) != ctx.cfg.AddressTop {
		return fmt.Errorf("address %#x outside the %#04x region: %w", addr, ctx.cfg.AddressTop, jiterrors.ErrEAddressOutOfRange)
	}
	if ctx.cfg.AddressTop == 0xffff {
		ctx.emit(arm64.MOVN(true, reg, ^uint16(addr), 0))
	} else {
		ctx.emit(arm64.MOVZ(true, reg, uint16(addr), 0))
	}
	ctx.emit(arm64.MOVK(true, reg, uint16(addr>>16), 16))
	ctx.emit(arm64.MOVK(true, reg, uint16(addr>>32), 32))
	return nil
}
