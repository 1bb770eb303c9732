package jit

import (
	"math"
	"testing"

	"github.com/colorfulnotion/bpfjit/arm64"
	"github.com/colorfulnotion/bpfjit/jiterrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func TestMovImm64(t *testing.T) {
	values := []uint64{
		0, 1, 0xffff, 0x10000, 0x12345678, 0x80000000, 0xffffffff, 0xffff0000,
		0x100000000, 0x1122334455667788, 0xffffffffffffffff, 0xfffffffffffffffe,
		0xffff0000ffff0000, 0x0000ffff0000ffff, 0x8000000000000000, 0xffff800000000000,
	}
	rng := rand.New(rand.NewSource(42))
	for k := 0; k < 2000; k++ {
		v := uint64(rng.Uint32())<<32 | uint64(rng.Uint32())
		// knock out random lanes so the sparse forms get exercised
		for lane := 0; lane < 4; lane++ {
			switch rng.Uint32() % 3 {
			case 0:
				v &^= 0xffff << (16 * lane)
			case 1:
				v |= 0xffff << (16 * lane)
			}
		}
		values = append(values, v)
	}

	for _, v := range values {
		ctx, rec := newTestCtx(DefaultConfig())
		ctx.movImm64(arm64.X10, v)
		require.Equal(t, v, evalMoves(t, rec.words), "value %#x", v)
		require.LessOrEqual(t, len(rec.words), 4, "value %#x", v)
		if v>>32 != 0 {
			best := lanes(v, 0)
			if inv := lanes(v, 0xffff); inv < best {
				best = inv
			}
			if best == 0 {
				best = 1
			}
			require.Equal(t, best, len(rec.words), "value %#x", v)
		}
	}
}

func TestMovImm32(t *testing.T) {
	cases := []struct {
		val   int32
		words int
	}{
		{0, 1},
		{1, 1},
		{-1, 1},
		{0x12345678, 2},
		{-0x10000, 1},
		{math.MinInt32, 2},
		{-0x12345678, 2},
		{0x7fff0000, 2},
	}
	for _, tc := range cases {
		ctx, rec := newTestCtx(DefaultConfig())
		ctx.movImm32(true, arm64.X10, tc.val)
		assert.Equal(t, uint64(int64(tc.val)), evalMoves(t, rec.words), "sign extended %d", tc.val)
		assert.Len(t, rec.words, tc.words, "%#x", tc.val)

		ctx, rec = newTestCtx(DefaultConfig())
		ctx.movImm32(false, arm64.X10, tc.val)
		assert.Equal(t, uint64(uint32(tc.val)), evalMoves(t, rec.words), "zero extended %d", tc.val)
	}
}

func TestMovAddr(t *testing.T) {
	for _, top := range []uint16{0x0000, 0xffff} {
		cfg := DefaultConfig()
		cfg.AddressTop = top
		for _, low := range []uint64{0, 1, 0xffff, 0x123456789abc, 0xffffffffffff} {
			addr := uint64(top)<<48 | low
			ctx, rec := newTestCtx(cfg)
			require.NoError(t, ctx.movAddr(arm64.X10, addr))
			assert.Len(t, rec.words, addrWords)
			assert.Equal(t, addr, evalMoves(t, rec.words), "addr %#x", addr)
		}
		ctx, rec := newTestCtx(cfg)
		err := ctx.movAddr(arm64.X10, uint64(top^0x8000)<<48)
		assert.ErrorIs(t, err, jiterrors.ErrEAddressOutOfRange)
		assert.Empty(t, rec.words)
	}
}

func TestRegisterMap(t *testing.T) {
	seen := map[arm64.Reg]Reg{}
	for r := R0; r < NumRegs; r++ {
		p := phys(r)
		if other, dup := seen[p]; dup {
			t.Fatalf("%s and %s both map to %s", other, r, p)
		}
		seen[p] = r
		assert.Equal(t, p, phys(r), "lookup is pure")
		assert.NotEqual(t, arm64.SP, p)
		assert.NotEqual(t, arm64.FP, p)
		assert.NotEqual(t, arm64.LR, p)
	}
	for k, r := range []Reg{R1, R2, R3, R4, R5} {
		assert.Equal(t, ArgRegs[k], phys(r))
	}
	for _, pair := range calleeSaved {
		for _, r := range pair {
			p := phys(r)
			assert.True(t, p >= arm64.X19 && p <= arm64.X28, "%s in %s is not callee-saved", r, p)
		}
	}
	assert.Equal(t, "tcc", TCC.String())
	assert.Equal(t, Reg(11), AX, "AX shares the bytecode register number")
}
