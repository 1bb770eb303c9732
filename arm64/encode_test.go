package arm64

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func must(w uint32, ok bool) uint32 {
	if !ok {
		panic("operand not encodable")
	}
	return w
}

func TestEncodings(t *testing.T) {
	cases := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"stp x29, x30, [sp, #-16]!", PUSH(FP, LR, SP), 0xA9BF7BFD},
		{"ldp x29, x30, [sp], #16", POP(FP, LR, SP), 0xA8C17BFD},
		{"ret", RET(), 0xD65F03C0},
		{"nop", NOP, 0xD503201F},
		{"brk #0x100", BRK(0x100), 0xD4202000},
		{"mov x29, sp", MOV(true, FP, SP), 0x910003FD},
		{"movz x0, #1", MOVZ(true, X0, 1, 0), 0xD2800020},
		{"movn x0, #0", MOVN(true, X0, 0, 0), 0x92800000},
		{"movk x0, #0x1234, lsl #16", MOVK(true, X0, 0x1234, 16), 0xF2A24680},
		{"add x0, x1, x2", ADD(true, X0, X1, X2), 0x8B020020},
		{"sub w0, w1, w2", SUB(false, X0, X1, X2), 0x4B020020},
		{"cmp x1, x2", CMP(true, X1, X2), 0xEB02003F},
		{"add sp, sp, #16", must(ADDImm(true, SP, SP, 16)), 0x910043FF},
		{"sub sp, sp, #16", must(SUBImm(true, SP, SP, 16)), 0xD10043FF},
		{"add x0, x0, #1, lsl #12", must(ADDImm(true, X0, X0, 0x1000)), 0x91400400},
		{"udiv x0, x1, x2", UDIV(true, X0, X1, X2), 0x9AC20820},
		{"mul x0, x1, x2", MUL(true, X0, X1, X2), 0x9B027C20},
		{"msub x0, x1, x2, x3", MSUB(true, X0, X1, X2, X3), 0x9B028C20},
		{"lsl x0, x1, #3", must(LSLImm(true, X0, X1, 3)), 0xD37DF020},
		{"lsr x0, x1, #4", must(LSRImm(true, X0, X1, 4)), 0xD344FC20},
		{"asr w0, w1, #4", must(ASRImm(false, X0, X1, 4)), 0x13047C20},
		{"uxth w0, w0", UXTH(false, X0, X0), 0x53003C00},
		{"rev x0, x1", REV64(X0, X1), 0xDAC00C20},
		{"rev16 w0, w0", REV16(false, X0, X0), 0x5AC00400},
		{"b #-4", B(-1), 0x17FFFFFF},
		{"b.eq #8", BCond(CondEQ, 2), 0x54000040},
		{"cbnz w12, #-12", CBNZ(false, X12, -3), 0x35FFFFAC},
		{"blr x10", BLR(X10), 0xD63F0140},
		{"br x10", BR(X10), 0xD61F0140},
		{"ldr x0, [x1, x2]", LDR(Size64, X0, X1, X2), 0xF8626820},
		{"strb w0, [x1, x2]", STR(Size8, X0, X1, X2), 0x38226820},
		{"ldxr x11, [x10]", LDXR(true, X11, X10), 0xC85F7D4B},
		{"stxr w12, x11, [x10]", STXR(true, X12, X11, X10), 0xC80C7D4B},
		{"stadd x11, [x10]", STADD(true, X11, X10), 0xF82B015F},
		{"and x0, x0, #0xff", must(ANDImm(true, X0, X0, 0xff)), 0x92401C00},
		{"orr w0, w0, #1", must(ORRImm(false, X0, X0, 1)), 0x32000000},
		{"eor x0, x0, #0x5555555555555555", must(EORImm(true, X0, X0, 0x5555555555555555)), 0xD200F000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, fmt.Sprintf("%08x", tc.want), fmt.Sprintf("%08x", tc.got))
		})
	}
}

func TestMnemonics(t *testing.T) {
	cases := map[string]uint32{
		"add":  ADD(true, X0, X1, X2),
		"udiv": UDIV(true, X0, X1, X2),
		"ldr":  LDR(Size64, X0, X1, X2),
		"stp":  PUSH(FP, LR, SP),
		"ret":  RET(),
		"blr":  BLR(X10),
	}
	for prefix, w := range cases {
		assert.True(t, strings.HasPrefix(Mnemonic(w), prefix), "%08x decodes to %q", w, Mnemonic(w))
	}
}

func TestUnencodableImmediates(t *testing.T) {
	_, ok := ADDImm(true, X0, X0, 0x1001)
	assert.False(t, ok)
	_, ok = ADDImm(true, X0, X0, -1)
	assert.False(t, ok)
	_, ok = ANDImm(true, X0, X0, 0)
	assert.False(t, ok)
	_, ok = ANDImm(true, X0, X0, ^uint64(0))
	assert.False(t, ok)
	_, ok = ANDImm(false, X0, X0, 0xffffffff)
	assert.False(t, ok)
	_, ok = ANDImm(true, X0, X0, 5)
	assert.False(t, ok)
	_, ok = LSLImm(false, X0, X0, 32)
	assert.False(t, ok)
	_, ok = LSRImm(true, X0, X0, 63)
	assert.True(t, ok)
}

func TestBitmaskRoundTrip(t *testing.T) {
	for _, regSize := range []uint{32, 64} {
		count := 0
		for n := uint32(0); n < 2; n++ {
			for immr := uint32(0); immr < 64; immr++ {
				for imms := uint32(0); imms < 64; imms++ {
					v, ok := DecodeBitmask(n, immr, imms, regSize)
					if !ok {
						continue
					}
					count++
					en, er, es, ok := EncodeBitmask(v, regSize)
					require.True(t, ok, "value %#x size %d", v, regSize)
					back, ok := DecodeBitmask(en, er, es, regSize)
					require.True(t, ok)
					require.Equal(t, v, back, "n=%d immr=%d imms=%d", n, immr, imms)
				}
			}
		}
		assert.NotZero(t, count)
	}
}

func TestBranchRanges(t *testing.T) {
	assert.True(t, FitsImm26(1<<25-1))
	assert.False(t, FitsImm26(1<<25))
	assert.True(t, FitsImm26(-(1 << 25)))
	assert.True(t, FitsImm19(-(1 << 18)))
	assert.False(t, FitsImm19(1<<18))
}

func TestDisassemble(t *testing.T) {
	code := make([]byte, 8)
	PutWord(code, 0, NOP)
	PutWord(code, 1, RET())
	out := Disassemble(code)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "0x0000: d503201f  nop"))
	assert.True(t, strings.HasPrefix(lines[1], "0x0004: d65f03c0  ret"))
	assert.Equal(t, RET(), Word(code, 1))
}
