package jit

import (
	"testing"

	"github.com/colorfulnotion/bpfjit/arm64"
	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/stretchr/testify/require"
)

// recorder is an emitting-mode output that keeps every word in order.
type recorder struct {
	words []uint32
}

func (r *recorder) put(idx int, w uint32) { r.words = append(r.words, w) }
func (r *recorder) emitting() bool        { return true }

func newTestCtx(cfg Config) (*compileCtx, *recorder) {
	rec := &recorder{}
	ctx := newCompileCtx(&cfg, program.New("t", 0, []program.Instruction{program.Exit()}), HelperTable{})
	ctx.out = rec
	return ctx, rec
}

// evalMoves runs a MOVZ/MOVN/MOVK sequence targeting one register.
func evalMoves(t *testing.T, words []uint32) uint64 {
	t.Helper()
	var x uint64
	for _, w := range words {
		require.Equal(t, uint32(0x25), (w>>23)&0x3f, "not a move wide: %#08x", w)
		shift := uint((w>>21)&3) * 16
		imm := uint64((w >> 5) & 0xffff)
		switch (w >> 29) & 3 {
		case 0:
			x = ^(imm << shift)
		case 2:
			x = imm << shift
		case 3:
			x = x&^(0xffff<<shift) | imm<<shift
		default:
			t.Fatalf("reserved move wide opc in %#08x", w)
		}
		if w>>31 == 0 {
			x &= 0xffffffff
		}
	}
	return x
}

// condDisp extracts the signed imm19 of B.cond, CBZ or CBNZ.
func condDisp(w uint32) int {
	return int(int32((w>>5)&0x7ffff<<13) >> 13)
}

// wordsOf returns the code of img as words.
func wordsOf(img *Image) []uint32 {
	code := img.Code()
	out := make([]uint32, len(code)/4)
	for k := range out {
		out[k] = arm64.Word(code, k)
	}
	return out
}

func indexOf(words []uint32, match func(uint32) bool) int {
	for k, w := range words {
		if match(w) {
			return k
		}
	}
	return -1
}

const (
	maskBCond = 0xff000010
	opBCond   = 0x54000000
)

func isBCond(w uint32) bool {
	return w&maskBCond == opBCond
}
