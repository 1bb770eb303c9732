package blinding

import (
	"testing"

	"github.com/colorfulnotion/bpfjit/bpf/interp"
	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = 0x5eedf00d

func sample() *program.Program {
	return program.New("sample", 16, program.Seq(
		program.Mov64Imm(0, 0),                         // 0
		program.JmpImm(program.OpJEQ, 1, secret, 3),    // 1 -> 5
		program.ALU64Imm(program.OpADD, 0, secret),     // 2
		program.ALU32Imm(program.OpXOR, 0, -7),         // 3
		program.Ja(3),                                  // 4 -> 8
		program.LdImm64(2, 0x1122334455667788),         // 5,6
		program.ALU64Reg(program.OpADD, 0, 2),          // 7
		program.StMem(program.SizeDW, 10, -8, secret),  // 8
		program.LdxMem(program.SizeDW, 3, 10, -8),      // 9
		program.ALU64Reg(program.OpADD, 0, 3),          // 10
		program.Jmp32Imm(program.OpJSLT, 0, -1, 1),     // 11 -> 13
		program.ALU64Imm(program.OpMUL, 0, 3),          // 12
		program.Exit(),                                 // 13
	))
}

func TestBlindPreservesResults(t *testing.T) {
	p := sample()
	blinded, err := New(1).Blind(p)
	require.NoError(t, err)
	assert.Greater(t, len(blinded.Insns), len(p.Insns))
	assert.Len(t, p.Insns, 14, "input must not be modified")

	for _, arg := range []uint64{0, secret, 1, ^uint64(0)} {
		want, err := interp.NewVM(nil).Run(p, arg)
		require.NoError(t, err)
		got, err := interp.NewVM(nil).Run(blinded, arg)
		require.NoError(t, err)
		assert.Equal(t, want, got, "r1=%#x", arg)
	}
}

func TestBlindHidesConstants(t *testing.T) {
	blinded, err := New(7).Blind(sample())
	require.NoError(t, err)
	for i, insn := range blinded.Insns {
		if insn.Dst == program.AX || insn.Code == 0 {
			continue
		}
		assert.NotEqual(t, int32(secret), insn.Imm, "insn %d %s", i, insn)
		assert.NotEqual(t, uint8(program.ClassST), insn.Class(), "insn %d still stores an immediate", i)
	}
}

func TestBlindZeroMove(t *testing.T) {
	p := program.New("zero", 0, program.Seq(program.Mov32Imm(0, 0), program.Exit()))
	blinded, err := New(1).Blind(p)
	require.NoError(t, err)
	assert.Equal(t, program.ALU64Reg(program.OpXOR, 0, 0), blinded.Insns[0])
	assert.Len(t, blinded.Insns, 2)
}

func TestBlindLeavesRegisterForms(t *testing.T) {
	p := program.New("regs", 0, program.Seq(
		program.Mov64Reg(0, 1),
		program.JmpReg(program.OpJGT, 0, 2, 0),
		program.Exit(),
	))
	blinded, err := New(1).Blind(p)
	require.NoError(t, err)
	assert.Equal(t, p.Insns, blinded.Insns)
}

func TestBlindRetargetsPseudoCalls(t *testing.T) {
	p := program.New("calls", 0, program.Seq(
		program.Mov64Imm(1, 20),
		program.CallRel(1),
		program.Exit(),
		program.ALU64Imm(program.OpADD, 1, 22),
		program.Mov64Reg(0, 1),
		program.Exit(),
	))
	blinded, err := New(3).Blind(p)
	require.NoError(t, err)
	got, err := interp.NewVM(nil).Run(blinded)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got)
}

func TestBlindDeterministicPerSeed(t *testing.T) {
	a, err := New(9).Blind(sample())
	require.NoError(t, err)
	b, err := New(9).Blind(sample())
	require.NoError(t, err)
	assert.Equal(t, a.Insns, b.Insns)

	c, err := New(10).Blind(sample())
	require.NoError(t, err)
	assert.NotEqual(t, a.Insns, c.Insns)
}
