package program

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireFormat(t *testing.T) {
	// r1 = *(u32 *)(r2 - 4)
	insn := LdxMem(SizeW, R1, R2, -4)
	b, err := insn.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, "6121fcff00000000", hex.EncodeToString(b))

	var back Instruction
	require.NoError(t, back.UnmarshalBinary(b))
	assert.Equal(t, insn, back)
}

func TestDecodeRejectsPartialRecord(t *testing.T) {
	_, err := Decode(make([]byte, 12))
	assert.Error(t, err)
}

func TestDecodeEncode(t *testing.T) {
	insns := Seq(
		LdImm64(R0, 0x1122334455667788),
		ALU64Imm(OpADD, R0, -1),
		JmpReg(OpJSGT, R1, R2, 1),
		AtomicAdd(SizeDW, R10, R1, -8),
		Exit(),
	)
	got, err := Decode(Encode(insns))
	require.NoError(t, err)
	if diff := cmp.Diff(insns, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestOpcodeNames(t *testing.T) {
	cases := map[string]uint8{
		"alu64_add_x":      ALU64Reg(OpADD, R0, R1).Code,
		"alu_mov_k":        Mov32Imm(R0, 1).Code,
		"alu_end_be":       Endian(ToBE, R0, 16).Code,
		"alu64_neg":        Neg64(R0).Code,
		"jmp32_jle_k":      Jmp32Imm(OpJLE, R0, 1, 0).Code,
		"jmp_exit":         Exit().Code,
		"jmp_tail_call":    TailCall().Code,
		"ld_imm64":         LdImm64Code,
		"ldx_probe_mem_dw": ProbeLdxMem(SizeDW, R0, R1, 0).Code,
		"st_nospec":        NoSpecCode,
		"stx_atomic_w":     AtomicAdd(SizeW, R1, R2, 0).Code,
		"st_mem_h":         StMem(SizeH, R1, 0, 1).Code,
	}
	for want, code := range cases {
		assert.Equal(t, want, OpcodeName(code), "code %#02x", code)
	}
}

func TestListing(t *testing.T) {
	p := New("t", 0, Seq(
		LdImm64(R1, 0x100000000),
		Mov32Reg(R0, R1),
		JmpImm(OpJGT, R0, 3, 1),
		ProbeLdxMem(SizeB, R2, R1, 2),
		Exit(),
	))
	want := "" +
		"   0: (18) r1 = 0x100000000 ll\n" +
		"   2: (bc) w0 = w1\n" +
		"   3: (25) if r0 > 0x3 goto +1\n" +
		"   4: (31) r2 = *(u8 *)(r1 +2) probe\n" +
		"   5: (95) exit\n"
	assert.Equal(t, want, p.Listing())
	assert.Equal(t, 1, p.ProbeLoads)
}

func TestCheckStructure(t *testing.T) {
	p := New("trunc", 0, []Instruction{{Code: LdImm64Code}})
	assert.Error(t, p.CheckStructure())

	p = New("empty", 0, nil)
	assert.Error(t, p.CheckStructure())

	p = New("deep", MaxStackDepth+8, []Instruction{Exit()})
	assert.Error(t, p.CheckStructure())

	p = New("negative count", 0, []Instruction{Exit()})
	p.ProbeLoads = -4
	assert.ErrorIs(t, p.CheckStructure(), ErrProbeCount)

	p = New("ok", 16, Seq(LdImm64(R0, 1), Exit()))
	assert.NoError(t, p.CheckStructure())
}

func TestAnalyze(t *testing.T) {
	p := New("stats", 0, Seq(
		Mov64Imm(R0, 0),               // 0
		JmpImm(OpJEQ, R1, 0, 2),       // 1
		ProbeLdxMem(SizeW, R0, R1, 0), // 2
		Call(5),                       // 3
		TailCall(),                    // 4
		LdImm64(R2, 7),                // 5,6
		Exit(),                        // 7
	))
	s := p.Analyze()
	assert.Equal(t, 7, s.InstructionCount)
	assert.Equal(t, 8, s.SlotCount)
	assert.Equal(t, 1, s.BranchCount)
	assert.Equal(t, 1, s.CallCount)
	assert.Equal(t, 1, s.TailCallCount)
	assert.Equal(t, 1, s.ProbeLoadCount)
	// leaders: 0, 2 (fallthrough), 4 (target)
	assert.Equal(t, 3, s.BasicBlockCount)
	assert.Len(t, s.SortedOpcodes(), 7)
}

func TestSplit(t *testing.T) {
	p := New("multi", 16, Seq(
		Mov64Imm(R1, 3),        // 0
		CallRel(2),             // 1 -> 4
		Exit(),                 // 2
		Exit(),                 // 3 unreachable, stays in func 0
		ALU64Imm(OpADD, R1, 1), // 4
		Mov64Reg(R0, R1),       // 5
		Exit(),                 // 6
	))
	funcs, err := Split(p)
	require.NoError(t, err)
	require.Len(t, funcs, 2)
	assert.Len(t, funcs[0].Insns, 4)
	assert.Len(t, funcs[1].Insns, 3)
	assert.Equal(t, int32(1), funcs[0].Insns[1].Imm)
	assert.True(t, funcs[0].IsFunc)
	assert.Equal(t, uint32(16), funcs[1].StackDepth)

	single := New("single", 0, []Instruction{Exit()})
	funcs, err = Split(single)
	require.NoError(t, err)
	assert.Same(t, single, funcs[0])

	bad := New("bad", 0, Seq(CallRel(10), Exit()))
	_, err = Split(bad)
	assert.Error(t, err)
}

func TestJSONFile(t *testing.T) {
	src := `{
	  "name": "mixed",
	  "stack_depth": 8,
	  "insns": [
	    "b700000001000000",
	    {"code": 149}
	  ]
	}`
	p, err := ParseJSON([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, Mov64Imm(R0, 1), p.Insns[0])
	assert.Equal(t, Exit(), p.Insns[1])
	assert.Equal(t, 0, p.ProbeLoads)

	out, err := p.MarshalJSON()
	require.NoError(t, err)
	again, err := ParseJSON(out)
	require.NoError(t, err)
	if diff := cmp.Diff(p, again); diff != "" {
		t.Fatalf("json round trip (-want +got):\n%s", diff)
	}

	dir := t.TempDir()
	bin := filepath.Join(dir, "prog.bin")
	require.NoError(t, os.WriteFile(bin, p.Bytes(), 0o644))
	loaded, err := Load(bin)
	require.NoError(t, err)
	assert.Equal(t, "prog", loaded.Name)
	assert.Equal(t, p.Insns, loaded.Insns)
}
