package execmem

import (
	"runtime"
	"testing"

	"github.com/colorfulnotion/bpfjit/bpf/interp"
	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/jit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostConfig(t *testing.T) {
	cfg := HostConfig()
	if runtime.GOARCH != "arm64" {
		assert.False(t, cfg.HasLSE)
	}
	assert.Equal(t, jit.DefaultConfig().TailCall, cfg.TailCall)
}

func TestCallRejectsHeapImages(t *testing.T) {
	img, err := jit.New(jit.DefaultConfig()).Compile(program.New("heap", 0, program.Seq(program.Exit())))
	require.NoError(t, err)
	_, err = Call(img)
	assert.Error(t, err)
}

func TestNativeRoundTrip(t *testing.T) {
	if runtime.GOOS != "linux" || runtime.GOARCH != "arm64" {
		t.Skip("native execution needs linux/arm64")
	}
	progs := []*program.Program{
		program.New("arith", 0, program.Seq(
			program.Mov64Reg(program.R0, program.R1),
			program.ALU64Imm(program.OpMUL, program.R0, 3),
			program.ALU64Reg(program.OpADD, program.R0, program.R2),
			program.ALU32Imm(program.OpRSH, program.R0, 1),
			program.Exit(),
		)),
		program.New("loop", 16, program.Seq(
			program.ALU64Imm(program.OpAND, program.R1, 0x3f),
			program.StMem(program.SizeDW, program.R10, -8, 0),
			program.JmpImm(program.OpJEQ, program.R1, 0, 3),
			program.AtomicAdd(program.SizeDW, program.R10, program.R1, -8),
			program.ALU64Imm(program.OpSUB, program.R1, 1),
			program.Ja(-4),
			program.LdxMem(program.SizeDW, program.R0, program.R10, -8),
			program.Exit(),
		)),
	}
	c := NewCompiler(HostConfig())
	for _, p := range progs {
		t.Run(p.Name, func(t *testing.T) {
			img, err := c.Compile(p)
			require.NoError(t, err)
			defer c.Free(img)
			for _, args := range [][]uint64{{0, 0}, {5, 7}, {1 << 40, 3}, {^uint64(0), 1}} {
				want, err := interp.NewVM(nil).Run(p, args...)
				require.NoError(t, err)
				got, err := Call(img, args...)
				require.NoError(t, err)
				assert.Equal(t, want, got, "args %#x", args)
			}
		})
	}
}
