package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/telemetry"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func testdata(name string) string {
	return filepath.Join("testdata", name)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "bpfjit dev")
}

func TestCompile(t *testing.T) {
	t.Run("summary", func(t *testing.T) {
		out, err := execute(t, "compile", testdata("add.json"), testdata("loop.json"), testdata("call.json"))
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 3)
		assert.True(t, strings.HasPrefix(lines[0], "add "))
		assert.Contains(t, lines[2], "funcs=2")
	})

	t.Run("out", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "add.img")
		_, err := execute(t, "compile", "-o", path, testdata("add.json"))
		require.NoError(t, err)
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotEmpty(t, b)
		assert.Zero(t, len(b)%4)
	})

	t.Run("out needs one program", func(t *testing.T) {
		_, err := execute(t, "compile", "-o", filepath.Join(t.TempDir(), "x"), testdata("add.json"), testdata("loop.json"))
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, "compile", testdata("nope.json"))
		assert.Error(t, err)
	})
}

func dumpReport(t *testing.T, args ...string) report {
	t.Helper()
	out, err := execute(t, append([]string{"dump", "--json"}, args...)...)
	require.NoError(t, err)
	var r report
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	return r
}

func TestDump(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		r := dumpReport(t, testdata("add.json"))
		assert.Equal(t, "add", r.Name)
		require.Len(t, r.Funcs, 1)
		f := r.Funcs[0]
		assert.Equal(t, 3, f.Insns)
		assert.Len(t, f.Offsets, 4)
		assert.Len(t, f.Code, f.Words)
		assert.Empty(t, f.Extable)
	})

	t.Run("probe loads", func(t *testing.T) {
		p := program.New("probe", 0, program.Seq(
			program.ProbeLdxMem(program.SizeDW, program.R0, program.R1, 0),
			program.Exit(),
		))
		data, err := p.MarshalJSON()
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), "probe.json")
		require.NoError(t, os.WriteFile(path, data, 0o644))
		r := dumpReport(t, path)
		require.Len(t, r.Funcs, 1)
		assert.Len(t, r.Funcs[0].Extable, 1)
	})

	t.Run("functions", func(t *testing.T) {
		r := dumpReport(t, testdata("call.json"))
		require.Len(t, r.Funcs, 2)
		assert.Equal(t, 3, r.Funcs[0].Insns)
		assert.Equal(t, 3, r.Funcs[1].Insns)
	})

	t.Run("text", func(t *testing.T) {
		out, err := execute(t, "dump", testdata("loop.json"))
		require.NoError(t, err)
		assert.Contains(t, out, "func 0 loop")
		assert.Contains(t, out, "prologue:")
		assert.Contains(t, out, "epilogue:")
	})

	t.Run("tree", func(t *testing.T) {
		out, err := execute(t, "dump", "--tree", testdata("call.json"))
		require.NoError(t, err)
		assert.Contains(t, out, "call (2 funcs")
		assert.Contains(t, out, "func 1")
	})

	t.Run("listing", func(t *testing.T) {
		out, err := execute(t, "dump", "--listing", testdata("add.json"))
		require.NoError(t, err)
		assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 3)
	})
}

func TestConfigFlags(t *testing.T) {
	r := dumpReport(t, testdata("add.json"))
	assert.True(t, r.Config.HasLSE)
	assert.Equal(t, uint16(0), r.Config.AddressTop)

	r = dumpReport(t, "--no-lse", testdata("add.json"))
	assert.False(t, r.Config.HasLSE)

	r = dumpReport(t, "--config", testdata("lse_off.json"), testdata("add.json"))
	assert.False(t, r.Config.HasLSE)
	assert.Equal(t, uint16(0xffff), r.Config.AddressTop)
	assert.EqualValues(t, 32, r.Config.MaxTailCalls, "unset fields keep their defaults")

	r = dumpReport(t, "--config", testdata("lse_off.json"), "--address-top", "0x0", testdata("add.json"))
	assert.Equal(t, uint16(0), r.Config.AddressTop)
}

func TestRunInterp(t *testing.T) {
	for _, tc := range []struct {
		prog string
		args []string
		want string
	}{
		{"add.json", []string{"2", "3"}, "r0 = 0x5 (5)"},
		{"add.json", []string{"-1", "0"}, "r0 = 0xffffffffffffffff (-1)"},
		{"loop.json", []string{"4"}, "r0 = 0xa (10)"},
		{"call.json", []string{"5"}, "r0 = 0xb (11)"},
	} {
		t.Run(tc.prog, func(t *testing.T) {
			args := append([]string{"run", "--engine", "interp", testdata(tc.prog), "--"}, tc.args...)
			out, err := execute(t, args...)
			require.NoError(t, err)
			assert.Contains(t, out, tc.want)
		})
	}
}

func TestRunContext(t *testing.T) {
	out, err := execute(t, "run", "-e", "interp", "--ctx", "64", testdata("ctx.json"))
	require.NoError(t, err)
	assert.Contains(t, out, "r0 = 0x7 (7)")

	_, err = execute(t, "run", "-e", "interp", testdata("ctx.json"))
	assert.Error(t, err, "no context mapped at r1")

	_, err = execute(t, "run", "-e", "interp", "--ctx", "lots", testdata("ctx.json"))
	assert.Error(t, err)
}

func TestRunErrors(t *testing.T) {
	_, err := execute(t, "run", "-e", "interp", testdata("add.json"), "1", "2", "3", "4", "5", "6")
	assert.Error(t, err)
	_, err = execute(t, "run", "-e", "interp", testdata("add.json"), "one")
	assert.Error(t, err)
	_, err = execute(t, "run", "-e", "jvm", testdata("add.json"))
	assert.ErrorContains(t, err, "unknown engine")
}

func TestParseArgs(t *testing.T) {
	got, err := parseArgs([]string{"1", "0x10", "-1", "18446744073709551615"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 16, ^uint64(0), ^uint64(0)}, got)

	_, err = parseArgs([]string{"0xzz"})
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	html := filepath.Join(t.TempDir(), "stats.html")
	out, err := execute(t, "stats", "--opcodes", "--html", html,
		testdata("add.json"), testdata("loop.json"), testdata("call.json"))
	require.NoError(t, err)
	for _, name := range []string{"add", "loop", "call", "alu64_add_x", "wrote"} {
		assert.Contains(t, out, name)
	}
	info, err := os.Stat(html)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())
}

func TestStatsOrder(t *testing.T) {
	progs, err := loadPrograms([]string{testdata("loop.json"), testdata("add.json")})
	require.NoError(t, err)
	opt := &options{tel: telemetry.NewNoOpClient()}
	all := opt.collectStats(context.Background(), opt.compiler(defaultTestConfig()), progs)
	require.Len(t, all, 2)
	assert.Equal(t, "loop", all[0].prog.Name)
	assert.Equal(t, "add", all[1].prog.Name)
	assert.NoError(t, all[1].err)
	assert.Greater(t, all[1].ratio(), 1.0)
}

func TestDiff(t *testing.T) {
	out, err := execute(t, "diff", testdata("add.json"), testdata("add.json"))
	require.NoError(t, err)
	assert.Equal(t, "no differences\n", out)

	out, err = execute(t, "diff", testdata("add.json"), testdata("loop.json"))
	require.NoError(t, err)
	assert.NotContains(t, out, "no differences")
	assert.Contains(t, out, "loop")

	out, err = execute(t, "diff", "--right-config", testdata("lse_off.json"), testdata("add.json"))
	require.NoError(t, err)
	assert.Contains(t, out, "has_lse")

	_, err = execute(t, "diff", testdata("add.json"))
	assert.Error(t, err)
}

func TestCache(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "--cache-dir", dir, "compile", testdata("add.json"))
	require.NoError(t, err)
	assert.NotContains(t, out, "(cached)")

	out, err = execute(t, "--cache-dir", dir, "compile", testdata("add.json"), testdata("call.json"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "(cached)")
	assert.NotContains(t, lines[1], "(cached)", "programs with functions are not cached")

	out, err = execute(t, "--cache-dir", dir, "cache", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "1 images")
	key := strings.Fields(out)[0]
	require.Len(t, key, 16)

	out, err = execute(t, "--cache-dir", dir, "cache", "show", key)
	require.NoError(t, err)
	assert.Contains(t, out, "add: 3 insns")

	_, err = execute(t, "--cache-dir", dir, "cache", "show", "zz")
	assert.Error(t, err)

	out, err = execute(t, "--cache-dir", dir, "cache", "purge")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 1 images")

	out, err = execute(t, "--cache-dir", dir, "cache", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "0 images")
}

func TestAssemble(t *testing.T) {
	for _, tc := range []struct {
		line string
		want []program.Instruction
	}{
		{"exit", []program.Instruction{program.Exit()}},
		{"mov r0, 5", []program.Instruction{program.Mov64Imm(program.R0, 5)}},
		{"mov32 r0, r1", []program.Instruction{program.Mov32Reg(program.R0, program.R1)}},
		{"add r3, -1", []program.Instruction{program.ALU64Imm(program.OpADD, program.R3, -1)}},
		{"xor32 r2, 0xffffffff", []program.Instruction{program.ALU32Imm(program.OpXOR, program.R2, -1)}},
		{"neg r4", []program.Instruction{program.Neg64(program.R4)}},
		{"lddw r1, 0x1122334455667788", program.LdImm64(program.R1, 0x1122334455667788)},
		{"ja +3", []program.Instruction{program.Ja(3)}},
		{"jeq r1, 0, +2", []program.Instruction{program.JmpImm(program.OpJEQ, program.R1, 0, 2)}},
		{"jsgt32 r1, r2, -4", []program.Instruction{program.Jmp32Reg(program.OpJSGT, program.R1, program.R2, -4)}},
		{"call 6", []program.Instruction{program.Call(6)}},
		{"tail_call", []program.Instruction{program.TailCall()}},
		{"9500000000000000", []program.Instruction{program.Exit()}},
	} {
		t.Run(tc.line, func(t *testing.T) {
			got, err := assemble(tc.line)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("assemble(%q) mismatch (-want +got):\n%s", tc.line, diff)
			}
		})
	}

	for _, line := range []string{"mov r11, 1", "mov r0", "add r0, 0x1ffffffff", "jeq r1, 0", "ja far", "frob r0", "exit r0"} {
		t.Run("bad "+line, func(t *testing.T) {
			_, err := assemble(line)
			assert.Error(t, err)
		})
	}
}

func TestSession(t *testing.T) {
	opt := &options{tel: telemetry.NewNoOpClient()}
	s := newSession(opt, defaultTestConfig())
	ctx := context.Background()
	var out bytes.Buffer
	run := func(line string) {
		t.Helper()
		require.NoError(t, s.exec(ctx, &out, line))
	}

	run("mov r0, r1 ; copy the argument")
	run("add r0, 1")
	run("exit")
	require.Len(t, s.insns, 3)

	out.Reset()
	run(".run 41")
	assert.Equal(t, "r0 = 0x2a (42)\n", out.String())

	out.Reset()
	run(".compile")
	assert.Contains(t, out.String(), "func 0 repl")

	run(".undo")
	run(".undo")
	run("lddw r0, 0x100000000")
	run(".undo")
	assert.Len(t, s.insns, 1, "undo drops both slots of a wide load")

	path := filepath.Join(t.TempDir(), "prog.json")
	run(".reset")
	run("mov r0, 9")
	run("exit")
	run(".save " + path)
	run(".reset")
	assert.Empty(t, s.insns)
	run(".load " + path)
	require.Len(t, s.insns, 2)
	out.Reset()
	run(".run")
	assert.Equal(t, "r0 = 0x9 (9)\n", out.String())

	out.Reset()
	run(".list")
	assert.Contains(t, out.String(), "exit")

	assert.Error(t, s.exec(ctx, &out, ".engine jvm"))
	assert.Error(t, s.exec(ctx, &out, ".stack 4096"))
	assert.Error(t, s.exec(ctx, &out, ".frob"))
	assert.Error(t, s.exec(ctx, &out, "frob"))
	assert.ErrorIs(t, s.exec(ctx, &out, ".quit"), errQuit)
}
