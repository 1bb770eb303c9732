package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/jit"
	"github.com/spf13/cobra"
)

const replHelp = `instructions:
  mov|add|sub|mul|div|mod|or|and|xor|lsh|rsh|arsh[32] rD, rS|imm
  neg[32] rD          lddw rD, imm64
  ja +off             jeq|jne|jgt|jge|jlt|jle|jsgt|jsge|jslt|jsle|jset[32] rD, rS|imm, +off
  call id             tail_call            exit
  <16 hex digits>     one raw instruction record
commands:
  .list  .compile  .run [args]  .engine sandbox|interp|native
  .stack N  .load FILE  .save FILE  .undo  .reset  .help  .quit
`

var aluOps = map[string]uint8{
	"add": program.OpADD, "sub": program.OpSUB, "mul": program.OpMUL, "div": program.OpDIV,
	"or": program.OpOR, "and": program.OpAND, "lsh": program.OpLSH, "rsh": program.OpRSH,
	"mod": program.OpMOD, "xor": program.OpXOR, "mov": program.OpMOV, "arsh": program.OpARSH,
}

var jmpOps = map[string]uint8{
	"jeq": program.OpJEQ, "jne": program.OpJNE, "jgt": program.OpJGT, "jge": program.OpJGE,
	"jlt": program.OpJLT, "jle": program.OpJLE, "jsgt": program.OpJSGT, "jsge": program.OpJSGE,
	"jslt": program.OpJSLT, "jsle": program.OpJSLE, "jset": program.OpJSET,
}

var errQuit = errors.New("quit")

// session is the state of one REPL: a program under construction.
type session struct {
	opt    *options
	cfg    jit.Config
	name   string
	stack  uint32
	insns  []program.Instruction
	engine string
}

func newSession(opt *options, cfg jit.Config) *session {
	return &session{opt: opt, cfg: cfg, name: "repl", stack: program.MaxStackDepth, engine: engineInterp}
}

func (s *session) program() *program.Program {
	return program.New(s.name, s.stack, append([]program.Instruction(nil), s.insns...))
}

func parseReg(tok string) (uint8, error) {
	if !strings.HasPrefix(tok, "r") {
		return 0, fmt.Errorf("register expected, got %q", tok)
	}
	n, err := strconv.ParseUint(tok[1:], 10, 8)
	if err != nil || n > program.R10 {
		return 0, fmt.Errorf("bad register %q", tok)
	}
	return uint8(n), nil
}

func parseImm(tok string) (int64, error) {
	if v, err := strconv.ParseInt(tok, 0, 64); err == nil {
		return v, nil
	}
	v, err := strconv.ParseUint(tok, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad immediate %q", tok)
	}
	return int64(v), nil
}

func parseImm32(tok string) (int32, error) {
	v, err := parseImm(tok)
	if err != nil {
		return 0, err
	}
	if v < -1<<31 || v > 1<<32-1 {
		return 0, fmt.Errorf("immediate %q does not fit 32 bits", tok)
	}
	return int32(v), nil
}

func parseOff(tok string) (int16, error) {
	v, err := strconv.ParseInt(strings.TrimPrefix(tok, "+"), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("bad offset %q", tok)
	}
	return int16(v), nil
}

// assemble turns one line into instruction slots.
func assemble(line string) ([]program.Instruction, error) {
	tok := strings.FieldsFunc(line, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' })
	if len(tok) == 0 {
		return nil, nil
	}
	mnem := strings.ToLower(tok[0])
	if len(tok) == 1 && len(mnem) == 2*program.InsnSize {
		if b, err := hex.DecodeString(mnem); err == nil {
			var insn program.Instruction
			if err := insn.UnmarshalBinary(b); err != nil {
				return nil, err
			}
			return []program.Instruction{insn}, nil
		}
	}
	want := func(n int) error {
		if len(tok) != n+1 {
			return fmt.Errorf("%s takes %d operands", mnem, n)
		}
		return nil
	}

	base, is32 := strings.CutSuffix(mnem, "32")
	switch {
	case mnem == "exit":
		return []program.Instruction{program.Exit()}, want(0)
	case mnem == "tail_call":
		return []program.Instruction{program.TailCall()}, want(0)
	case mnem == "call":
		if err := want(1); err != nil {
			return nil, err
		}
		id, err := parseImm32(tok[1])
		return []program.Instruction{program.Call(id)}, err
	case mnem == "ja":
		if err := want(1); err != nil {
			return nil, err
		}
		off, err := parseOff(tok[1])
		return []program.Instruction{program.Ja(off)}, err
	case mnem == "lddw":
		if err := want(2); err != nil {
			return nil, err
		}
		dst, err := parseReg(tok[1])
		if err != nil {
			return nil, err
		}
		v, err := parseImm(tok[2])
		return program.LdImm64(dst, uint64(v)), err
	case base == "neg":
		if err := want(1); err != nil {
			return nil, err
		}
		dst, err := parseReg(tok[1])
		if is32 {
			return []program.Instruction{program.Neg32(dst)}, err
		}
		return []program.Instruction{program.Neg64(dst)}, err
	}

	if op, ok := aluOps[base]; ok {
		if err := want(2); err != nil {
			return nil, err
		}
		dst, err := parseReg(tok[1])
		if err != nil {
			return nil, err
		}
		if src, err := parseReg(tok[2]); err == nil {
			if is32 {
				return []program.Instruction{program.ALU32Reg(op, dst, src)}, nil
			}
			return []program.Instruction{program.ALU64Reg(op, dst, src)}, nil
		}
		imm, err := parseImm32(tok[2])
		if err != nil {
			return nil, err
		}
		if is32 {
			return []program.Instruction{program.ALU32Imm(op, dst, imm)}, nil
		}
		return []program.Instruction{program.ALU64Imm(op, dst, imm)}, nil
	}

	if op, ok := jmpOps[base]; ok {
		if err := want(3); err != nil {
			return nil, err
		}
		dst, err := parseReg(tok[1])
		if err != nil {
			return nil, err
		}
		off, err := parseOff(tok[3])
		if err != nil {
			return nil, err
		}
		if src, err := parseReg(tok[2]); err == nil {
			if is32 {
				return []program.Instruction{program.Jmp32Reg(op, dst, src, off)}, nil
			}
			return []program.Instruction{program.JmpReg(op, dst, src, off)}, nil
		}
		imm, err := parseImm32(tok[2])
		if err != nil {
			return nil, err
		}
		if is32 {
			return []program.Instruction{program.Jmp32Imm(op, dst, imm, off)}, nil
		}
		return []program.Instruction{program.JmpImm(op, dst, imm, off)}, nil
	}
	return nil, fmt.Errorf("unknown instruction %q", tok[0])
}

// exec handles one line. It returns errQuit on .quit.
func (s *session) exec(ctx context.Context, w io.Writer, line string) error {
	line = strings.TrimSpace(line)
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, ".") {
		insns, err := assemble(line)
		if err != nil {
			return err
		}
		s.insns = append(s.insns, insns...)
		return nil
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case ".quit", ".exit":
		return errQuit
	case ".help":
		fmt.Fprint(w, replHelp)
	case ".reset":
		s.insns = nil
	case ".undo":
		if n := len(s.insns); n > 0 {
			drop := 1
			if n >= 2 && s.insns[n-2].IsWide() {
				drop = 2
			}
			s.insns = s.insns[:n-drop]
		}
	case ".list":
		fmt.Fprint(w, s.program().Listing())
	case ".stack":
		if len(args) != 1 {
			return fmt.Errorf(".stack takes one size")
		}
		n, err := strconv.ParseUint(args[0], 0, 32)
		if err != nil || n > program.MaxStackDepth {
			return fmt.Errorf("bad stack size %q", args[0])
		}
		s.stack = uint32(n)
	case ".engine":
		if len(args) != 1 {
			return fmt.Errorf(".engine takes one name")
		}
		switch args[0] {
		case engineSandbox, engineInterp, engineNative:
			s.engine = args[0]
		default:
			return fmt.Errorf("unknown engine %q", args[0])
		}
	case ".compile":
		c, err := s.opt.compileProgram(ctx, s.opt.compiler(s.cfg), nil, s.program())
		if err != nil {
			return err
		}
		for k, img := range c.imgs {
			dumpImage(w, k, img)
		}
	case ".run":
		vals, err := parseArgs(args)
		if err != nil {
			return err
		}
		r0, err := s.opt.run(ctx, s.engine, s.cfg, &runRequest{prog: s.program(), args: vals})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "r0 = %#x (%d)\n", r0, int64(r0))
	case ".load":
		if len(args) != 1 {
			return fmt.Errorf(".load takes one file")
		}
		p, err := program.Load(args[0])
		if err != nil {
			return err
		}
		s.name, s.stack, s.insns = p.Name, p.StackDepth, p.Insns
		fmt.Fprintf(w, "loaded %s: %d slots\n", p.Name, p.Len())
	case ".save":
		if len(args) != 1 {
			return fmt.Errorf(".save takes one file")
		}
		p := s.program()
		var data []byte
		if strings.EqualFold(filepath.Ext(args[0]), ".json") {
			var err error
			if data, err = p.MarshalJSON(); err != nil {
				return err
			}
		} else {
			data = p.Bytes()
		}
		if err := os.WriteFile(args[0], data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(w, "saved %d slots to %s\n", p.Len(), args[0])
	default:
		return fmt.Errorf("unknown command %s (try .help)", cmd)
	}
	return nil
}

func newReplCmd(opt *options) *cobra.Command {
	var history string
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Assemble, compile and run programs interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opt.config(cmd)
			if err != nil {
				return err
			}
			rl, err := readline.NewEx(&readline.Config{
				Prompt:      "bpf> ",
				HistoryFile: history,
				Stdout:      cmd.OutOrStdout(),
			})
			if err != nil {
				return fmt.Errorf("start readline: %w", err)
			}
			defer rl.Close()

			s := newSession(opt, cfg)
			w := rl.Stdout()
			fmt.Fprintln(w, "bpfjit repl; .help lists commands")
			for {
				line, err := rl.Readline()
				if err != nil {
					return nil
				}
				switch err := s.exec(cmd.Context(), w, line); {
				case errors.Is(err, errQuit):
					return nil
				case err != nil:
					fmt.Fprintln(w, "error:", err)
				}
			}
		},
	}
	cmd.Flags().StringVar(&history, "history", filepath.Join(os.TempDir(), "bpfjit_history.txt"), "readline history file")
	return cmd
}
