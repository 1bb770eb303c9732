// Package blinding hides program-supplied constants from the emitted code.
// Every blindable immediate is split into imm^rnd and rnd, recombined at run
// time in the hidden AX register.
package blinding

import (
	"fmt"
	"math"
	"sync"

	"golang.org/x/exp/rand"

	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/log"
)

const ax = program.AX

// Blinder rewrites programs with fresh random keys. It is safe for concurrent use.
type Blinder struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// New seeds a Blinder. Tests pass a fixed seed to get reproducible output.
func New(seed uint64) *Blinder {
	return &Blinder{rnd: rand.New(rand.NewSource(seed))}
}

func (b *Blinder) key() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int32(b.rnd.Uint32())
}

// Blind returns a rewritten copy of p. Branch and pseudo call offsets are
// retargeted to the rewritten layout; p itself is not modified. Pseudo calls
// of a split function already name a function index and are left alone.
func (b *Blinder) Blind(p *program.Program) (*program.Program, error) {
	n := len(p.Insns)
	groups := make([][]program.Instruction, n)
	for i := 0; i < n; i++ {
		insn := p.Insns[i]
		if insn.IsWide() && i+1 < n {
			hi, lo := b.blindWide(insn, p.Insns[i+1])
			groups[i], groups[i+1] = hi, lo
			i++
			continue
		}
		groups[i] = b.blindOne(insn)
	}

	start := make([]int, n+1)
	for i := 0; i < n; i++ {
		start[i+1] = start[i] + len(groups[i])
	}

	out := make([]program.Instruction, 0, start[n])
	for i := 0; i < n; i++ {
		g := groups[i]
		last := len(g) - 1
		insn := g[last]
		old := p.Insns[i]
		switch {
		case old.IsBranch():
			target := i + 1 + int(old.Off)
			if target < 0 || target > n {
				return nil, fmt.Errorf("blind %s: branch at %d targets %d", p.Name, i, target)
			}
			off := start[target] - (start[i] + last + 1)
			if off < math.MinInt16 || off > math.MaxInt16 {
				return nil, fmt.Errorf("blind %s: branch at %d needs offset %d", p.Name, i, off)
			}
			insn.Off = int16(off)
		case old.IsPseudoCall() && !p.IsFunc:
			target := i + 1 + int(old.Imm)
			if target < 0 || target > n {
				return nil, fmt.Errorf("blind %s: call at %d targets %d", p.Name, i, target)
			}
			insn.Imm = int32(start[target] - (start[i] + last + 1))
		}
		g[last] = insn
		out = append(out, g...)
	}

	blinded := p.Clone()
	blinded.Insns = out
	log.Debug(log.BlindModule, "blinded program", "name", p.Name, "before", n, "after", len(out))
	return blinded, nil
}

func touchesAX(insn program.Instruction) bool {
	return insn.Dst == ax || insn.Src == ax
}

// blindOne returns the replacement sequence for a single-slot instruction; the
// instruction that carries the original control flow is always last.
func (b *Blinder) blindOne(insn program.Instruction) []program.Instruction {
	if touchesAX(insn) {
		return []program.Instruction{insn}
	}
	code := insn.Code
	if insn.Imm == 0 && (code == program.ClassALU|program.OpMOV|program.SrcK || code == program.ClassALU64|program.OpMOV|program.SrcK) {
		return []program.Instruction{program.ALU64Reg(program.OpXOR, insn.Dst, insn.Dst)}
	}

	switch insn.Class() {
	case program.ClassALU, program.ClassALU64:
		if insn.Source() != program.SrcK {
			break
		}
		switch insn.Op() {
		case program.OpADD, program.OpSUB, program.OpAND, program.OpOR, program.OpXOR,
			program.OpMUL, program.OpMOV, program.OpDIV, program.OpMOD:
			rnd := b.key()
			if insn.Class() == program.ClassALU64 {
				return []program.Instruction{
					program.Mov64Imm(ax, rnd^insn.Imm),
					program.ALU64Imm(program.OpXOR, ax, rnd),
					program.ALU64Reg(insn.Op(), insn.Dst, ax),
				}
			}
			return []program.Instruction{
				program.Mov32Imm(ax, rnd^insn.Imm),
				program.ALU32Imm(program.OpXOR, ax, rnd),
				program.ALU32Reg(insn.Op(), insn.Dst, ax),
			}
		}
	case program.ClassJMP, program.ClassJMP32:
		if insn.Source() != program.SrcK || !insn.IsBranch() || insn.Op() == program.OpJA {
			break
		}
		rnd := b.key()
		if insn.Class() == program.ClassJMP {
			return []program.Instruction{
				program.Mov64Imm(ax, rnd^insn.Imm),
				program.ALU64Imm(program.OpXOR, ax, rnd),
				program.JmpReg(insn.Op(), insn.Dst, ax, insn.Off),
			}
		}
		return []program.Instruction{
			program.Mov32Imm(ax, rnd^insn.Imm),
			program.ALU32Imm(program.OpXOR, ax, rnd),
			program.Jmp32Reg(insn.Op(), insn.Dst, ax, insn.Off),
		}
	case program.ClassST:
		if insn.Mode() != program.ModeMEM {
			break
		}
		rnd := b.key()
		return []program.Instruction{
			program.Mov64Imm(ax, rnd^insn.Imm),
			program.ALU64Imm(program.OpXOR, ax, rnd),
			program.StxMem(insn.Size(), insn.Dst, ax, insn.Off),
		}
	}
	return []program.Instruction{insn}
}

// blindWide splits LD_IMM64 into a high half built by shifting and a low half ORed in.
func (b *Blinder) blindWide(first, second program.Instruction) ([]program.Instruction, []program.Instruction) {
	if first.Dst == ax || (first.Src != 0 && first.Src != program.PseudoMapFD) {
		return []program.Instruction{first}, []program.Instruction{second}
	}
	rnd := b.key()
	hi := []program.Instruction{
		program.Mov64Imm(ax, rnd^second.Imm),
		program.ALU64Imm(program.OpXOR, ax, rnd),
		program.ALU64Imm(program.OpLSH, ax, 32),
		program.Mov64Reg(first.Dst, ax),
	}
	lo := []program.Instruction{
		program.Mov32Imm(ax, rnd^first.Imm),
		program.ALU32Imm(program.OpXOR, ax, rnd),
		program.ALU64Reg(program.OpOR, first.Dst, ax),
	}
	return hi, lo
}
