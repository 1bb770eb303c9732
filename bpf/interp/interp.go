// Package interp is a plain bytecode interpreter. It defines the reference
// semantics compiled code is checked against.
package interp

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/log"
)

const (
	// MaxTailCalls bounds the chain of tail calls from one entry.
	MaxTailCalls = 32

	DefaultStackBase = 0x7f000000
	maxFrames        = 8
	defaultMaxSteps  = 1 << 20
)

var (
	ErrStepLimit     = errors.New("step limit exceeded")
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrCallDepth     = errors.New("call depth exceeded")
)

// Helper implements a helper function; args are R1..R5 and the result goes to R0.
type Helper func(args [5]uint64) uint64

type frame struct {
	prog   *program.Program
	retPC  int
	saved  [4]uint64 // R6..R9
	savedF uint64
}

// VM executes one program at a time against a shared Memory.
type VM struct {
	Mem        *Memory
	Helpers    map[int32]Helper
	ProgArrays map[uint64][]*program.Program // tail call containers by address
	MaxSteps   int
	StackBase  uint64

	regs      [program.NumRegs]uint64
	tailCalls int
	steps     int
}

func NewVM(mem *Memory) *VM {
	if mem == nil {
		mem = NewMemory()
	}
	return &VM{
		Mem:        mem,
		Helpers:    make(map[int32]Helper),
		ProgArrays: make(map[uint64][]*program.Program),
		MaxSteps:   defaultMaxSteps,
		StackBase:  DefaultStackBase,
	}
}

// Regs returns the register file after the last Run.
func (vm *VM) Regs() [program.NumRegs]uint64 {
	return vm.regs
}

// TailCalls returns the number of tail calls taken by the last Run.
func (vm *VM) TailCalls() int {
	return vm.tailCalls
}

// Run executes p with R1..R5 set from args and returns R0.
func (vm *VM) Run(p *program.Program, args ...uint64) (uint64, error) {
	if err := p.CheckStructure(); err != nil {
		return 0, err
	}
	stackSize := uint64(program.MaxStackDepth * maxFrames)
	if vm.Mem.find(vm.StackBase, int(stackSize)) == nil {
		if err := vm.Mem.Map(&Region{Name: "stack", Addr: vm.StackBase, Data: make([]byte, stackSize)}); err != nil {
			return 0, err
		}
	}
	vm.regs = [program.NumRegs]uint64{}
	for i, a := range args {
		if i >= 5 {
			break
		}
		vm.regs[program.R1+i] = a
	}
	vm.regs[program.FP] = vm.StackBase + stackSize
	vm.tailCalls = 0
	vm.steps = 0
	return vm.exec(p)
}

func (vm *VM) exec(p *program.Program) (uint64, error) {
	var frames []frame
	r := &vm.regs
	pc := 0
	for {
		if pc < 0 || pc >= len(p.Insns) {
			return 0, fmt.Errorf("%s: pc %d out of range", p.Name, pc)
		}
		vm.steps++
		if vm.MaxSteps > 0 && vm.steps > vm.MaxSteps {
			return 0, ErrStepLimit
		}
		insn := p.Insns[pc]
		log.Trace(log.SandboxModule, "interp", "pc", pc, "insn", insn.String())
		pc++

		switch insn.Class() {
		case program.ClassALU64:
			v, err := alu64(insn, r[insn.Dst], r[insn.Src])
			if err != nil {
				return 0, fmt.Errorf("%s: insn %d: %w", p.Name, pc-1, err)
			}
			r[insn.Dst] = v
		case program.ClassALU:
			var v uint64
			var err error
			if insn.Op() == program.OpEND {
				v, err = Endian(insn.Source(), insn.Imm, r[insn.Dst])
			} else {
				v, err = alu32(insn, uint32(r[insn.Dst]), uint32(r[insn.Src]))
			}
			if err != nil {
				return 0, fmt.Errorf("%s: insn %d: %w", p.Name, pc-1, err)
			}
			r[insn.Dst] = v
		case program.ClassJMP, program.ClassJMP32:
			switch insn.Op() {
			case program.OpEXIT:
				if len(frames) == 0 {
					return r[program.R0], nil
				}
				f := frames[len(frames)-1]
				frames = frames[:len(frames)-1]
				copy(r[program.R6:program.R10], f.saved[:])
				r[program.FP] = f.savedF
				p, pc = f.prog, f.retPC
				continue
			case program.OpCALL:
				if insn.Src == program.PseudoCall {
					if len(frames)+1 >= maxFrames {
						return 0, ErrCallDepth
					}
					f := frame{prog: p, retPC: pc, savedF: r[program.FP]}
					copy(f.saved[:], r[program.R6:program.R10])
					frames = append(frames, f)
					r[program.FP] -= program.MaxStackDepth
					pc += int(insn.Imm)
					continue
				}
				h, ok := vm.Helpers[insn.Imm]
				if !ok {
					return 0, fmt.Errorf("%s: insn %d: unknown helper %d", p.Name, pc-1, insn.Imm)
				}
				r[program.R0] = h([5]uint64{r[1], r[2], r[3], r[4], r[5]})
				continue
			case program.OpTailCall:
				next := vm.tailCallTarget(r[program.R2], r[program.R3])
				if next == nil {
					continue
				}
				p, pc = next, 0
				frames = frames[:0]
				continue
			}
			taken, err := cond(insn, r[insn.Dst], r[insn.Src])
			if err != nil {
				return 0, fmt.Errorf("%s: insn %d: %w", p.Name, pc-1, err)
			}
			if taken {
				pc += int(insn.Off)
			}
		case program.ClassLD:
			if !insn.IsWide() {
				return 0, fmt.Errorf("%s: insn %d: code %#02x: %w", p.Name, pc-1, insn.Code, ErrUnknownOpcode)
			}
			r[insn.Dst] = uint64(uint32(insn.Imm)) | uint64(uint32(p.Insns[pc].Imm))<<32
			pc++
		case program.ClassLDX:
			addr := r[insn.Src] + uint64(int64(insn.Off))
			v, err := vm.Mem.Load(addr, insn.SizeBytes())
			if err != nil {
				if insn.Mode() != program.ModeProbeMem {
					return 0, fmt.Errorf("%s: insn %d: %w", p.Name, pc-1, err)
				}
				v = 0
			}
			r[insn.Dst] = v
		case program.ClassST:
			if insn.Code == program.NoSpecCode {
				continue
			}
			addr := r[insn.Dst] + uint64(int64(insn.Off))
			if err := vm.Mem.Store(addr, insn.SizeBytes(), uint64(int64(insn.Imm))); err != nil {
				return 0, fmt.Errorf("%s: insn %d: %w", p.Name, pc-1, err)
			}
		case program.ClassSTX:
			addr := r[insn.Dst] + uint64(int64(insn.Off))
			n := insn.SizeBytes()
			v := r[insn.Src]
			switch insn.Mode() {
			case program.ModeMEM:
			case program.ModeATOMIC:
				if insn.Imm != program.AtomicADD {
					return 0, fmt.Errorf("%s: insn %d: atomic op %#x: %w", p.Name, pc-1, insn.Imm, ErrUnknownOpcode)
				}
				old, err := vm.Mem.Load(addr, n)
				if err != nil {
					return 0, fmt.Errorf("%s: insn %d: %w", p.Name, pc-1, err)
				}
				v += old
			default:
				return 0, fmt.Errorf("%s: insn %d: code %#02x: %w", p.Name, pc-1, insn.Code, ErrUnknownOpcode)
			}
			if err := vm.Mem.Store(addr, n, v); err != nil {
				return 0, fmt.Errorf("%s: insn %d: %w", p.Name, pc-1, err)
			}
		}
	}
}

func (vm *VM) tailCallTarget(array, index uint64) *program.Program {
	progs, ok := vm.ProgArrays[array]
	if !ok || uint32(index) >= uint32(len(progs)) {
		return nil
	}
	if vm.tailCalls > MaxTailCalls {
		return nil
	}
	vm.tailCalls++
	return progs[uint32(index)]
}

func alu64(insn program.Instruction, dst, src uint64) (uint64, error) {
	if insn.Source() == program.SrcK {
		src = uint64(int64(insn.Imm))
	}
	switch insn.Op() {
	case program.OpADD:
		return dst + src, nil
	case program.OpSUB:
		return dst - src, nil
	case program.OpMUL:
		return dst * src, nil
	case program.OpDIV:
		if src == 0 {
			return 0, nil
		}
		return dst / src, nil
	case program.OpMOD:
		if src == 0 {
			return dst, nil
		}
		return dst % src, nil
	case program.OpOR:
		return dst | src, nil
	case program.OpAND:
		return dst & src, nil
	case program.OpXOR:
		return dst ^ src, nil
	case program.OpLSH:
		return dst << (src & 63), nil
	case program.OpRSH:
		return dst >> (src & 63), nil
	case program.OpARSH:
		return uint64(int64(dst) >> (src & 63)), nil
	case program.OpNEG:
		return -dst, nil
	case program.OpMOV:
		return src, nil
	}
	return 0, fmt.Errorf("alu64 code %#02x: %w", insn.Code, ErrUnknownOpcode)
}

func alu32(insn program.Instruction, dst, src uint32) (uint64, error) {
	if insn.Source() == program.SrcK {
		src = uint32(insn.Imm)
	}
	var v uint32
	switch insn.Op() {
	case program.OpADD:
		v = dst + src
	case program.OpSUB:
		v = dst - src
	case program.OpMUL:
		v = dst * src
	case program.OpDIV:
		if src != 0 {
			v = dst / src
		}
	case program.OpMOD:
		v = dst
		if src != 0 {
			v = dst % src
		}
	case program.OpOR:
		v = dst | src
	case program.OpAND:
		v = dst & src
	case program.OpXOR:
		v = dst ^ src
	case program.OpLSH:
		v = dst << (src & 31)
	case program.OpRSH:
		v = dst >> (src & 31)
	case program.OpARSH:
		v = uint32(int32(dst) >> (src & 31))
	case program.OpNEG:
		v = -dst
	case program.OpMOV:
		v = src
	default:
		return 0, fmt.Errorf("alu32 code %#02x: %w", insn.Code, ErrUnknownOpcode)
	}
	return uint64(v), nil
}

func cond(insn program.Instruction, dst, src uint64) (bool, error) {
	if insn.Source() == program.SrcK {
		src = uint64(int64(insn.Imm))
	}
	if insn.Class() == program.ClassJMP32 {
		dst, src = uint64(uint32(dst)), uint64(uint32(src))
		sd, ss := int64(int32(dst)), int64(int32(src))
		return compare(insn.Op(), dst, src, sd, ss)
	}
	return compare(insn.Op(), dst, src, int64(dst), int64(src))
}

func compare(op uint8, a, b uint64, sa, sb int64) (bool, error) {
	switch op {
	case program.OpJA:
		return true, nil
	case program.OpJEQ:
		return a == b, nil
	case program.OpJNE:
		return a != b, nil
	case program.OpJGT:
		return a > b, nil
	case program.OpJGE:
		return a >= b, nil
	case program.OpJLT:
		return a < b, nil
	case program.OpJLE:
		return a <= b, nil
	case program.OpJSET:
		return a&b != 0, nil
	case program.OpJSGT:
		return sa > sb, nil
	case program.OpJSGE:
		return sa >= sb, nil
	case program.OpJSLT:
		return sa < sb, nil
	case program.OpJSLE:
		return sa <= sb, nil
	}
	return false, fmt.Errorf("jump op %#02x: %w", op, ErrUnknownOpcode)
}

// Endian applies OpEND to v on a little-endian machine.
func Endian(order uint8, width int32, v uint64) (uint64, error) {
	switch width {
	case 16:
		v = uint64(uint16(v))
		if order == program.ToBE {
			v = uint64(bits.ReverseBytes16(uint16(v)))
		}
	case 32:
		v = uint64(uint32(v))
		if order == program.ToBE {
			v = uint64(bits.ReverseBytes32(uint32(v)))
		}
	case 64:
		if order == program.ToBE {
			v = bits.ReverseBytes64(v)
		}
	default:
		return 0, fmt.Errorf("end width %d: %w", width, ErrUnknownOpcode)
	}
	return v, nil
}
