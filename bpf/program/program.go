package program

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrTruncated marks an LD_IMM64 in the last slot.
var ErrTruncated = errors.New("ld_imm64 has no second slot")

// ErrProbeCount marks a negative declared probe load count.
var ErrProbeCount = errors.New("negative probe load count")

// Program is a bytecode program together with the side information the
// compiler needs and no verifier-free pass could recover on its own.
type Program struct {
	Name        string
	Insns       []Instruction
	StackDepth  uint32 // bytes of frame below FP
	ProbeLoads  int    // declared number of probe loads, one exception entry each
	FromClassic bool   // translated from classic BPF; no tail call counter
	IsFunc      bool   // one function of a multi-function program
}

// New builds a program and declares every probe load it contains.
func New(name string, stackDepth uint32, insns []Instruction) *Program {
	p := &Program{Name: name, Insns: insns, StackDepth: stackDepth}
	p.ProbeLoads = p.CountProbeLoads()
	return p
}

func (p *Program) Len() int {
	return len(p.Insns)
}

// CountProbeLoads counts LDX|PROBE_MEM instructions, skipping the second slot of wide loads.
func (p *Program) CountProbeLoads() int {
	n := 0
	for i := 0; i < len(p.Insns); i++ {
		insn := p.Insns[i]
		if insn.IsWide() {
			i++
			continue
		}
		if insn.IsProbeLoad() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (p *Program) Clone() *Program {
	c := *p
	c.Insns = append([]Instruction(nil), p.Insns...)
	return &c
}

// CheckStructure rejects programs the compiler cannot walk: empty bodies and
// LD_IMM64 without its second slot. It is not a verifier.
func (p *Program) CheckStructure() error {
	if len(p.Insns) == 0 {
		return fmt.Errorf("program %q: no instructions", p.Name)
	}
	if p.ProbeLoads < 0 {
		return fmt.Errorf("program %q: %d: %w", p.Name, p.ProbeLoads, ErrProbeCount)
	}
	for i := 0; i < len(p.Insns); i++ {
		if p.Insns[i].IsWide() {
			if i+1 >= len(p.Insns) {
				return fmt.Errorf("program %q: insn %d: %w", p.Name, i, ErrTruncated)
			}
			i++
		}
	}
	if p.StackDepth > MaxStackDepth {
		return fmt.Errorf("program %q: stack depth %d exceeds %d", p.Name, p.StackDepth, MaxStackDepth)
	}
	return nil
}

// Decode parses consecutive 8-byte instruction records.
func Decode(raw []byte) ([]Instruction, error) {
	if len(raw)%InsnSize != 0 {
		return nil, fmt.Errorf("bytecode length %d is not a multiple of %d", len(raw), InsnSize)
	}
	insns := make([]Instruction, len(raw)/InsnSize)
	for i := range insns {
		if err := insns[i].UnmarshalBinary(raw[i*InsnSize:]); err != nil {
			return nil, err
		}
	}
	return insns, nil
}

// Encode serializes instructions into 8-byte records.
func Encode(insns []Instruction) []byte {
	out := make([]byte, len(insns)*InsnSize)
	for i, insn := range insns {
		insn.put(out[i*InsnSize:])
	}
	return out
}

// Bytes serializes the program body.
func (p *Program) Bytes() []byte {
	return Encode(p.Insns)
}

// Listing renders one instruction per line, prefixed with its slot index.
func (p *Program) Listing() string {
	var sb strings.Builder
	for i := 0; i < len(p.Insns); i++ {
		insn := p.Insns[i]
		var next Instruction
		if insn.IsWide() && i+1 < len(p.Insns) {
			next = p.Insns[i+1]
		}
		fmt.Fprintf(&sb, "%4d: (%02x) %s\n", i, insn.Code, insn.Format(next))
		if insn.IsWide() {
			i++
		}
	}
	return sb.String()
}

// Split cuts a program containing pseudo calls into its functions. Function
// zero is the entry. In the returned functions the immediate of every pseudo
// call is rewritten to the callee's function index.
func Split(p *Program) ([]*Program, error) {
	starts := map[int]bool{0: true}
	for i, insn := range p.Insns {
		if insn.IsPseudoCall() {
			target := i + 1 + int(insn.Imm)
			if target <= 0 || target >= len(p.Insns) {
				return nil, fmt.Errorf("pseudo call at %d targets %d outside the program", i, target)
			}
			starts[target] = true
		}
	}
	if len(starts) == 1 {
		return []*Program{p}, nil
	}
	order := make([]int, 0, len(starts))
	for s := range starts {
		order = append(order, s)
	}
	sort.Ints(order)
	index := make(map[int]int, len(order))
	for fn, s := range order {
		index[s] = fn
	}

	funcs := make([]*Program, len(order))
	for fn, start := range order {
		end := len(p.Insns)
		if fn+1 < len(order) {
			end = order[fn+1]
		}
		body := append([]Instruction(nil), p.Insns[start:end]...)
		for j, insn := range body {
			if insn.IsPseudoCall() {
				body[j].Imm = int32(index[start+j+1+int(insn.Imm)])
			}
		}
		f := New(fmt.Sprintf("%s[%d]", p.Name, fn), p.StackDepth, body)
		f.FromClassic = p.FromClassic
		f.IsFunc = true
		funcs[fn] = f
	}
	return funcs, nil
}

// File is the JSON interchange form of a program. Each entry of Insns is
// either a 16-hex-digit wire record or an object with code/dst/src/off/imm.
type File struct {
	Name        string            `json:"name"`
	StackDepth  uint32            `json:"stack_depth"`
	ProbeLoads  *int              `json:"probe_loads,omitempty"`
	FromClassic bool              `json:"from_classic,omitempty"`
	Insns       []json.RawMessage `json:"insns"`
}

// ParseJSON decodes a File. A missing probe_loads is derived from the body.
func ParseJSON(data []byte) (*Program, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse program json: %w", err)
	}
	insns := make([]Instruction, 0, len(f.Insns))
	for i, raw := range f.Insns {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
			if err != nil || len(b) != InsnSize {
				return nil, fmt.Errorf("insn %d: bad hex record %q", i, s)
			}
			var insn Instruction
			if err := insn.UnmarshalBinary(b); err != nil {
				return nil, err
			}
			insns = append(insns, insn)
			continue
		}
		var insn Instruction
		if err := json.Unmarshal(raw, &insn); err != nil {
			return nil, fmt.Errorf("insn %d: %w", i, err)
		}
		insns = append(insns, insn)
	}
	p := New(f.Name, f.StackDepth, insns)
	p.FromClassic = f.FromClassic
	if f.ProbeLoads != nil {
		p.ProbeLoads = *f.ProbeLoads
	}
	return p, nil
}

// MarshalJSON writes the program as a File with hex records.
func (p *Program) MarshalJSON() ([]byte, error) {
	probe := p.ProbeLoads
	f := File{Name: p.Name, StackDepth: p.StackDepth, ProbeLoads: &probe, FromClassic: p.FromClassic}
	for _, insn := range p.Insns {
		b, _ := insn.MarshalBinary()
		raw, _ := json.Marshal(hex.EncodeToString(b))
		f.Insns = append(f.Insns, raw)
	}
	return json.MarshalIndent(f, "", "  ")
}

// Load reads a program from a .json File or a raw .bin/.o body of wire records.
func Load(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseJSON(data)
	}
	insns, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return New(name, MaxStackDepth, insns), nil
}
