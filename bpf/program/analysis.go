package program

import (
	"golang.org/x/exp/slices"
)

// ProgramStats contains statistics about a bytecode program
type ProgramStats struct {
	InstructionCount   int           // Logical instructions; LD_IMM64 counts once
	SlotCount          int           // 8-byte slots
	BasicBlockCount    int           // Straight-line regions between branch targets and branches
	BranchCount        int           // Conditional and unconditional jumps
	CallCount          int           // Helper and pseudo calls
	TailCallCount      int
	ProbeLoadCount     int
	OpcodeDistribution map[uint8]int // Distribution of opcodes
}

// Analyze analyzes the program and returns statistics including
// instruction count and basic block count
func (p *Program) Analyze() *ProgramStats {
	stats := &ProgramStats{
		SlotCount:          len(p.Insns),
		OpcodeDistribution: make(map[uint8]int),
	}
	if len(p.Insns) == 0 {
		return stats
	}

	leaders := map[int]bool{0: true}
	for i := 0; i < len(p.Insns); i++ {
		insn := p.Insns[i]
		stats.InstructionCount++
		stats.OpcodeDistribution[insn.Code]++

		switch {
		case insn.IsWide():
			i++
		case insn.IsBranch():
			stats.BranchCount++
			leaders[i+1+int(insn.Off)] = true
			leaders[i+1] = true
		case insn.Code == CallCode:
			stats.CallCount++
		case insn.Code == TailCallCode:
			stats.TailCallCount++
		case insn.Code == ExitCode:
			leaders[i+1] = true
		case insn.IsProbeLoad():
			stats.ProbeLoadCount++
		}
	}
	for l := range leaders {
		if l >= 0 && l < len(p.Insns) {
			stats.BasicBlockCount++
		}
	}
	return stats
}

// SortedOpcodes returns the opcodes seen, most frequent first.
func (s *ProgramStats) SortedOpcodes() []uint8 {
	codes := make([]uint8, 0, len(s.OpcodeDistribution))
	for c := range s.OpcodeDistribution {
		codes = append(codes, c)
	}
	slices.SortFunc(codes, func(a, b uint8) int {
		if d := s.OpcodeDistribution[b] - s.OpcodeDistribution[a]; d != 0 {
			return d
		}
		return int(a) - int(b)
	})
	return codes
}
