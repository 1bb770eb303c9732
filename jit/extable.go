package jit

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/colorfulnotion/bpfjit/arm64"
	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/jiterrors"
	"github.com/colorfulnotion/bpfjit/log"
)

// ExtableEntrySize is the serialized size of one exception entry.
const ExtableEntrySize = 8

const (
	fixupOffsetBits = 27
	fixupOffsetMask = 1<<fixupOffsetBits - 1
)

// Fixup says where to resume after a faulting probe load and which register
// to clear. Offset counts bytes back from the fixup field to the resume point.
type Fixup struct {
	Offset uint32    `json:"offset"`
	Reg    arm64.Reg `json:"reg"`
}

// Pack stores Offset in bits 0..26 and Reg in bits 27..31.
func (f Fixup) Pack() uint32 {
	return f.Offset&fixupOffsetMask | uint32(f.Reg&31)<<fixupOffsetBits
}

func UnpackFixup(w uint32) Fixup {
	return Fixup{Offset: w & fixupOffsetMask, Reg: arm64.Reg(w >> fixupOffsetBits)}
}

// ExtableEntry locates one probe load. Insn is the distance from the entry
// to the load and is always negative because the table follows the code.
type ExtableEntry struct {
	Insn  int32 `json:"insn"`
	Fixup Fixup `json:"fixup"`
}

func (e ExtableEntry) put(b []byte) {
	binary.LittleEndian.PutUint32(b, uint32(e.Insn))
	binary.LittleEndian.PutUint32(b[4:], e.Fixup.Pack())
}

// ParseExtable decodes a serialized table.
func ParseExtable(b []byte) ([]ExtableEntry, error) {
	if len(b)%ExtableEntrySize != 0 {
		return nil, fmt.Errorf("extable of %d bytes is not a whole number of entries", len(b))
	}
	entries := make([]ExtableEntry, 0, len(b)/ExtableEntrySize)
	for off := 0; off < len(b); off += ExtableEntrySize {
		entries = append(entries, ExtableEntry{
			Insn:  int32(binary.LittleEndian.Uint32(b[off:])),
			Fixup: UnpackFixup(binary.LittleEndian.Uint32(b[off+4:])),
		})
	}
	return entries, nil
}

// addExceptionHandler records the probe load just emitted. Only the
// emitting pass writes entries.
func (ctx *compileCtx) addExceptionHandler(insn program.Instruction, dst arm64.Reg) error {
	if !ctx.emitting() || !insn.IsProbeLoad() {
		return nil
	}
	if ctx.exIdx >= ctx.prog.ProbeLoads {
		return fmt.Errorf("probe load %d with %d declared: %w", ctx.exIdx+1, ctx.prog.ProbeLoads, jiterrors.ErrSExtableMismatch)
	}
	entry := int64(ctx.base) + int64(ctx.extableOff) + int64(ctx.exIdx)*ExtableEntrySize
	pc := int64(ctx.pc(ctx.idx - 1))

	insnOff := pc - entry
	if insnOff >= 0 || insnOff < math.MinInt32 {
		return fmt.Errorf("load at %#x, entry at %#x: %w", pc, entry, jiterrors.ErrEExtableOutOfRange)
	}
	fixupOff := entry + 4 - (pc + 4)
	if fixupOff < 0 || fixupOff > fixupOffsetMask {
		return fmt.Errorf("fixup offset %d: %w", fixupOff, jiterrors.ErrEExtableOutOfRange)
	}
	ctx.extable = append(ctx.extable, ExtableEntry{
		Insn:  int32(insnOff),
		Fixup: Fixup{Offset: uint32(fixupOff), Reg: dst},
	})
	log.Trace(log.ExtableModule, "probe load", "entry", ctx.exIdx, "pc", fmt.Sprintf("%#x", pc), "fixup", fixupOff, "reg", dst)
	ctx.exIdx++
	return nil
}

// Fixup maps a faulting pc inside the image to the resume pc and the
// register that must read as zero. ok is false for pcs that are not probe loads.
func (img *Image) Fixup(faultPC uint64) (resumePC uint64, reg arm64.Reg, ok bool) {
	base := img.Addr + uint64(img.ExtableOffset)
	pcOf := func(k int) uint64 {
		return uint64(int64(base) + int64(k)*ExtableEntrySize + int64(img.Extable[k].Insn))
	}
	k := sort.Search(len(img.Extable), func(k int) bool { return pcOf(k) >= faultPC })
	if k == len(img.Extable) || pcOf(k) != faultPC {
		return 0, 0, false
	}
	e := img.Extable[k]
	fixup := base + uint64(k)*ExtableEntrySize + 4
	return fixup - uint64(e.Fixup.Offset), e.Fixup.Reg, true
}
