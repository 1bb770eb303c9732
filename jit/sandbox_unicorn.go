//go:build unicorn
// +build unicorn

package jit

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/bpfjit/arm64"
	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/log"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

var ucRegs = [...]int{
	uc.ARM64_REG_X0, uc.ARM64_REG_X1, uc.ARM64_REG_X2, uc.ARM64_REG_X3,
	uc.ARM64_REG_X4, uc.ARM64_REG_X5, uc.ARM64_REG_X6, uc.ARM64_REG_X7,
	uc.ARM64_REG_X8, uc.ARM64_REG_X9, uc.ARM64_REG_X10, uc.ARM64_REG_X11,
	uc.ARM64_REG_X12, uc.ARM64_REG_X13, uc.ARM64_REG_X14, uc.ARM64_REG_X15,
	uc.ARM64_REG_X16, uc.ARM64_REG_X17, uc.ARM64_REG_X18, uc.ARM64_REG_X19,
	uc.ARM64_REG_X20, uc.ARM64_REG_X21, uc.ARM64_REG_X22, uc.ARM64_REG_X23,
	uc.ARM64_REG_X24, uc.ARM64_REG_X25, uc.ARM64_REG_X26, uc.ARM64_REG_X27,
	uc.ARM64_REG_X28, uc.ARM64_REG_X29, uc.ARM64_REG_X30,
}

func ucReg(r arm64.Reg) int {
	if int(r) >= len(ucRegs) {
		return uc.ARM64_REG_SP
	}
	return ucRegs[r]
}

// Sandbox runs compiled images inside an emulated AArch64 CPU. Probe
// loads that fault are fixed up through the image exception tables the
// same way a kernel fault handler would.
type Sandbox struct {
	mu       uc.Unicorn
	compiler *Compiler
	helpers  HelperTable
	images   []*Image

	helperNext uint64
	dataNext   uint64
	faultPC    uint64
	faulted    bool

	// Faults counts the probe load faults fixed up by the last Run.
	Faults int
}

func NewSandbox(cfg Config, opts ...Option) (*Sandbox, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}
	sb := &Sandbox{
		mu:         mu,
		helpers:    HelperTable{},
		helperNext: SandboxHelperBase,
		dataNext:   SandboxDataBase,
	}
	regions := []struct {
		name       string
		addr, size uint64
		prot       int
	}{
		{"helpers", SandboxHelperBase, SandboxHelperSize, uc.PROT_READ | uc.PROT_EXEC},
		{"data", SandboxDataBase, SandboxDataSize, uc.PROT_READ | uc.PROT_WRITE},
		{"stack", SandboxStackBase, SandboxStackSize, uc.PROT_READ | uc.PROT_WRITE},
	}
	for _, r := range regions {
		if err := mu.MemMapProt(r.addr, r.size, r.prot); err != nil {
			mu.Close()
			return nil, fmt.Errorf("map %s: %w", r.name, err)
		}
	}
	halt := make([]byte, 4)
	arm64.PutWord(halt, 0, arm64.BRK(0))
	if err := mu.MemWrite(SandboxHaltAddr, halt); err != nil {
		mu.Close()
		return nil, fmt.Errorf("write halt stub: %w", err)
	}

	if _, err := mu.HookAdd(uc.HOOK_MEM_READ_UNMAPPED|uc.HOOK_MEM_READ_PROT,
		func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
			pc, _ := mu.RegRead(uc.ARM64_REG_PC)
			sb.faultPC, sb.faulted = pc, true
			log.Trace(log.SandboxModule, "read fault", "pc", fmt.Sprintf("%#x", pc), "addr", fmt.Sprintf("%#x", addr), "size", size)
			return false
		}, 1, 0); err != nil {
		mu.Close()
		return nil, fmt.Errorf("hook faults: %w", err)
	}

	opts = append([]Option{WithResolver(sb.helpers)}, opts...)
	sb.compiler = New(sandboxConfig(cfg), opts...)
	return sb, nil
}

func (sb *Sandbox) Close() error {
	return sb.mu.Close()
}

// Compiler returns the compiler whose images this sandbox can run.
func (sb *Sandbox) Compiler() *Compiler {
	return sb.compiler
}

// AddHelper places native code for helper id. The code follows the
// AAPCS64 convention: arguments in x0..x4, result in x0.
func (sb *Sandbox) AddHelper(id int32, code ...uint32) (uint64, error) {
	if len(code)*4 > helperSlot {
		return 0, fmt.Errorf("helper %d: %d words exceed the slot", id, len(code))
	}
	if sb.helperNext+helperSlot > SandboxHaltAddr {
		return 0, fmt.Errorf("helper %d: helper area full", id)
	}
	b := make([]byte, len(code)*4)
	for k, w := range code {
		arm64.PutWord(b, k, w)
	}
	addr := sb.helperNext
	if err := sb.mu.MemWrite(addr, b); err != nil {
		return 0, fmt.Errorf("helper %d: %w", id, err)
	}
	sb.helperNext += helperSlot
	sb.helpers[id] = addr
	return addr, nil
}

// Compile compiles p, splitting it into functions when it has pseudo
// calls, and maps every image. The entry image is returned.
func (sb *Sandbox) Compile(p *program.Program) (*Image, error) {
	imgs, err := sb.compiler.CompileFuncs(p)
	if err != nil {
		return nil, err
	}
	if err := sb.Load(imgs...); err != nil {
		return nil, err
	}
	return imgs[0], nil
}

// Load maps images at their addresses, read-only and executable.
func (sb *Sandbox) Load(imgs ...*Image) error {
	for _, img := range imgs {
		if img.Pending() {
			return fmt.Errorf("image %s at %#x is pending", img.prog.Name, img.Addr)
		}
		b := img.Buf.Bytes()
		size := pageAlign(uint64(len(b)))
		if err := sb.mu.MemMapProt(img.Addr, size, uc.PROT_READ|uc.PROT_EXEC); err != nil {
			return fmt.Errorf("map image %#x: %w", img.Addr, err)
		}
		if err := sb.mu.MemWrite(img.Addr, b); err != nil {
			return fmt.Errorf("write image %#x: %w", img.Addr, err)
		}
		sb.images = append(sb.images, img)
		log.Debug(log.SandboxModule, "loaded image", "addr", fmt.Sprintf("%#x", img.Addr), "bytes", len(b))
	}
	return nil
}

// Alloc returns zeroed memory from the data area.
func (sb *Sandbox) Alloc(size int) (uint64, error) {
	n := (uint64(size) + 15) &^ 15
	if sb.dataNext+n > SandboxDataBase+SandboxDataSize {
		return 0, fmt.Errorf("data area full: %d bytes requested", size)
	}
	addr := sb.dataNext
	sb.dataNext += n
	return addr, nil
}

// MapRegion maps data at addr, which must be page aligned, read-write.
func (sb *Sandbox) MapRegion(addr uint64, data []byte) error {
	if err := sb.mu.MemMap(addr, pageAlign(uint64(len(data)))); err != nil {
		return fmt.Errorf("map region %#x: %w", addr, err)
	}
	return sb.mu.MemWrite(addr, data)
}

func (sb *Sandbox) Write(addr uint64, data []byte) error {
	return sb.mu.MemWrite(addr, data)
}

func (sb *Sandbox) Read(addr uint64, n int) ([]byte, error) {
	return sb.mu.MemRead(addr, uint64(n))
}

// ProgArray builds a tail call container with room for capacity programs.
// Slot k holds imgs[k]; nil images and slots past len(imgs) stay empty.
func (sb *Sandbox) ProgArray(capacity uint32, imgs ...*Image) (uint64, error) {
	lay := sb.compiler.cfg.TailCall
	array := make([]byte, int(lay.PtrsOffset)+8*int(capacity))
	binary.LittleEndian.PutUint32(array[lay.MaxEntriesOffset:], capacity)
	for k, img := range imgs {
		if img == nil || k >= int(capacity) {
			continue
		}
		rec := make([]byte, lay.FuncOffset+8)
		binary.LittleEndian.PutUint64(rec[lay.FuncOffset:], img.Addr)
		addr, err := sb.Alloc(len(rec))
		if err != nil {
			return 0, err
		}
		if err := sb.Write(addr, rec); err != nil {
			return 0, err
		}
		binary.LittleEndian.PutUint64(array[int(lay.PtrsOffset)+8*k:], addr)
	}
	addr, err := sb.Alloc(len(array))
	if err != nil {
		return 0, err
	}
	return addr, sb.Write(addr, array)
}

// fixup finds the exception entry for pc among the loaded images.
func (sb *Sandbox) fixup(pc uint64) (uint64, arm64.Reg, bool) {
	for _, img := range sb.images {
		if pc >= img.Addr && pc < img.Addr+uint64(img.Len) {
			return img.Fixup(pc)
		}
	}
	return 0, 0, false
}

// Run calls img with args in R1..R5 and returns R0.
func (sb *Sandbox) Run(img *Image, args ...uint64) (uint64, error) {
	if len(args) > len(ArgRegs) {
		return 0, fmt.Errorf("%d arguments, at most %d", len(args), len(ArgRegs))
	}
	for k := range ArgRegs {
		var v uint64
		if k < len(args) {
			v = args[k]
		}
		if err := sb.mu.RegWrite(ucReg(ArgRegs[k]), v); err != nil {
			return 0, err
		}
	}
	if err := sb.mu.RegWrite(uc.ARM64_REG_SP, SandboxStackBase+SandboxStackSize); err != nil {
		return 0, err
	}
	if err := sb.mu.RegWrite(uc.ARM64_REG_X30, SandboxHaltAddr); err != nil {
		return 0, err
	}

	sb.Faults = 0
	pc := img.Addr
	for {
		sb.faulted = false
		err := sb.mu.StartWithOptions(pc, SandboxHaltAddr, &uc.UcOptions{Count: sandboxMaxInsns})
		if err == nil {
			break
		}
		fault := sb.faultPC
		if !sb.faulted {
			fault, _ = sb.mu.RegRead(uc.ARM64_REG_PC)
		}
		resume, reg, ok := sb.fixup(fault)
		if !ok {
			return 0, fmt.Errorf("fault at pc %#x: %w", fault, err)
		}
		log.Debug(log.SandboxModule, "fixup", "pc", fmt.Sprintf("%#x", fault), "resume", fmt.Sprintf("%#x", resume), "reg", reg)
		if err := sb.mu.RegWrite(ucReg(reg), 0); err != nil {
			return 0, err
		}
		sb.Faults++
		pc = resume
	}
	if end, _ := sb.mu.RegRead(uc.ARM64_REG_PC); end != SandboxHaltAddr {
		return 0, fmt.Errorf("stopped at pc %#x: %w", end, ErrSandboxLimit)
	}
	return sb.mu.RegRead(uc.ARM64_REG_X0)
}
