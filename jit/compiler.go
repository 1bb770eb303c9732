// Package jit translates eBPF programs into AArch64 machine code.
package jit

import (
	"errors"
	"fmt"
	"sync"

	"github.com/colorfulnotion/bpfjit/arm64"
	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/jiterrors"
	"github.com/colorfulnotion/bpfjit/log"
)

// TrapWord (BRK #0x100) fills every allocated word the compiler does not
// overwrite, so a stray jump into padding stops execution.
const TrapWord = 0xd4202000

// Blinder rewrites a program to hide its constants before sizing.
type Blinder interface {
	Blind(p *program.Program) (*program.Program, error)
}

// AddressResolver returns the target of the call at p.Insns[idx]. fixed
// reports that the address will not change on an extra pass.
type AddressResolver interface {
	Resolve(p *program.Program, idx int, insn program.Instruction, extraPass bool) (addr uint64, fixed bool, err error)
}

// Buffer is memory that will hold one image.
type Buffer interface {
	Bytes() []byte
	Addr() uint64
}

type Allocator interface {
	Alloc(size int, fill uint32) (Buffer, error)
	Free(b Buffer) error
}

// CacheFlusher makes freshly written code in [start, end) visible to instruction fetch.
type CacheFlusher func(start, end uint64)

// Protector makes a buffer read-only and executable.
type Protector interface {
	Protect(b Buffer) error
}

// Image is a compiled program.
type Image struct {
	Buf           Buffer
	Addr          uint64
	Len           int // code bytes; the exception table starts at ExtableOffset
	ExtableOffset int
	Extable       []ExtableEntry
	Offsets       []int // native word index of each bytecode slot, plus the end
	Stack         int
	// Funcs holds the entry address of every function of a split program.
	Funcs []uint64

	prog *program.Program
	ctx  *compileCtx
}

// Pending reports an image of a split function still waiting for ExtraPass.
func (img *Image) Pending() bool {
	return img.ctx != nil
}

// Code returns the emitted instructions without the exception table.
func (img *Image) Code() []byte {
	return img.Buf.Bytes()[:img.Len]
}

// Words is the number of native instructions.
func (img *Image) Words() int {
	return img.Len / 4
}

// Program returns the program that was compiled, after blinding.
func (img *Image) Program() *program.Program {
	return img.prog
}

// Disassemble lists the code.
func (img *Image) Disassemble() string {
	return arm64.Disassemble(img.Code())
}

// Compiler holds configuration and collaborators. It keeps no per-compile
// state, so one Compiler may serve concurrent compiles.
type Compiler struct {
	cfg      Config
	blinder  Blinder
	resolver AddressResolver
	alloc    Allocator
	flush    CacheFlusher
	protect  Protector
}

type Option func(*Compiler)

func WithBlinder(b Blinder) Option {
	return func(c *Compiler) { c.blinder = b }
}

func WithResolver(r AddressResolver) Option {
	return func(c *Compiler) { c.resolver = r }
}

// WithAllocator replaces the heap allocator. An allocator that also
// implements Protector is used for protection unless WithProtector is given.
func WithAllocator(a Allocator) Option {
	return func(c *Compiler) { c.alloc = a }
}

func WithCacheFlusher(f CacheFlusher) Option {
	return func(c *Compiler) { c.flush = f }
}

func WithProtector(p Protector) Option {
	return func(c *Compiler) { c.protect = p }
}

func New(cfg Config, opts ...Option) *Compiler {
	c := &Compiler{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.resolver == nil {
		c.resolver = HelperTable{}
	}
	if c.alloc == nil {
		c.alloc = NewHeapAllocator(cfg.ImageBase)
	}
	if c.protect == nil {
		if p, ok := c.alloc.(Protector); ok {
			c.protect = p
		}
	}
	if c.flush == nil {
		c.flush = func(start, end uint64) {}
	}
	return c
}

func (c *Compiler) Config() Config {
	return c.cfg
}

// Compile translates prog. A program marked IsFunc comes back pending; its
// calls are patched by ExtraPass once every function has an address.
func (c *Compiler) Compile(prog *program.Program) (*Image, error) {
	if prog.IsFunc {
		return c.compile(prog, &funcResolver{next: c.resolver, top: c.cfg.AddressTop})
	}
	return c.compile(prog, c.resolver)
}

func (c *Compiler) compile(prog *program.Program, resolver AddressResolver) (*Image, error) {
	if err := prog.CheckStructure(); err != nil {
		if errors.Is(err, program.ErrTruncated) {
			return nil, fmt.Errorf("%v: %w", err, jiterrors.ErrSTruncatedProgram)
		}
		if errors.Is(err, program.ErrProbeCount) {
			return nil, fmt.Errorf("%v: %w", err, jiterrors.ErrSExtableMismatch)
		}
		return nil, err
	}
	p := prog
	if c.cfg.Blinding && c.blinder != nil {
		blinded, err := c.blinder.Blind(prog)
		if err != nil {
			return nil, fmt.Errorf("blind %s: %w", prog.Name, err)
		}
		p = blinded
	}
	if p.ProbeLoads < 0 {
		return nil, fmt.Errorf("compile %s: %d probe loads declared: %w", p.Name, p.ProbeLoads, jiterrors.ErrSExtableMismatch)
	}

	ctx := newCompileCtx(&c.cfg, p, resolver)
	if err := ctx.build(sizer{}); err != nil {
		log.Debug(log.JitModule, "sizing failed", "name", p.Name, "err", err)
		return nil, fmt.Errorf("compile %s: %w", p.Name, err)
	}
	codeSize := ctx.idx * 4
	ctx.extableOff = (codeSize + 3) &^ 3
	total := ctx.extableOff + p.ProbeLoads*ExtableEntrySize

	buf, err := c.alloc.Alloc(total, TrapWord)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %d bytes: %w: %w", p.Name, total, jiterrors.ErrRAllocation, err)
	}
	ctx.base = buf.Addr()
	img := &Image{
		Buf:           buf,
		Addr:          buf.Addr(),
		Len:           codeSize,
		ExtableOffset: ctx.extableOff,
		Stack:         ctx.stackSize,
		prog:          p,
	}
	if err := c.emit(ctx, img); err != nil {
		c.alloc.Free(buf)
		log.Debug(log.JitModule, "emit failed", "name", p.Name, "err", err)
		return nil, fmt.Errorf("compile %s: %w", p.Name, err)
	}
	if p.IsFunc {
		img.ctx = ctx
		return img, nil
	}
	if err := c.finalize(img); err != nil {
		c.alloc.Free(buf)
		return nil, fmt.Errorf("compile %s: %w", p.Name, err)
	}
	log.Debug(log.JitModule, "compiled", "name", p.Name, "insns", len(p.Insns), "words", img.Words(), "extable", len(img.Extable), "addr", fmt.Sprintf("%#x", img.Addr))
	return img, nil
}

// emit runs the emitting pass into img and validates the result.
func (c *Compiler) emit(ctx *compileCtx, img *Image) error {
	b := img.Buf.Bytes()
	if err := ctx.build(writer{buf: b}); err != nil {
		return err
	}
	if ctx.idx*4 != img.Len {
		return fmt.Errorf("%d words emitted, %d sized: %w", ctx.idx, img.Len/4, jiterrors.ErrSPassParity)
	}
	if ctx.exIdx != ctx.prog.ProbeLoads {
		return fmt.Errorf("%d exception entries, %d declared: %w", ctx.exIdx, ctx.prog.ProbeLoads, jiterrors.ErrSExtableMismatch)
	}
	for k := 0; k < ctx.idx; k++ {
		if arm64.Word(b, k) == TrapWord {
			return fmt.Errorf("word %d: %w", k, jiterrors.ErrSTrapInImage)
		}
	}
	for k, e := range ctx.extable {
		e.put(b[ctx.extableOff+k*ExtableEntrySize:])
	}
	img.Extable = append([]ExtableEntry(nil), ctx.extable...)
	img.Offsets = append([]int(nil), ctx.offsets...)
	return nil
}

func (c *Compiler) finalize(img *Image) error {
	c.flush(img.Addr, img.Addr+uint64(img.Len))
	if c.protect != nil {
		if err := c.protect.Protect(img.Buf); err != nil {
			return fmt.Errorf("%w: %w", jiterrors.ErrRProtection, err)
		}
	}
	img.ctx = nil
	return nil
}

// ExtraPass re-emits a pending image with its pseudo calls pointing at
// img.Funcs, and requires the same instruction count as the first emission.
func (c *Compiler) ExtraPass(img *Image) error {
	if !img.Pending() {
		return fmt.Errorf("image at %#x is not pending", img.Addr)
	}
	ctx := img.ctx
	if r, ok := ctx.resolver.(*funcResolver); ok && img.Funcs != nil {
		r.addrs = img.Funcs
	}
	ctx.extraPass = true
	if err := c.emit(ctx, img); err != nil {
		return fmt.Errorf("extra pass %s: %w", ctx.prog.Name, err)
	}
	return c.finalize(img)
}

// CompileFuncs splits prog at its pseudo call targets, compiles each
// function and links the calls. Element 0 is the entry point.
func (c *Compiler) CompileFuncs(prog *program.Program) ([]*Image, error) {
	funcs, err := program.Split(prog)
	if err != nil {
		return nil, err
	}
	if len(funcs) == 1 && !funcs[0].IsFunc {
		img, err := c.Compile(funcs[0])
		if err != nil {
			return nil, err
		}
		return []*Image{img}, nil
	}

	res := &funcResolver{next: c.resolver, top: c.cfg.AddressTop}
	imgs := make([]*Image, 0, len(funcs))
	release := func() {
		for _, img := range imgs {
			c.alloc.Free(img.Buf)
		}
	}
	for _, f := range funcs {
		img, err := c.compile(f, res)
		if err != nil {
			release()
			return nil, err
		}
		imgs = append(imgs, img)
	}
	res.addrs = make([]uint64, len(imgs))
	for k, img := range imgs {
		res.addrs[k] = img.Addr
	}
	for _, img := range imgs {
		img.Funcs = res.addrs
		if err := c.ExtraPass(img); err != nil {
			release()
			return nil, err
		}
	}
	log.Debug(log.JitModule, "linked functions", "name", prog.Name, "funcs", len(imgs))
	return imgs, nil
}

// Restore places previously emitted bytes (code followed by the exception
// table) in fresh memory and finalizes them. The code must not depend on its
// own address, which holds for every image without pseudo calls.
func (c *Compiler) Restore(b []byte, codeLen, extableOff int, offsets []int, stack int) (*Image, error) {
	if codeLen <= 0 || codeLen%4 != 0 || extableOff < codeLen || extableOff > len(b) {
		return nil, fmt.Errorf("restore: code %d, extable at %d of %d bytes", codeLen, extableOff, len(b))
	}
	extable, err := ParseExtable(b[extableOff:])
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	buf, err := c.alloc.Alloc(len(b), TrapWord)
	if err != nil {
		return nil, fmt.Errorf("restore %d bytes: %w: %w", len(b), jiterrors.ErrRAllocation, err)
	}
	copy(buf.Bytes(), b)
	img := &Image{
		Buf:           buf,
		Addr:          buf.Addr(),
		Len:           codeLen,
		ExtableOffset: extableOff,
		Extable:       extable,
		Offsets:       append([]int(nil), offsets...),
		Stack:         stack,
	}
	if err := c.finalize(img); err != nil {
		c.alloc.Free(buf)
		return nil, fmt.Errorf("restore: %w", err)
	}
	return img, nil
}

// Free releases the memory of an image.
func (c *Compiler) Free(img *Image) error {
	return c.alloc.Free(img.Buf)
}

// funcResolver answers pseudo calls of split functions and defers every
// other call. Before all functions are placed it hands out a placeholder
// that only satisfies the fixed-length address form.
type funcResolver struct {
	next  AddressResolver
	top   uint16
	addrs []uint64
}

func (r *funcResolver) Resolve(p *program.Program, idx int, insn program.Instruction, extraPass bool) (uint64, bool, error) {
	if !insn.IsPseudoCall() {
		return r.next.Resolve(p, idx, insn, extraPass)
	}
	if !extraPass || r.addrs == nil {
		return uint64(r.top) << 48, false, nil
	}
	if insn.Imm < 0 || int(insn.Imm) >= len(r.addrs) {
		return 0, false, fmt.Errorf("function %d of %d", insn.Imm, len(r.addrs))
	}
	return r.addrs[insn.Imm], false, nil
}

// HelperTable resolves helper calls by id to fixed addresses.
type HelperTable map[int32]uint64

func (h HelperTable) Resolve(p *program.Program, idx int, insn program.Instruction, extraPass bool) (uint64, bool, error) {
	if insn.IsPseudoCall() {
		return 0, false, fmt.Errorf("pseudo call at %d: program was not split into functions", idx)
	}
	addr, ok := h[insn.Imm]
	if !ok {
		return 0, false, fmt.Errorf("helper %d is not registered", insn.Imm)
	}
	return addr, true, nil
}

// HeapAllocator hands out Go memory at increasing virtual addresses. The
// bytes are never executed natively; the sandbox maps them at Addr.
type HeapAllocator struct {
	mu   sync.Mutex
	next uint64
}

const heapAlign = 0x1000

func NewHeapAllocator(base uint64) *HeapAllocator {
	return &HeapAllocator{next: base}
}

type heapBuffer struct {
	b    []byte
	addr uint64
}

func (h *heapBuffer) Bytes() []byte { return h.b }
func (h *heapBuffer) Addr() uint64  { return h.addr }

func (a *HeapAllocator) Alloc(size int, fill uint32) (Buffer, error) {
	if size <= 0 || size%4 != 0 {
		return nil, fmt.Errorf("heap alloc of %d bytes", size)
	}
	b := make([]byte, size)
	for k := 0; k < size/4; k++ {
		arm64.PutWord(b, k, fill)
	}
	a.mu.Lock()
	addr := a.next
	a.next += (uint64(size) + heapAlign - 1) &^ (heapAlign - 1)
	a.mu.Unlock()
	return &heapBuffer{b: b, addr: addr}, nil
}

func (a *HeapAllocator) Free(Buffer) error {
	return nil
}
