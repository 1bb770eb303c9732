package jit

// TailCallLayout locates the fields the tail call trampoline reads. The
// container passed in R2 holds a u32 capacity and an array of 8-byte program
// pointers; each program record holds the address of its compiled entry.
type TailCallLayout struct {
	MaxEntriesOffset uint32 `json:"max_entries_offset"`
	PtrsOffset       uint32 `json:"ptrs_offset"`
	FuncOffset       uint32 `json:"func_offset"`
}

// Config carries target features and layout constants. It is read-only once
// a Compiler is built.
type Config struct {
	// HasLSE selects STADD for atomic add instead of an exclusive retry loop.
	HasLSE bool `json:"has_lse"`
	// Blinding runs the Blinder (if any) before sizing.
	Blinding bool `json:"blinding"`
	// AddressTop is the fixed top 16 bits of every address materialized in
	// the three-word form: 0xffff for kernel-style images, 0x0000 for user space.
	AddressTop uint16 `json:"address_top"`
	// MaxTailCalls bounds the tail call counter; a call is refused once the
	// counter exceeds it, so a chain may take MaxTailCalls+1 calls. Current
	// kernels refuse at counter >= limit and allow exactly MaxTailCalls.
	MaxTailCalls uint32         `json:"max_tail_calls"`
	TailCall     TailCallLayout `json:"tail_call"`
	// ImageBase is the virtual address the default heap allocator hands out.
	ImageBase uint64 `json:"image_base"`
}

const (
	defaultMaxTailCalls = 32
	defaultImageBase    = 0x10000000
)

// DefaultConfig matches the layout of the Linux bpf_array and bpf_prog structures.
func DefaultConfig() Config {
	return Config{
		HasLSE:       true,
		AddressTop:   0x0000,
		MaxTailCalls: defaultMaxTailCalls,
		TailCall: TailCallLayout{
			MaxEntriesOffset: 0x24,
			PtrsOffset:       0x110,
			FuncOffset:       0x30,
		},
		ImageBase: defaultImageBase,
	}
}
