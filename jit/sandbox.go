package jit

import "errors"

// Sandbox address space. Images come from the heap allocator at
// Config.ImageBase and are mapped at their own addresses.
const (
	SandboxHelperBase = 0x0f000000
	SandboxHelperSize = 0x10000
	SandboxHaltAddr   = SandboxHelperBase + SandboxHelperSize - 0x1000
	SandboxDataBase   = 0x20000000
	SandboxDataSize   = 0x100000
	SandboxStackBase  = 0x7e000000
	SandboxStackSize  = 0x100000

	helperSlot = 0x100
	// sandboxMaxInsns stops runaway programs; 0 would mean unbounded.
	sandboxMaxInsns = 1 << 24
)

var (
	// ErrNoSandbox is returned by binaries built without the unicorn tag.
	ErrNoSandbox = errors.New("sandbox not available: build with -tags unicorn")
	// ErrSandboxLimit reports a run that did not return within the instruction limit.
	ErrSandboxLimit = errors.New("sandbox instruction limit reached")
)

// sandboxConfig adapts cfg to the emulated CPU, which lacks the LSE atomics.
func sandboxConfig(cfg Config) Config {
	cfg.HasLSE = false
	return cfg
}

func pageAlign(n uint64) uint64 {
	return (n + 0xfff) &^ 0xfff
}
