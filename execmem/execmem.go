// Package execmem places compiled images in host memory that can be
// executed natively.
package execmem

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/colorfulnotion/bpfjit/jit"
	"golang.org/x/sys/cpu"
)

// ErrUnsupported is returned on hosts that cannot map or run AArch64 code.
var ErrUnsupported = errors.New("native execution needs linux/arm64")

// HostConfig is DefaultConfig adjusted to the features of the running CPU.
func HostConfig() jit.Config {
	cfg := jit.DefaultConfig()
	cfg.HasLSE = runtime.GOARCH == "arm64" && cpu.ARM64.HasATOMICS
	return cfg
}

// NewCompiler returns a compiler that allocates, flushes and protects
// through this package.
func NewCompiler(cfg jit.Config, opts ...jit.Option) *jit.Compiler {
	base := []jit.Option{jit.WithAllocator(NewAllocator()), jit.WithCacheFlusher(FlushICache)}
	return jit.New(cfg, append(base, opts...)...)
}

// Call runs img natively with args in R1..R5 and returns R0. The image must
// come from an Allocator and be finalized.
func Call(img *jit.Image, args ...uint64) (uint64, error) {
	if !canCall {
		return 0, ErrUnsupported
	}
	if _, ok := img.Buf.(*mapping); !ok {
		return 0, fmt.Errorf("image at %#x is not in executable memory", img.Addr)
	}
	if img.Pending() {
		return 0, fmt.Errorf("image at %#x is pending", img.Addr)
	}
	if len(args) > 5 {
		return 0, fmt.Errorf("%d arguments, at most 5", len(args))
	}
	var a [5]uint64
	copy(a[:], args)
	return callImage(img.Addr, a[0], a[1], a[2], a[3], a[4]), nil
}
