//go:build !arm64

package execmem

const canCall = false

func callImage(entry, a1, a2, a3, a4, a5 uint64) uint64 {
	panic("execmem: native calls need arm64")
}
