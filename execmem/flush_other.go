//go:build !arm64

package execmem

// FlushICache does nothing on hosts whose instruction fetch is coherent
// with data writes.
func FlushICache(start, end uint64) {}
