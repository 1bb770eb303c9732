package execmem

func cacheType() uint64

func flushRange(start, end, line uintptr)

// FlushICache cleans the data cache to the point of unification and
// invalidates the instruction cache over [start, end).
func FlushICache(start, end uint64) {
	if end <= start {
		return
	}
	ctr := cacheType()
	dline := uint64(4) << ((ctr >> 16) & 0xf)
	iline := uint64(4) << (ctr & 0xf)
	line := dline
	if iline < line {
		line = iline
	}
	flushRange(uintptr(start&^(line-1)), uintptr(end), uintptr(line))
}
