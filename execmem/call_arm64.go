package execmem

const canCall = true

// callImage branches to entry with a1..a5 in x0..x4 on a private stack
// area inside its own frame and returns x0.
func callImage(entry, a1, a2, a3, a4, a5 uint64) uint64
