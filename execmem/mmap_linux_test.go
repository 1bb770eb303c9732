//go:build linux

package execmem

import (
	"testing"

	"github.com/colorfulnotion/bpfjit/arm64"
	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/jit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAllocator(t *testing.T) {
	a := NewAllocator()
	buf, err := a.Alloc(24, jit.TrapWord)
	require.NoError(t, err)
	require.Len(t, buf.Bytes(), 24)
	for k := 0; k < 6; k++ {
		assert.Equal(t, uint32(jit.TrapWord), arm64.Word(buf.Bytes(), k))
	}
	assert.Zero(t, buf.Addr()%uint64(unix.Getpagesize()))
	assert.Equal(t, 1, a.Live())

	require.NoError(t, a.Protect(buf))
	require.NoError(t, a.Free(buf))
	assert.Equal(t, 0, a.Live())
	assert.Error(t, a.Free(buf), "double free")

	_, err = a.Alloc(6, jit.TrapWord)
	assert.Error(t, err)
}

func TestCompilerUsesMappings(t *testing.T) {
	a := NewAllocator()
	c := jit.New(HostConfig(), jit.WithAllocator(a), jit.WithCacheFlusher(FlushICache))
	img, err := c.Compile(program.New("mapped", 0, program.Seq(program.Mov64Imm(program.R0, 3), program.Exit())))
	require.NoError(t, err)
	assert.Equal(t, 1, a.Live())
	assert.Equal(t, img.Addr, img.Buf.Addr())

	_, err = c.Compile(program.New("broken", 0, []program.Instruction{{Code: 0xff}, program.Exit()}))
	require.Error(t, err)
	assert.Equal(t, 1, a.Live())

	require.NoError(t, c.Free(img))
	assert.Equal(t, 0, a.Live())
}
