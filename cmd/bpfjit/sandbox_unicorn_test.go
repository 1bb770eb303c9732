//go:build unicorn
// +build unicorn

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSandbox(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		want string
	}{
		{"add", []string{testdata("add.json"), "2", "3"}, "sandbox: r0 = 0x5 (5)"},
		{"loop", []string{testdata("loop.json"), "4"}, "sandbox: r0 = 0xa (10)"},
		{"call", []string{testdata("call.json"), "5"}, "sandbox: r0 = 0xb (11)"},
		{"ctx", []string{"--ctx", "64", testdata("ctx.json")}, "sandbox: r0 = 0x7 (7)"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"run", "--compare"}, tc.args...)...)
			require.NoError(t, err)
			assert.Contains(t, out, tc.want)
			assert.Contains(t, out, "interp: ")
		})
	}
}

func TestRunSandboxBlinded(t *testing.T) {
	out, err := execute(t, "run", "--compare", "--blind", "--seed", "7", testdata("loop.json"), "10")
	require.NoError(t, err)
	assert.Contains(t, out, "sandbox: r0 = 0x37 (55)")
}

func TestRunSandboxNoLSE(t *testing.T) {
	out, err := execute(t, "run", "--no-lse", "--compare", testdata("add.json"), "40", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "r0 = 0x2a (42)")
}
