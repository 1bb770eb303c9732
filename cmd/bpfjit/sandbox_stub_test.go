//go:build !unicorn
// +build !unicorn

package main

import (
	"testing"

	"github.com/colorfulnotion/bpfjit/jit"
	"github.com/stretchr/testify/assert"
)

func TestRunWithoutSandbox(t *testing.T) {
	_, err := execute(t, "run", testdata("add.json"), "1", "2")
	assert.ErrorIs(t, err, jit.ErrNoSandbox)
	assert.ErrorContains(t, err, "--engine interp")
}
