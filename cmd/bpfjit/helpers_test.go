package main

import "github.com/colorfulnotion/bpfjit/jit"

func defaultTestConfig() jit.Config {
	return jit.DefaultConfig()
}
