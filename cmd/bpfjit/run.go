package main

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"unsafe"

	"github.com/colorfulnotion/bpfjit/bpf/blinding"
	"github.com/colorfulnotion/bpfjit/bpf/interp"
	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/execmem"
	"github.com/colorfulnotion/bpfjit/jit"
	log "github.com/colorfulnotion/bpfjit/log"
	"github.com/colorfulnotion/bpfjit/telemetry"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
)

const (
	engineSandbox = "sandbox"
	engineInterp  = "interp"
	engineNative  = "native"
)

// ctxAddr is where the context buffer sits for the sandbox and the
// interpreter: the first allocation of the sandbox data area.
const ctxAddr = jit.SandboxDataBase

type runRequest struct {
	prog    *program.Program
	args    []uint64
	ctxSize int
}

// withCtx prepends the context address to the arguments when there is a context.
func (r *runRequest) withCtx(addr uint64) []uint64 {
	if r.ctxSize == 0 {
		return r.args
	}
	return append([]uint64{addr}, r.args...)
}

func parseArgs(args []string) ([]uint64, error) {
	out := make([]uint64, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			s, serr := strconv.ParseInt(a, 0, 64)
			if serr != nil {
				return nil, fmt.Errorf("argument %q: %w", a, err)
			}
			v = uint64(s)
		}
		out = append(out, v)
	}
	return out, nil
}

func (opt *options) run(ctx context.Context, engine string, cfg jit.Config, req *runRequest) (r0 uint64, err error) {
	_, span := opt.tel.Start(ctx, "run",
		attribute.String("run.engine", engine),
		attribute.String("prog.name", req.prog.Name),
	)
	defer func() {
		if err != nil {
			telemetry.Fail(span, err)
		} else {
			span.SetAttributes(attribute.String("run.r0", fmt.Sprintf("%#x", r0)))
		}
		span.End()
	}()

	switch engine {
	case engineInterp:
		return runInterp(req)
	case engineNative:
		return opt.runNative(cfg, req)
	case engineSandbox:
		return opt.runSandbox(cfg, req)
	}
	return 0, fmt.Errorf("unknown engine %q", engine)
}

func runInterp(req *runRequest) (uint64, error) {
	vm := interp.NewVM(nil)
	if req.ctxSize > 0 {
		if err := vm.Mem.Map(&interp.Region{Name: "ctx", Addr: ctxAddr, Data: make([]byte, req.ctxSize)}); err != nil {
			return 0, err
		}
	}
	return vm.Run(req.prog, req.withCtx(ctxAddr)...)
}

func (opt *options) runSandbox(cfg jit.Config, req *runRequest) (uint64, error) {
	var jopts []jit.Option
	if cfg.Blinding {
		jopts = append(jopts, jit.WithBlinder(blinding.New(opt.seed)))
	}
	sb, err := jit.NewSandbox(cfg, jopts...)
	if errors.Is(err, jit.ErrNoSandbox) {
		return 0, fmt.Errorf("%w; try --engine interp", err)
	}
	if err != nil {
		return 0, err
	}
	defer sb.Close()

	img, err := sb.Compile(req.prog)
	if err != nil {
		return 0, err
	}
	addr := uint64(0)
	if req.ctxSize > 0 {
		if addr, err = sb.Alloc(req.ctxSize); err != nil {
			return 0, err
		}
	}
	r0, err := sb.Run(img, req.withCtx(addr)...)
	if sb.Faults > 0 {
		log.Info(log.CLIModule, "probe loads fixed up", "faults", sb.Faults)
	}
	return r0, err
}

func (opt *options) runNative(cfg jit.Config, req *runRequest) (uint64, error) {
	var jopts []jit.Option
	if cfg.Blinding {
		jopts = append(jopts, jit.WithBlinder(blinding.New(opt.seed)))
	}
	comp := execmem.NewCompiler(cfg, jopts...)
	imgs, err := comp.CompileFuncs(req.prog)
	if err != nil {
		return 0, err
	}
	defer func() {
		for _, img := range imgs {
			comp.Free(img)
		}
	}()
	var buf []byte
	addr := uint64(0)
	if req.ctxSize > 0 {
		buf = make([]byte, req.ctxSize)
		addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	r0, err := execmem.Call(imgs[0], req.withCtx(addr)...)
	runtime.KeepAlive(buf)
	return r0, err
}

func newRunCmd(opt *options) *cobra.Command {
	var (
		engine  string
		ctxSize string
		compare bool
	)
	cmd := &cobra.Command{
		Use:   "run <program> [arg...]",
		Short: "Compile and run a program, printing R0",
		Long: "Runs a program with its arguments in R1..R5. With --ctx a zeroed buffer of\n" +
			"that size is allocated and its address is passed as the first argument.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opt.config(cmd)
			if err != nil {
				return err
			}
			if engine == engineNative && !cmd.Flags().Changed("no-lse") {
				cfg.HasLSE = execmem.HostConfig().HasLSE
			}
			p, err := program.Load(args[0])
			if err != nil {
				return err
			}
			vals, err := parseArgs(args[1:])
			if err != nil {
				return err
			}
			req := &runRequest{prog: p, args: vals}
			if ctxSize != "" {
				n, err := units.RAMInBytes(ctxSize)
				if err != nil {
					return fmt.Errorf("--ctx: %w", err)
				}
				req.ctxSize = int(n)
			}
			if len(req.withCtx(0)) > 5 {
				return fmt.Errorf("%d arguments, at most 5", len(req.withCtx(0)))
			}

			w := cmd.OutOrStdout()
			r0, err := opt.run(cmd.Context(), engine, cfg, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s: r0 = %#x (%d)\n", engine, r0, int64(r0))
			if !compare || engine == engineInterp {
				return nil
			}
			want, err := opt.run(cmd.Context(), engineInterp, cfg, req)
			if err != nil {
				return fmt.Errorf("interp: %w", err)
			}
			fmt.Fprintf(w, "%s: r0 = %#x (%d)\n", engineInterp, want, int64(want))
			if want != r0 {
				return fmt.Errorf("%s returned %#x, interp %#x", engine, r0, want)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&engine, "engine", "e", engineSandbox, "sandbox (emulated), interp or native (linux/arm64)")
	cmd.Flags().StringVar(&ctxSize, "ctx", "", "size of a zeroed context buffer passed in R1, e.g. 64 or 4k")
	cmd.Flags().BoolVar(&compare, "compare", false, "also run the interpreter and fail on a different result")
	return cmd
}
