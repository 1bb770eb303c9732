// bpfjit compiles eBPF programs to AArch64, inspects the output and runs it
// in an emulator, natively or through the reference interpreter.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/colorfulnotion/bpfjit/bpf/blinding"
	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/jit"
	log "github.com/colorfulnotion/bpfjit/log"
	"github.com/colorfulnotion/bpfjit/telemetry"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// options are the persistent flags shared by every command.
type options struct {
	logLevel   string
	debug      string
	jsonLog    bool
	configPath string
	noLSE      bool
	blinding   bool
	seed       uint64
	addrTop    uint16
	endpoint   string
	cacheDir   string

	tel *telemetry.Client
}

func main() {
	root := newRootCmd(os.Stdout)
	if err := root.Execute(); err != nil {
		log.Error(log.CLIModule, "command failed", "err", err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opt := &options{}
	root := &cobra.Command{
		Use:           "bpfjit",
		Short:         "eBPF to AArch64 JIT compiler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opt.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opt.tel.Close(context.Background())
		},
	}
	root.SetOut(out)
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&opt.logLevel, "log-level", "warn", "log level: trace, debug, info, warn, error")
	pf.StringVar(&opt.debug, "debug", "", "comma separated log modules to enable (jit_mod,extable_mod,...)")
	pf.BoolVar(&opt.jsonLog, "json-log", false, "log JSON records to stderr")
	pf.StringVar(&opt.configPath, "config", "", "JSON file with the compiler configuration")
	pf.BoolVar(&opt.noLSE, "no-lse", false, "use exclusive load/store loops for atomics")
	pf.BoolVar(&opt.blinding, "blind", false, "blind constants before compiling")
	pf.Uint64Var(&opt.seed, "seed", 1, "blinding seed")
	pf.Uint16Var(&opt.addrTop, "address-top", 0, "top 16 bits of linked function addresses")
	pf.StringVar(&opt.endpoint, "otlp", "", "OTLP/HTTP collector host:port for spans")
	pf.StringVar(&opt.cacheDir, "cache-dir", "", "compiled image cache directory (empty: no cache)")

	root.AddCommand(
		newCompileCmd(opt),
		newDumpCmd(opt),
		newRunCmd(opt),
		newStatsCmd(opt),
		newDiffCmd(opt),
		newReplCmd(opt),
		newCacheCmd(opt),
		newVersionCmd(),
	)
	return root
}

func (opt *options) setup(ctx context.Context) error {
	if opt.jsonLog {
		if err := log.InitJSONLogger(os.Stderr, opt.logLevel); err != nil {
			return err
		}
	} else {
		log.InitLogger(opt.logLevel)
	}
	log.EnableModules(opt.debug)

	if opt.endpoint == "" {
		opt.tel = telemetry.NewNoOpClient()
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tel, err := telemetry.NewClient(ctx, opt.endpoint)
	if err != nil {
		return err
	}
	opt.tel = tel
	return nil
}

// config is DefaultConfig, then the --config file, then explicit flags.
func (opt *options) config(cmd *cobra.Command) (jit.Config, error) {
	cfg := jit.DefaultConfig()
	if opt.configPath != "" {
		var err error
		if cfg, err = loadConfig(opt.configPath); err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("no-lse") {
		cfg.HasLSE = !opt.noLSE
	}
	if flags.Changed("blind") {
		cfg.Blinding = opt.blinding
	}
	if flags.Changed("address-top") {
		cfg.AddressTop = opt.addrTop
	}
	return cfg, nil
}

func loadConfig(path string) (jit.Config, error) {
	cfg := jit.DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (opt *options) compiler(cfg jit.Config, extra ...jit.Option) *jit.Compiler {
	var opts []jit.Option
	if cfg.Blinding {
		opts = append(opts, jit.WithBlinder(blinding.New(opt.seed)))
	}
	return jit.New(cfg, append(opts, extra...)...)
}

func loadPrograms(paths []string) ([]*program.Program, error) {
	progs := make([]*program.Program, 0, len(paths))
	for _, path := range paths {
		p, err := program.Load(path)
		if err != nil {
			return nil, err
		}
		progs = append(progs, p)
	}
	return progs, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bpfjit %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
}
