package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/raymyers/ralph-ra/pkg/emit"
	"github.com/raymyers/ralph-ra/pkg/lir"
	"github.com/raymyers/ralph-ra/pkg/liveness"
	"github.com/raymyers/ralph-ra/pkg/regalloc"
	"github.com/raymyers/ralph-ra/pkg/target"
)

var version = "0.1.0"

// Dump flags for intermediate data
var (
	dLIR   bool
	dLive  bool
	dState bool
)

// Allocation options
var (
	targetName  string
	noSwap      bool
	relive      bool
	debug       bool
	listTargets bool
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd(os.Stdout, os.Stderr)
	rootCmd.SetArgs(normalizeFlags(os.Args[1:]))
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

// dumpFlagNames lists the dump flags that also accept a single dash
var dumpFlagNames = []string{"dlir", "dlive", "dstate"}

// normalizeFlags converts single-dash dump flags like -dlir to --dlir
func normalizeFlags(args []string) []string {
	result := make([]string, len(args))
	for i, arg := range args {
		result[i] = arg
		for _, name := range dumpFlagNames {
			if arg == "-"+name {
				result[i] = "--" + name
				break
			}
		}
	}
	return result
}

// wordSepNormalize accepts underscores in flag names, e.g. --no_swap
func wordSepNormalize(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ralph-ra [file.yaml]",
		Short: "ralph-ra runs a local register allocator over a described function",
		Long: `ralph-ra reads a function in LIR form (YAML), computes the liveness
facts it lacks and assigns physical registers block by block, printing
the code with the moves, swaps, loads and saves the allocator inserted.`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.SetOutput(errOut)
			log.SetLevel(log.WarnLevel)
			if debug {
				log.SetLevel(log.DebugLevel)
			}
			if listTargets {
				for _, name := range target.PresetNames() {
					fmt.Fprintln(out, name)
				}
				return nil
			}
			if len(args) == 0 {
				cmd.Help()
				return nil
			}
			err := doAllocate(args[0], out)
			if err != nil {
				fmt.Fprintf(errOut, "ralph-ra: %v\n", err)
			}
			return err
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
	rootCmd.Flags().SetNormalizeFunc(wordSepNormalize)

	rootCmd.Flags().BoolVarP(&dLIR, "dlir", "", false, "Dump the function after liveness analysis")
	rootCmd.Flags().BoolVarP(&dLive, "dlive", "", false, "Dump live-in and live-out sets")
	rootCmd.Flags().BoolVarP(&dState, "dstate", "", false, "Dump block entry and exit assignments")

	rootCmd.Flags().StringVarP(&targetName, "target", "t", "", "Target preset or YAML file (overrides the input)")
	rootCmd.Flags().BoolVar(&noSwap, "no-swap", false, "Pretend no register group can swap")
	rootCmd.Flags().BoolVar(&relive, "liveness", false, "Recompute live-in sets and kill flags given in the input")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Log allocator decisions")
	rootCmd.Flags().BoolVar(&listTargets, "targets", false, "List target presets")

	return rootCmd
}

// loadFunction reads a function and the target it is allocated for
func loadFunction(filename string) (*lir.Function, *target.Target, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, err
	}
	name := targetName
	if name == "" {
		if name, err = lir.PeekTarget(data); err != nil {
			return nil, nil, err
		}
	}
	if name == "" {
		name = "x86-64"
	}
	tgt, err := target.Resolve(name)
	if err != nil {
		return nil, nil, err
	}
	if noSwap {
		tgt = tgt.WithoutSwap()
	}
	fn, err := lir.Decode(data, tgt)
	if err != nil {
		return nil, nil, errors.WithMessage(err, filename)
	}
	return fn, tgt, nil
}

// prepare fills in liveness facts; kill flags are only trusted when the
// input came with its own live-in sets.
func prepare(fn *lir.Function) {
	missing := relive
	for _, b := range fn.Blocks {
		if b.LiveIn == nil {
			missing = true
		}
		if relive {
			b.LiveIn = nil
		}
	}
	liveness.Annotate(fn, liveness.Options{Kills: missing})
}

// doAllocate allocates the function in filename and prints the result
func doAllocate(filename string, out io.Writer) error {
	fn, tgt, err := loadFunction(filename)
	if err != nil {
		return err
	}
	prepare(fn)

	if dLIR {
		lir.NewPrinter(out, tgt).PrintFunction(fn)
		return nil
	}
	if dLive {
		printLiveness(out, fn)
		return nil
	}

	rec := emit.NewRecorder()
	res, err := regalloc.New(tgt, rec).Run(fn)
	if err != nil {
		return err
	}
	if dState {
		for i, b := range fn.Blocks {
			fmt.Fprintf(out, "%s:\n\tentry %s\n\texit  %s\n", b.Name,
				formatAssignment(fn, tgt, res.Entries[i]), formatAssignment(fn, tgt, res.Exits[i]))
		}
		return nil
	}
	emit.NewPrinter(out, fn, tgt).Print(rec)
	return nil
}

func printLiveness(out io.Writer, fn *lir.Function) {
	for _, b := range fn.Blocks {
		fmt.Fprintf(out, "%s:\n\tin:  %s\n\tout: %s\n", b.Name,
			lir.WorkSetString(fn, b.LiveIn), lir.WorkSetString(fn, b.LiveOut))
	}
}

// formatAssignment renders a state with register and work names, dirty
// registers marked with '*'
func formatAssignment(fn *lir.Function, tgt *target.Target, a *regalloc.Assignment) string {
	var parts []string
	for g := 0; g < a.NumGroups(); g++ {
		for _, p := range a.Assigned(lir.Group(g)).IDs() {
			s := tgt.RegName(lir.Group(g), p) + "=" + fn.WorkReg(a.PhysToWorkID(lir.Group(g), p)).Name
			if a.IsPhysDirty(lir.Group(g), p) {
				s += "*"
			}
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return "{}"
	}
	return "{" + strings.Join(parts, " ") + "}"
}
