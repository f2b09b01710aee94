// Command nfatrace parses the supervisor's CLI surface and delegates
// every bit of business logic to internal/cli.Run, keeping this file to
// flag plumbing only.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nfatrace/supervisor/internal/cli"
	"github.com/nfatrace/supervisor/internal/config"
	"github.com/nfatrace/supervisor/internal/runner"
)

var (
	flagPid              int
	flagFollowThreads    bool
	flagFollowChildren   bool
	flagJail             bool
	flagBacktrace        bool
	flagAuthorizer       bool
	flagLearn            bool
	flagNFAPath          string
	flagAssociationsPath string
	flagDotPath          string
	flagConfigFile       string
	flagVerbose          bool
)

var rootCmd = &cobra.Command{
	Use:   "nfatrace [flags] -- run <prog> [args...]",
	Short: "NFA-fingerprint syscall authoriser",
	Long: `nfatrace attaches to or launches a process and authorises its syscall
sequence against a learned NFA fingerprint policy, either recording a new
policy (--learn) or enforcing a previously saved one.`,
	RunE: runRoot,
}

func init() {
	rootCmd.Flags().IntVar(&flagPid, "pid", 0, "attach to this kernel task (mutually exclusive with run)")
	rootCmd.Flags().BoolVar(&flagFollowThreads, "follow-threads", true, "enable TRACECLONE")
	rootCmd.Flags().BoolVar(&flagFollowChildren, "follow-children", true, "enable TRACEFORK|TRACEVFORK")
	rootCmd.Flags().BoolVar(&flagJail, "jail", false, "enable EXITKILL")
	rootCmd.Flags().BoolVar(&flagBacktrace, "backtrace", true, "fingerprint by stack unwinding rather than PC+SP")
	rootCmd.Flags().BoolVar(&flagAuthorizer, "authorizer", false, "activate the authoriser subsystem")
	rootCmd.Flags().BoolVar(&flagLearn, "learn", true, "learning mode (else enforce)")
	rootCmd.Flags().StringVar(&flagNFAPath, "nfa", "nfatrace.nfa", "automaton persistence path")
	rootCmd.Flags().StringVar(&flagAssociationsPath, "associations", "nfatrace.assoc", "fingerprint map persistence path")
	rootCmd.Flags().StringVar(&flagDotPath, "dot", "", "optional DOT dump target")
	rootCmd.Flags().StringVar(&flagConfigFile, "config", "", "optional TOML defaults file")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug-level logging")
}

func runRoot(cmd *cobra.Command, args []string) error {
	log, err := newLogger(flagVerbose)
	if err != nil {
		return fmt.Errorf("nfatrace: build logger: %w", err)
	}
	defer log.Sync()

	cfg, err := buildConfig(args)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	result := cli.Run(ctx, cfg, log)
	log.Info("run finished",
		zap.String("status", result.Status.String()),
		zap.Duration("setup_time", result.SetUpTime),
		zap.Duration("running_time", result.RunningTime),
	)
	if result.Error != "" {
		log.Error("run reported an error", zap.String("error", result.Error))
	}

	if result.Status != runner.StatusNormal || ctx.Err() != nil {
		os.Exit(1)
	}
	return nil
}

// buildConfig layers config.Default() under an optional --config TOML
// file under the flags actually set on cmd, so CLI flags always win
// over file defaults.
func buildConfig(runArgs []string) (config.Config, error) {
	cfg := config.Default()

	if flagConfigFile != "" {
		fd, err := config.LoadFile(flagConfigFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("nfatrace: load config %s: %w", flagConfigFile, err)
		}
		cfg = fd.Apply(cfg)
	}

	cfg.Pid = flagPid
	if len(runArgs) > 0 && runArgs[0] == "run" {
		runArgs = runArgs[1:]
	}
	cfg.Run = runArgs
	cfg.FollowThreads = flagFollowThreads
	cfg.FollowChildren = flagFollowChildren
	cfg.Jail = flagJail
	cfg.Backtrace = flagBacktrace
	cfg.Authorizer = flagAuthorizer
	cfg.Learn = flagLearn
	cfg.NFAPath = flagNFAPath
	cfg.AssociationsPath = flagAssociationsPath
	cfg.DotPath = flagDotPath
	cfg.Verbose = flagVerbose
	return cfg, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
