package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"tbx.at/ccoffload"
	"tbx.at/ccoffload/config"
	"tbx.at/ccoffload/environment"
	"tbx.at/ccoffload/negotiation"
	"tbx.at/ccoffload/service"
	"tbx.at/ccoffload/slot"
)

// CLI carries the process environment into the commands so that tests can
// replace it.
type CLI struct {
	Getenv  func(string) string
	Environ func() []string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	// Self is the path of the running executable; compiler lookup skips
	// it.
	Self string
	// Exit terminates the process from the signal handler.
	Exit     func(code int)
	Dialer   negotiation.Dialer
	Exec     service.ExecService
	Sentinel service.SentinelService

	configPath string
	verbose    bool
}

func NewCLI() *CLI {
	self, _ := os.Executable()
	return &CLI{
		Getenv:   os.Getenv,
		Environ:  os.Environ,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		Self:     self,
		Exit:     os.Exit,
		Dialer:   &net.Dialer{},
		Exec:     &service.ExecServiceImpl{},
		Sentinel: &service.SentinelServiceImpl{},
	}
}

// ExitError carries the exit code of the compiler out of cobra.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

func (c *CLI) BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ccoffload [flags] <compiler> [args...]",
		Short: "Offload C and C++ compilations to remote workers",
		Long: `ccoffload stands in for a compiler. Each invocation asks the scheduler for a
worker, sends it the preprocessed source and writes back the object file.
Whenever anything goes wrong the real compiler runs locally instead, with
the original arguments.

Symlink ccoffload as gcc, g++, cc, clang or clang++ to use it transparently.`,
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			if code := c.Compile(cmd.Context(), args); code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}
	// Everything after the compiler belongs to the compiler.
	rootCmd.Flags().SetInterspersed(false)
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "extra configuration file, takes precedence over the default locations")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log at debug level")
	rootCmd.SetIn(c.Stdin)
	rootCmd.SetOut(c.Stdout)
	rootCmd.SetErr(c.Stderr)

	rootCmd.AddCommand(c.buildSlotsCommand())
	rootCmd.AddCommand(c.buildStatsCommand())
	rootCmd.AddCommand(c.buildPingCommand())

	return rootCmd
}

func (c *CLI) getenv(key string) string {
	if key == config.EnvPrefix+"CONFIG" && c.configPath != "" {
		return c.configPath
	}
	return c.Getenv(key)
}

func (c *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.getenv)
	if err != nil {
		return nil, err
	}
	if c.verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

// Compile runs argv as a compiler invocation and returns the exit code
// the process should end with.
func (c *CLI) Compile(ctx context.Context, argv []string) int {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.Sentinel.SentinelExists() {
		fmt.Fprintln(c.Stderr, "Recursive invocation of ccoffload detected.")
		return 1
	}
	if err := c.Sentinel.WriteSentinel(); err != nil {
		fmt.Fprintf(c.Stderr, "ccoffload: %s\n", err)
		return 1
	}

	cfg, err := c.loadConfig()
	if err != nil {
		fmt.Fprintf(c.Stderr, "ccoffload: %s\n", err)
		return 1
	}
	logger, logCloser, err := config.NewLogger(cfg, c.Stderr)
	if err != nil {
		fmt.Fprintf(c.Stderr, "ccoffload: %s\n", err)
		return 1
	}
	defer logCloser.Close()

	compiler, err := environment.Resolve(argv[0], cfg.Compiler, c.Self, c.Getenv("PATH"))
	if err != nil {
		logger.Error("can't find executable", "argv0", argv[0], "error", err)
		fmt.Fprintf(c.Stderr, "ccoffload: can't find executable for %s\n", argv[0])
		return 1
	}
	logger.Debug("resolved compiler", "argv0", argv[0], "preresolved", cfg.Compiler, "path", compiler.Path, "resolved", compiler.Resolved, "remote", compiler.Remote)

	slots := slot.NewManagerFromConfig(cfg, logger)
	defer slots.ReleaseAll()
	stopSignals := c.handleSignals(slots, logger)
	defer stopSignals()

	services, cleanup := c.services(ctx, cfg, logger)
	defer cleanup()

	dir, _ := os.Getwd()
	invocation := NewInvocation(argv, compiler, dir, c.Environ())
	orchestrator := NewOrchestrator(cfg, invocation, slots, services, c.Dialer, logger)
	outcome := orchestrator.Run(ctx)

	record := orchestrator.Record(outcome)
	orchestrator.Report(record)
	_ = orchestrator.Persist(ctx, record)

	if outcome.Err != nil {
		logger.Error("local compile failed", "error", outcome.Err)
		fmt.Fprintf(c.Stderr, "ccoffload: %s\n", outcome.Err)
	}
	return outcome.ExitCode
}

// handleSignals gives every held slot back before the process dies.
func (c *CLI) handleSignals(slots *slot.Manager, logger hclog.Logger) (stop func()) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGALRM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-signals:
			logger.Debug("caught signal", "signal", sig)
			slots.ReleaseAll()
			c.Exit(1)
		case <-done:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(signals)
			close(done)
		})
	}
}

func (c *CLI) services(ctx context.Context, cfg *config.Config, logger hclog.Logger) (*service.Services, func()) {
	services := &service.Services{
		Stdin:      c.Stdin,
		Stdout:     c.Stdout,
		Stderr:     c.Stderr,
		Exec:       c.Exec,
		OutputFile: &service.OutputFileServiceImpl{},
		Ping:       &service.PingServiceImpl{},
		Sentinel:   c.Sentinel,
	}
	cleanup := func() {}

	if cfg.Stats.Database != "" {
		db, closeDB, err := ccoffload.OpenDB(ctx, logger.Named("stats"), cfg.Stats.Database, service.StatsMigrations)
		if err != nil {
			logger.Warn("failed to open stats database", "path", cfg.Stats.Database, "error", err)
		} else {
			services.Stats = &service.StatsServiceImpl{DB: db}
			cleanup = func() {
				_ = closeDB()
			}
		}
	}
	if cfg.Metrics.Pushgateway != "" {
		services.Metrics = &service.MetricsServiceImpl{URL: cfg.Metrics.Pushgateway}
	}
	return services, cleanup
}

func (c *CLI) buildSlotsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Show the free units of every bounded slot pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			return slot.NewManagerFromConfig(cfg, hclog.NewNullLogger()).Dump(cmd.OutOrStdout())
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clean",
		Short: "Remove every slot pool so that the next compile starts from full pools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			return slot.NewManagerFromConfig(cfg, hclog.NewNullLogger()).Clean()
		},
	})
	return cmd
}

func (c *CLI) buildStatsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "List the most recent invocations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Stats.Database == "" {
				return errors.New("stats.database is not configured")
			}
			db, closeDB, err := ccoffload.OpenDB(cmd.Context(), hclog.NewNullLogger(), cfg.Stats.Database, service.StatsMigrations)
			if err != nil {
				return err
			}
			defer closeDB()

			records, err := (&service.StatsServiceImpl{DB: db}).Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of invocations to show")
	return cmd
}

func printRecords(w io.Writer, records []service.InvocationRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tMODE\tEXIT\tDURATION\tSOURCE\tREASON")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			r.Started.Format(time.DateTime),
			r.Mode,
			r.ExitCode,
			r.Duration.Round(time.Millisecond),
			r.SourceFile,
			r.Reason,
		)
	}
	return tw.Flush()
}

func (c *CLI) buildPingCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ping [address...]",
		Short: "Check that the scheduler, or the given addresses, answer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				cfg, err := c.loadConfig()
				if err != nil {
					return err
				}
				args = []string{cfg.SchedulerAddress()}
			}

			ping := &service.PingServiceImpl{Timeout: timeout}
			out := cmd.OutOrStdout()
			var mu sync.Mutex
			eg, ctx := errgroup.WithContext(cmd.Context())
			for _, address := range args {
				address := address
				eg.Go(func() error {
					rtt, err := ping.Ping(ctx, "tcp", address)
					if err != nil {
						return fmt.Errorf("%s: %w", address, err)
					}
					mu.Lock()
					defer mu.Unlock()
					fmt.Fprintf(out, "pong from %s in %s\n", address, rtt.Round(time.Microsecond))
					return nil
				})
			}
			return eg.Wait()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "give up on an address after this long")
	return cmd
}
