package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/config"
	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/logging"
	"github.com/JakeFAU/listing-harvester/internal/server"
	"github.com/JakeFAU/listing-harvester/internal/worker"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use.
// Tests inject a fake through newApp.
type App interface {
	Crawl(ctx context.Context) (crawler.Summary, error)
	Compact(ctx context.Context) (server.CompactResult, error)
	RetryMissed(ctx context.Context) (worker.RetrySummary, server.CompactResult, error)
	Serve(ctx context.Context)
	Close(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return server.Build(ctx, cfg, logger)
}

// newLogger is replaced in tests.
var newLogger = logging.New

// newRootCmd creates the root command with its own Viper instance so flags
// bound by subcommands never leak between invocations.
func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests records from a paginated listing site.",
		Long: `harvester walks a paginated listing, fetches every detail page it links
to, and appends the extracted records to a crash-safe checkpoint log. The
log is compacted into a de-duplicated CSV dataset after each run, and links
that could not be harvested can be retried later.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Read(v, cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			validate := cfg.Validate
			if cmd.Name() == compactCmdName {
				validate = cfg.ValidateCompaction
			}
			if err := validate(); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger.Named(cmd.Name()))
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			appInstance.Serve(cmd.Context())
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().Bool("dev-logging", false, "use zap's development logger")
	bindFlag(v, cmd, "logging.development", "dev-logging")

	cmd.AddCommand(newCrawlCmd(v), newCompactCmd(), newRetryMissedCmd(v))
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// withApp hands the App built by the root command to run and closes it
// afterwards, also when run fails.
func withApp(cmd *cobra.Command, run func(ctx context.Context, appInstance App) error) (err error) {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := appInstance.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close: %w", cerr))
		}
	}()
	return run(cmd.Context(), appInstance)
}

// bindFlag maps a flag of cmd onto a config key.
func bindFlag(v *viper.Viper, cmd *cobra.Command, key, name string) {
	flag := cmd.Flags().Lookup(name)
	if flag == nil {
		flag = cmd.PersistentFlags().Lookup(name)
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind --%s to %s: %v", name, key, err))
	}
}

// Execute runs the CLI until it finishes or the process is interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "harvester:", err)
		stop()
		os.Exit(1)
	}
}
