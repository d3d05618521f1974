package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tritrack/compliance/internal/app"
	"github.com/tritrack/compliance/internal/config"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "compliancectl",
	Short: "Operate the TriTrack compliance engine",
	Long: `compliancectl runs one-off maintenance against the compliance engine's
database: migrations, default seeding, encrypted settings, retention jobs,
audit chain verification and report exports.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("compliancectl version %s\nBuilt: %s\n", Version, BuildTime))

	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	rootCmd.PersistentFlags().StringP("config", "c", defaultPath, "Path to configuration file")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(tokenCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// withApp builds the application for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error, opts ...app.Option) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, app.NewLogger(cfg.Logging), opts...)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Database is up to date")
			return nil
		}, app.WithMigrations())
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Install default retention policies, jobs and settings",
	Long: `Install the default retention policies, retention jobs and settings.
Existing rows are left untouched, so the command is safe to repeat.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			sum, err := a.Seed(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Policies created:   %d\n", sum.Policies)
			fmt.Fprintf(out, "Jobs created:       %d\n", sum.Jobs)
			fmt.Fprintf(out, "Settings created:   %d\n", sum.Settings)
			fmt.Fprintf(out, "Settings encrypted: %d\n", sum.EncryptedSettings)
			return nil
		})
	},
}
