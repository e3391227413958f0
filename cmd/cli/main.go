package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cochaviz/tapwire/config"
	"github.com/cochaviz/tapwire/internal/errdefs"
	"github.com/cochaviz/tapwire/internal/logging"
	"github.com/cochaviz/tapwire/internal/repositories/local"
	"github.com/cochaviz/tapwire/internal/setup"
)

const (
	defaultLogLevel   = "info"
	defaultConfigPath = "tapwire.yaml"
)

type cli struct {
	v        *viper.Viper
	levelVar slog.LevelVar
	logger   *slog.Logger
}

func main() {
	c := &cli{v: viper.New()}
	c.levelVar.Set(slog.LevelInfo)
	c.logger = logging.NewCLI(os.Stderr, &c.levelVar)
	slog.SetDefault(c.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := c.newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			c.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		c.logger.Error("command execution failed", "error", err)
		if errdefs.IsUsage(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func (c *cli) newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "tapwire",
		Short:         "Capture the network traffic of mobile apps on Android and iOS devices",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.String("config", defaultConfigPath, "Path to the tapwire configuration file")
	flags.String("log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	flags.String("log-format", "cli", "Log output format (cli, json)")
	for _, name := range []string{"config", "log-level", "log-format"} {
		_ = c.v.BindPFlag(name, flags.Lookup(name))
	}
	c.v.SetEnvPrefix("TAPWIRE")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(c.v.GetString("log-level"))
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(c.v.GetString("log-format"))
		if err != nil {
			return err
		}
		c.levelVar.Set(level)
		c.logger = logging.New(mode, os.Stderr, &c.levelVar)
		slog.SetDefault(c.logger)
		setup.SetLogger(c.logger.With("component", "setup"))
		return nil
	}

	root.AddCommand(
		c.newAnalyzeCommand(),
		c.newPreflightCommand(),
		c.newEmulatorCommand(),
		c.newResultsCommand(),
		c.newSetupCommand(),
	)
	return root
}

func (c *cli) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := c.v.GetString("config")
	explicit := cmd.Flags().Changed("config") || os.Getenv("TAPWIRE_CONFIG") != ""
	cfg, err := config.LoadOrDefault(path, explicit)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"output-dir", "run-time"} {
		if flag := cmd.Flags().Lookup(name); flag != nil {
			_ = c.v.BindPFlag(name, flag)
		}
	}
	if c.v.IsSet("output-dir") {
		cfg.OutputDir = c.v.GetString("output-dir")
	}
	if c.v.IsSet("run-time") {
		cfg.RunTime = c.v.GetDuration("run-time")
	}
	return cfg, nil
}

func (c *cli) newAnalyzeCommand() *cobra.Command {
	var (
		platform    string
		runTarget   string
		emulator    string
		keepApps    bool
		permissions []string
	)

	cmd := &cobra.Command{
		Use:   "analyze <app>...",
		Args:  cobra.MinimumNArgs(1),
		Short: "Install, run and capture the traffic of each app in turn",
		Long: "Each argument is the path of an .apk or .ipa package or the identifier of an app " +
			"that is already installed. Captured traffic is stored as HAR files in the output directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			if platform != "" {
				cfg.Platform = platform
			}
			if runTarget != "" {
				cfg.RunTarget = runTarget
			}
			if emulator != "" {
				cfg.Emulator.Name = emulator
			}
			if keepApps {
				cfg.KeepApps = true
			}
			if len(permissions) > 0 {
				perms, err := parsePermissions(permissions)
				if err != nil {
					return err
				}
				cfg.Permissions = perms
			}
			cfg.ApplyDefaults()

			cmdLogger := c.logger.With("command", "analyze")
			cmdLogger.Info("starting analysis", "apps", len(args), "run_time", cfg.RunTime, "output_dir", cfg.OutputDir)

			outcomes, err := config.Analyze(cmd.Context(), cfg, args, cmdLogger)
			failed := 0
			out := cmd.OutOrStdout()
			for _, outcome := range outcomes {
				if outcome.Err != nil {
					failed++
					fmt.Fprintf(out, "%s\tfailed\t%v\n", outcome.App, outcome.Err)
					continue
				}
				for _, stored := range outcome.Stored {
					fmt.Fprintf(out, "%s\t%s\t%d entries\t%s\n", outcome.App, stored.Collection, stored.Entries, stored.URI)
				}
			}
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d apps failed", failed, len(args))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&platform, "platform", "", "Override the platform (android, ios)")
	flags.StringVar(&runTarget, "run-target", "", "Override the run target (emulator, physical)")
	flags.StringVar(&emulator, "emulator", "", "Use an existing virtual device by name")
	flags.BoolVar(&keepApps, "keep-apps", false, "Leave apps installed after their analysis")
	flags.StringArrayVar(&permissions, "permission", nil, "Permission to set as name=value (allow, deny, always); repeat for more")
	flags.String("output-dir", config.DefaultOutputDir, "Directory where captured traffic is stored")
	flags.Duration("run-time", config.DefaultRunTime, "How long each app runs while its traffic is captured")

	return cmd
}

func parsePermissions(values []string) (map[string]string, error) {
	perms := make(map[string]string, len(values))
	for _, value := range values {
		name, setting, ok := strings.Cut(value, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, errdefs.Usage("parse permissions", "permission %q is not of the form name=value", value)
		}
		perms[strings.TrimSpace(name)] = strings.TrimSpace(setting)
	}
	return perms, nil
}

func (c *cli) newPreflightCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Check that tracking domains resolve on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := config.Preflight(cmd.Context(), cfg, c.logger); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "tracking domains resolve")
			return nil
		},
	}
}

func (c *cli) newEmulatorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emulator",
		Short: "Inspect the virtual devices used for analysis",
	}
	cmd.AddCommand(c.newEmulatorSnapshotsCommand())
	return cmd
}

func (c *cli) newEmulatorSnapshotsCommand() *cobra.Command {
	var remove string

	cmd := &cobra.Command{
		Use:   "snapshots [name]",
		Args:  cobra.MaximumNArgs(1),
		Short: "List or delete the snapshots of a virtual device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			var explicit string
			if len(args) == 1 {
				explicit = args[0]
			}
			name, err := config.SnapshotDevice(cfg, explicit)
			if err != nil {
				return err
			}

			if remove != "" {
				if err := config.DeleteSnapshot(cfg, name, remove); err != nil {
					return err
				}
				c.logger.Info("snapshot deleted", "emulator", name, "snapshot", remove)
				return nil
			}

			snapshots, err := config.ListSnapshots(cfg, name)
			if err != nil {
				return err
			}
			if len(snapshots) == 0 {
				c.logger.Warn("no snapshots", "emulator", name)
				return nil
			}
			for _, snapshot := range snapshots {
				fmt.Fprintln(cmd.OutOrStdout(), snapshot)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&remove, "delete", "", "Delete the named snapshot instead of listing")
	return cmd
}

func (c *cli) newResultsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Inspect stored traffic captures",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored captures, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			store := &local.ResultStore{BaseDir: cfg.OutputDir}
			captures, err := store.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, capture := range captures {
				fmt.Fprintf(out, "%s\t%s\t%s\t%d entries\t%s\n",
					capture.StoredAt.Format(time.RFC3339), capture.AppID, capture.Collection, capture.Entries, capture.URI)
			}
			return nil
		},
	}
	list.Flags().String("output-dir", config.DefaultOutputDir, "Directory where captured traffic is stored")

	cmd.AddCommand(list)
	return cmd
}

func (c *cli) newSetupCommand() *cobra.Command {
	var (
		clearInstall bool
		reinstall    bool
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Install mitmproxy, the events addon and the proxy certificate authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			cmdLogger := c.logger.With("command", "setup", "dir", cfg.DataDir)
			paths := setup.PathsFor(cfg.DataDir)

			if clearInstall {
				cmdLogger.Info("clearing existing installation")
				if err := paths.Clear(); err != nil {
					return fmt.Errorf("clear installation: %w", err)
				}
			} else if err := paths.Verify(); err == nil && !reinstall {
				cmdLogger.Info("system already configured", "hint", "use 'tapwire setup --reinstall' to reinstall mitmproxy")
				return nil
			}

			paths, err = config.Setup(cmd.Context(), cfg, reinstall)
			if err != nil {
				return err
			}
			cmdLogger.Info("setup completed", "mitmdump", paths.Mitmdump, "ca", paths.CACertificate())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&clearInstall, "clear", "C", false, "Remove the installation, keeping the certificate authority, before installing")
	cmd.Flags().BoolVar(&reinstall, "reinstall", false, "Reinstall mitmproxy even when it is present")
	return cmd
}
