package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/blobsync/internal/client"
	"github.com/openmined/blobsync/internal/config"
	"github.com/openmined/blobsync/internal/utils"
	"github.com/openmined/blobsync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var home, _ = os.UserHomeDir()

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

// flag name -> config key
var flagKeys = map[string]string{
	"folder":    "folders",
	"repo-root": "repo_root",
	"exclude":   "excludes",
	"server":    "server_url",
	"token":     "token",
	"dry-run":   "dry_run",
	"cache":     "cache",
	"state-dir": "state_dir",
	"log-level": "log.level",
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "blobsync",
		Short:   "Sync source folders to a content-addressed blob store",
		Version: version.Detailed(),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := prepare(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			// all good now, show header
			cmd.SilenceUsage = true
			showHeader(cmd.OutOrStdout(), cfg)

			c, err := client.New(cfg)
			if err != nil {
				return err
			}

			defer slog.Info("Bye!")
			return c.Run(cmd.Context())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("config", "c", config.DefaultConfigPath, "blobsync config file")
	flags.StringSliceP("folder", "f", nil, "source folder to sync (repeatable)")
	flags.String("repo-root", "", "root that uploaded path names are relative to")
	flags.StringSliceP("exclude", "x", nil, "extra gitignore-style exclude pattern (repeatable)")
	flags.StringP("server", "s", "", "blob server url")
	flags.String("token", "", "blob server bearer token")
	flags.Bool("dry-run", false, "upload to an in-memory remote instead of the server")
	flags.String("cache", config.CacheJSON, "cache backend: json, sqlite or none")
	flags.String("state-dir", config.DefaultStateDir, "directory for the per-folder caches")
	flags.String("log-level", "info", "log level: debug, info, warn or error")

	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func main() {
	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// configPath picks the config file, honoring (in order) the --config flag,
// BLOBSYNC_CONFIG and then the search paths. It returns "" when the search
// paths should be used.
func configPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if env := os.Getenv(config.EnvPrefix + "_CONFIG"); env != "" {
		return env
	}
	return ""
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()

	if path := configPath(cmd); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(config.DefaultConfigDir)
		v.AddConfigPath(filepath.Join(home, ".config", "blobsync"))
		v.SetConfigName(config.ConfigFileName)
		v.SetConfigType("yaml")
	}

	// a missing config file is fine, flags and env may cover everything
	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	for name, key := range flagKeys {
		if f := cmd.Flag(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	config.SetDefaults(v)

	return config.Load(v)
}

// prepare loads the config and installs the default logger. The returned
// func flushes and closes the log file.
func prepare(cmd *cobra.Command) (*config.Config, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	closeLog, err := setupLogging(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	return cfg, closeLog, nil
}

func setupLogging(cfg config.LogConfig, stdout io.Writer) (func(), error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}

	noColor := true
	if f, ok := stdout.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	stdoutHandler := tint.NewHandler(stdout, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    noColor,
	})

	if cfg.File == "" {
		slog.SetDefault(slog.New(stdoutHandler))
		return func() {}, nil
	}

	if err := utils.EnsureParent(cfg.File); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	logInterceptor := utils.NewLogInterceptor(rotator)
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: level,
		// Do not include time as it is added by the log interceptor.
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))
	return func() {
		if err := logInterceptor.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
		}
	}, nil
}

func showHeader(w io.Writer, cfg *config.Config) {
	color.New(color.FgHiCyan, color.Bold).Fprintln(w, "blobsync "+version.Short())
	for _, f := range cfg.Folders {
		fmt.Fprintf(w, "  %s %s\n", green("▸"), f)
	}
	if cfg.DryRun {
		fmt.Fprintf(w, "  %s\n", red("dry run, nothing leaves this machine"))
	} else {
		fmt.Fprintf(w, "  server %s\n", cyan(cfg.ServerURL))
	}
}
