package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opensyftbox/syftbox/internal/version"
	"github.com/opensyftbox/syftbox/internal/xlog"
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:     "datasite",
	Short:   "SyftBox datasite daemon",
	Version: version.DetailedWithApp(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadViperConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &datasiteConfig{
			Path:       viper.ConfigFileUsed(),
			Email:      viper.GetString("email"),
			DataDir:    viper.GetString("data_dir"),
			ServerURL:  viper.GetString("server_url"),
			AuthToken:  viper.GetString("auth_token"),
			AppsEnable: viper.GetBool("apps_enabled"),
		}
		if cfg.Path == "" {
			cfg.Path = defaultConfigPath
		}
		if err := cfg.validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		showHeader()

		d, err := newDaemon(cfg)
		if err != nil {
			return err
		}

		defer slog.Info("Bye!")
		return d.Run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("email", "e", "", "email address for this datasite")
	rootCmd.Flags().StringP("datadir", "d", defaultDataDir, "datasite data directory")
	rootCmd.Flags().StringP("server", "s", defaultServerURL, "sync server URL")
	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "datasite config file")
}

func main() {
	consoleHandler := xlog.ConsoleHandler()
	fileHandler, logFile, err := xlog.FileHandler(defaultLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	slog.SetDefault(slog.New(xlog.NewMultiHandler(consoleHandler, fileHandler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadViperConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		path, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(path)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".syftbox"))
		viper.SetConfigName("config")
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return fmt.Errorf("config read %q: %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("email", cmd.Flags().Lookup("email"))
	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))
	viper.BindPFlag("server_url", cmd.Flags().Lookup("server"))

	viper.SetEnvPrefix("SYFTBOX")
	viper.AutomaticEnv()

	return nil
}

func showHeader() {
	color.New(color.FgHiCyan, color.Bold).Println(bannerArt)
}

const bannerArt = `
   _____             __ ______
  / ___/__  ______  / //_  __/
  \__ \/ / / / __/ / __// /
 ___/ / /_/ / /   / /_ / /
/____/\__, /_/   /_(_)/_/
     /____/
`

const syncInterval = 5 * time.Second
