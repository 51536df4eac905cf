package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opensyftbox/syftbox/internal/syncserver"
	"github.com/opensyftbox/syftbox/internal/version"
	"github.com/opensyftbox/syftbox/internal/xlog"
	"github.com/opensyftbox/syftbox/pkg/workspace"
)

const (
	defaultBindAddr    = "localhost:8081"
	defaultDataDir     = ".data"
	defaultTokenExpiry = 24 * time.Hour
)

var dotenvLoaded bool

var rootCmd = &cobra.Command{
	Use:     "syncserver",
	Short:   "SyftBox central sync server",
	Version: version.DetailedWithApp(),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := loadConfig(cmd)
		if err != nil {
			cmd.SilenceUsage = false
			return err
		}

		slog.Info("syncserver config", "dotenvLoaded", dotenvLoaded, "bind", cfg.bind, "dataDir", cfg.dataDir, "minClientVer", cfg.minClientVer)

		ws := workspace.New(cfg.dataDir)
		if err := ws.CreateDirs(); err != nil {
			return err
		}

		auth := syncserver.NewAuthService(cfg.authSecret, "syncserver", defaultTokenExpiry)
		server := syncserver.New(syncserver.Config{
			Workspace:    ws,
			Auth:         auth,
			MinClientVer: cfg.minClientVer,
		})

		httpServer := &http.Server{Addr: cfg.bind, Handler: server.Handler()}

		errCh := make(chan error, 1)
		go func() {
			slog.Info("syncserver listening", "addr", cfg.bind)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case <-cmd.Context().Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			defer slog.Info("Bye!")
			return httpServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("bind", "b", defaultBindAddr, "address to bind")
	rootCmd.Flags().StringP("dataDir", "d", defaultDataDir, "directory for server data")
	rootCmd.Flags().String("min-client-version", "", "reject clients reporting an older client-version header")
	rootCmd.Flags().String("auth-secret", "", "HMAC secret for signing sync tokens")

	if err := godotenv.Load(".env"); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Println("error loading .env file", err)
			os.Exit(1)
		}
	} else {
		dotenvLoaded = true
	}
}

func main() {
	slog.SetDefault(slog.New(xlog.ConsoleHandler()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type serverConfig struct {
	bind         string
	dataDir      string
	minClientVer string
	authSecret   string
}

func loadConfig(cmd *cobra.Command) (*serverConfig, error) {
	v := viper.New()
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/syftbox/")
	v.SetConfigName("syncserver")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("SYFTBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindPFlag("bind", cmd.Flags().Lookup("bind"))
	v.BindPFlag("data_dir", cmd.Flags().Lookup("dataDir"))
	v.BindPFlag("min_client_version", cmd.Flags().Lookup("min-client-version"))
	v.BindPFlag("auth_secret", cmd.Flags().Lookup("auth-secret"))

	v.SetDefault("bind", defaultBindAddr)
	v.SetDefault("data_dir", defaultDataDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read %q: %w", v.ConfigFileUsed(), err)
		}
	}

	secret := v.GetString("auth_secret")
	if secret == "" {
		return nil, fmt.Errorf("auth-secret (or SYFTBOX_AUTH_SECRET) is required")
	}

	return &serverConfig{
		bind:         v.GetString("bind"),
		dataDir:      v.GetString("data_dir"),
		minClientVer: v.GetString("min_client_version"),
		authSecret:   secret,
	}, nil
}
