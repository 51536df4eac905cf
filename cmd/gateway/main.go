package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/opensyftbox/syftbox/internal/gateway"
	"github.com/opensyftbox/syftbox/internal/version"
	"github.com/opensyftbox/syftbox/internal/xlog"
	"github.com/opensyftbox/syftbox/pkg/workspace"
)

const defaultBindAddr = "localhost:8082"

var dotenvLoaded bool

var rootCmd = &cobra.Command{
	Use:     "gateway",
	Short:   "SyftBox local RPC gateway",
	Version: version.DetailedWithApp(),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		dataDir, _ := cmd.Flags().GetString("dataDir")
		bind, _ := cmd.Flags().GetString("bind")
		rateLimit, _ := cmd.Flags().GetString("rate-limit")
		blockTimeout, _ := cmd.Flags().GetDuration("block-timeout")

		if envDir := os.Getenv("SYFTBOX_DATA_DIR"); envDir != "" && !cmd.Flag("dataDir").Changed {
			dataDir = envDir
		}

		ws := workspace.New(dataDir)
		if err := ws.CreateDirs(); err != nil {
			return err
		}

		slog.Info("gateway config", "dotenvLoaded", dotenvLoaded, "bind", bind, "dataDir", ws.Root, "rateLimit", rateLimit)

		srv, err := gateway.New(gateway.Config{
			Workspace:    ws,
			FutureDBPath: filepath.Join(ws.Root, "gateway.db"),
			RateLimit:    rateLimit,
			BlockTimeout: blockTimeout,
		})
		if err != nil {
			return err
		}
		defer srv.Close()

		httpServer := &http.Server{Addr: bind, Handler: srv.Handler()}

		errCh := make(chan error, 1)
		go func() {
			slog.Info("gateway listening", "addr", bind)
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
	rootCmd.Flags().StringP("dataDir", "d", ".data", "datasite workspace directory this gateway serves")
	rootCmd.Flags().String("rate-limit", "100-M", "limiter-formatted RPC rate limit, e.g. 100-M")
	rootCmd.Flags().Duration("block-timeout", 30*time.Second, "max wait for a blocking RPC call")

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
