package main

import (
	"fmt"
	"net/mail"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newInitCmd())
}

func newInitCmd() *cobra.Command {
	var email, dataDir, serverURL, authToken string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a datasite config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg, err := loadDatasiteConfig(defaultConfigPath); err == nil {
				fmt.Println("Datasite already initialized")
				printConfig(cfg)
				return nil
			}

			if _, err := mail.ParseAddress(email); err != nil {
				return fmt.Errorf("invalid email: %w", err)
			}
			if authToken == "" {
				return fmt.Errorf("--token is required (issue one with the syncserver's AuthService)")
			}

			cfg := &datasiteConfig{
				Path:       defaultConfigPath,
				Email:      email,
				DataDir:    dataDir,
				ServerURL:  serverURL,
				AuthToken:  authToken,
				AppsEnable: true,
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			if err := cfg.save(); err != nil {
				return err
			}

			fmt.Println("Datasite initialized")
			printConfig(cfg)
			return nil
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringVarP(&email, "email", "e", "", "email address")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", defaultDataDir, "data directory")
	cmd.Flags().StringVarP(&serverURL, "server-url", "u", defaultServerURL, "sync server URL")
	cmd.Flags().StringVarP(&authToken, "token", "t", "", "bearer token issued by the sync server")

	return cmd
}

func printConfig(cfg *datasiteConfig) {
	fmt.Printf("Config Path: %s\n", green(cfg.Path))
	fmt.Printf("Email:       %s\n", cyan(cfg.Email))
	fmt.Printf("Data Dir:    %s\n", cyan(cfg.DataDir))
	fmt.Printf("Server:      %s\n", cyan(cfg.ServerURL))
}
