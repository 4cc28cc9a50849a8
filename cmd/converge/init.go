package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the API token in ~/.converge/config.toml",
	Long:  "Initialize the Converge CLI by storing your API token in the local configuration file.\nThe token can also come from CONVERGE_TOKEN in the environment or a .env file.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := ""
		if len(args) == 1 {
			token = args[0]
		} else {
			token = os.Getenv("CONVERGE_TOKEN")
		}
		if token == "" {
			return fmt.Errorf("no token given and CONVERGE_TOKEN is not set")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Token = token
		if base := os.Getenv("CONVERGE_BASE_URL"); base != "" && cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = base
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
