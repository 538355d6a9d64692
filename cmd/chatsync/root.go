package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sudooom.im.chatsync/internal/config"
)

var (
	// Version 构建时注入
	Version = "0.1.0"

	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:     "chatsync",
	Short:   "Real-time two-party chat sync server",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "config file path (empty to use defaults and env only)")
	rootCmd.AddCommand(serveCmd, tokenCmd, configCmd)
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.Execute()
}
