package cmd

import (
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "設定を扱う",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "デフォルト値、設定ファイル、環境変数を反映した設定を表示する",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), cfg)
		}
		return cfg.Dump(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}
