// Package cmd はcamprobeのコマンドライン実装です
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"camprobe/internal/config"
)

var (
	cfgFile    string
	jsonOutput bool
	logLevel   string

	// cfg は PersistentPreRunE で読み込まれる
	cfg *config.Config

	// exitCode は run コマンドが結果に応じて設定する
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "camprobe",
	Short: "USBカメラの診断テストハーネス",
	Long: `USBカメラに対して検出、解像度、フレームレート、露出などの診断テストを実行し、
結果をJSON/HTML/PDFのレポートにまとめます。`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("設定が不正です: %w", err)
		}
		cfg = loaded
		return nil
	},
}

// Execute はコマンドを実行して終了コードを返す
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return exitCode
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "設定ファイル (デフォルト: ./camprobe.yaml または ~/.config/camprobe/camprobe.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "結果をJSONで出力する")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "ログレベル (debug, info, warn, error)")
}
