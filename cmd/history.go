package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historyFormat string
	historyOutput string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "実行履歴を表示する",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "最近の実行を一覧表示する",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		limit := historyLimit
		if limit <= 0 {
			limit = cfg.History.Limit
		}
		entries, err := a.history.List(cmd.Context(), limit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, entries)
		}

		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTARTED\tCAMERA\tPASS\tFAIL\tSKIP\tERROR\tABORTED")
		fmt.Fprintln(w, "---\t-------\t------\t----\t----\t----\t-----\t-------")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%t\n",
				e.RunID, e.StartedAt.Local().Format(time.DateTime), e.CameraIdentity,
				e.Summary.Passed, e.Summary.Failed, e.Summary.Skipped, e.Summary.Errored, e.Aborted)
		}
		return w.Flush()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "保存された実行のレポートを出力する",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		rep, err := a.history.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if historyOutput != "" {
			return writeReportFile(historyOutput, rep)
		}
		if historyFormat == "text" && !jsonOutput {
			printSummary(cmd.OutOrStdout(), rep)
			return nil
		}
		format := historyFormat
		if jsonOutput {
			format = "json"
		}
		return renderReport(cmd.OutOrStdout(), format, rep)
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)

	historyListCmd.Flags().IntVar(&historyLimit, "limit", 0, "表示する最大件数 (デフォルト: 設定の history.limit)")
	historyShowCmd.Flags().StringVar(&historyFormat, "format", "text", "出力形式 (text, json, html, pdf)")
	historyShowCmd.Flags().StringVarP(&historyOutput, "output", "o", "", "レポートの出力先 (.json, .html, .pdf)")
}
