package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"camprobe/internal/orchestrator"
	"camprobe/internal/report"
)

var (
	runTests   []string
	runTimeout float64
	runOutput  string
	runDevice  int
	runDriver  string
	runPublish bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "診断テストを実行する",
	Long: `選択したテストをカタログ順に実行し、レポートを出力します。
失敗したテストがなく、実行が中断されなかった場合だけ終了コード 0 を返します。`,
	Example: `  camprobe run
  camprobe run --tests CameraDetection,FrameRateTest --timeout 10 --output report.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("driver") {
			cfg.Camera.Driver = runDriver
		}
		if cmd.Flags().Changed("device") {
			cfg.Camera.Index = runDevice
		}
		if runOutput != "" {
			if _, err := formatOf(runOutput); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		a.connect(ctx, cfg.Camera.Index)

		rep, err := a.orch.Run(ctx, selection(a.orch, runTests, runTimeout, cfg.Suite.Tests, cfg.Suite.Timeout))
		if err != nil {
			return err
		}
		a.store(rep, runPublish)

		if runOutput != "" {
			if err := writeReportFile(runOutput, rep); err != nil {
				return err
			}
			a.log.Info("レポートを保存しました", zap.String("path", runOutput))
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			err = renderReport(out, "json", rep)
		} else {
			printSummary(out, rep)
		}
		exitCode = rep.ExitCode()
		return err
	},
}

// selection はフラグと設定から実行するテストを決める。
// "all" または空の場合はカタログのすべてのテスト。
func selection(orch *orchestrator.Orchestrator, flagTests []string, flagTimeout float64, cfgTests []string, cfgTimeout time.Duration) orchestrator.Selection {
	ids := flagTests
	if len(ids) == 0 {
		ids = cfgTests
	}
	var expanded []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if strings.EqualFold(id, "all") {
			expanded = append(expanded, orch.Catalog().IDs()...)
			continue
		}
		if id != "" {
			expanded = append(expanded, id)
		}
	}
	if len(expanded) == 0 {
		expanded = orch.Catalog().IDs()
	}

	sel := orchestrator.Selection{IDs: expanded, Timeout: cfgTimeout}
	if flagTimeout > 0 {
		sel.Timeout = time.Duration(flagTimeout * float64(time.Second))
	}
	return sel
}

// store は封印済みのレポートを履歴に保存し、必要なら送信する
func (a *app) store(rep *report.SuiteReport, publish bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.history.Save(ctx, rep); err != nil {
		a.log.Warn("実行履歴の保存に失敗しました", zap.String("runId", rep.RunID), zap.Error(err))
	}
	if !publish {
		return
	}
	if a.publisher == nil {
		a.log.Warn("送信先が設定されていないためレポートを送信しません")
		return
	}
	receipt, err := a.publisher.Publish(ctx, rep)
	if err != nil {
		a.log.Warn("レポートの送信に失敗しました", zap.String("runId", rep.RunID), zap.Error(err))
		return
	}
	a.log.Info("レポートを送信しました", zap.Int("status", receipt.StatusCode), zap.String("location", receipt.Location))
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringSliceVar(&runTests, "tests", nil, "実行するテストID (カンマ区切り、all ですべて)")
	runCmd.Flags().Float64Var(&runTimeout, "timeout", 0, "すべてのテストに適用するタイムアウト秒数")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "レポートの出力先 (.json, .html, .pdf)")
	runCmd.Flags().IntVar(&runDevice, "device", 0, "カメラのデバイス番号 (/dev/videoN)")
	runCmd.Flags().StringVar(&runDriver, "driver", "", "カメラドライバー (v4l2, synthetic)")
	runCmd.Flags().BoolVar(&runPublish, "publish", false, "設定された送信先にレポートを送る")
}
