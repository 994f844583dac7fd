package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"camprobe/internal/preview"
	"camprobe/internal/server"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "HTTP APIとライブプレビューを提供する",
	RunE: func(cmd *cobra.Command, args []string) error {
		// コマンドラインオプションで設定を上書き
		if serveHost != "" {
			cfg.Server.Host = serveHost
		}
		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		a.connect(ctx, cfg.Camera.Index)

		var feed *preview.Feed
		if cfg.Preview.Enabled {
			feed = preview.NewFeed(a.session, preview.NewBuffer(), cfg.PreviewSettings(), a.log.Named("preview"), a.metrics)
			if err := feed.Start(ctx); err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := feed.Stop(stopCtx); err != nil {
					a.log.Warn("プレビューの停止に失敗しました", zap.Error(err))
				}
			}()
		}

		srv := server.New(cfg, server.Deps{
			Session:      a.session,
			Discovery:    a.discovery,
			Orchestrator: a.orch,
			History:      a.history,
			Feed:         feed,
			Metrics:      a.metrics,
			Publisher:    a.publisher,
			Logger:       a.log.Named("server"),
		})

		a.log.Info("camprobe サーバーを起動します", zap.String("addr", cfg.ServerAddress()))
		return srv.Start(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "サーバーのポート (デフォルト: 8080)")
}
