package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"camprobe/internal/camera"
	"camprobe/internal/config"
	"camprobe/internal/history"
	"camprobe/internal/metrics"
	"camprobe/internal/orchestrator"
	"camprobe/internal/preview"
	"camprobe/internal/publish"
	"camprobe/internal/report"
)

// Camera はサーバーが使うセッションの操作
type Camera interface {
	Connect(ctx context.Context, index int) (camera.HandleInfo, error)
	Disconnect()
	Connected() bool
	Info() camera.HandleInfo
	Identity() string
	Stats() camera.Stats
}

// Deps はサーバーが扱うコンポーネント
type Deps struct {
	Session      Camera
	Discovery    camera.Discovery
	Orchestrator *orchestrator.Orchestrator
	History      history.Store
	Feed         *preview.Feed    // nil ならプレビューなし
	Metrics      *metrics.Metrics // nil なら /metrics なし
	Publisher    *publish.Client  // nil なら送信しない
	Logger       *zap.Logger
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	deps       Deps
	logger     *zap.Logger
	engine     *gin.Engine
	httpServer *http.Server

	// バックグラウンドの実行に使うコンテキスト
	baseCtx    context.Context
	baseCancel context.CancelFunc
	runs       sync.WaitGroup
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestLogger(logger), gin.Recovery())

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		deps:       deps,
		logger:     logger,
		engine:     engine,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	s.setupRoutes()
	return s
}

// Handler はルーティング済みのハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/devices", s.handleDevices)
	api.POST("/camera/connect", s.handleConnect)
	api.POST("/camera/disconnect", s.handleDisconnect)
	api.GET("/tests", s.handleTests)

	api.POST("/runs", s.handleStartRun)
	api.GET("/runs", s.handleListRuns)
	api.GET("/runs/current", s.handleCurrentRun)
	api.POST("/runs/stop", s.handleStopRun)
	api.GET("/runs/:id", s.handleGetRun)

	api.GET("/preview/frame", s.handlePreviewFrame)
	api.GET("/preview/stream", s.handlePreviewStream)

	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler(s.logger)))
	}
}

// Start はサーバーを起動し、コンテキストのキャンセルかシグナルで停止する
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", zap.String("addr", s.config.ServerAddress()))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", zap.String("signal", sig.String()))
	case err := <-shutdownCh:
		s.baseCancel()
		return err
	}

	// グレースフルシャットダウン
	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown は実行中のテストを止めてからサーバーをシャットダウンする
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("サーバーをシャットダウンしています")

	if s.deps.Orchestrator != nil && s.deps.Orchestrator.Stop() {
		s.logger.Info("実行中のテストを停止しました")
	}
	s.baseCancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	// 実行中のテストが封印されて保存されるまで待つ
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("実行中のテストの終了を待たずに停止します")
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// complete は終了した実行を履歴に保存し、送信先があれば送る
func (s *Server) complete(rep *report.SuiteReport) {
	defer s.runs.Done()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), 30*time.Second)
	defer cancel()

	if s.deps.History != nil {
		if err := s.deps.History.Save(ctx, rep); err != nil {
			s.logger.Error("実行履歴の保存に失敗しました", zap.String("runId", rep.RunID), zap.Error(err))
		}
	}
	if s.deps.Publisher != nil {
		if _, err := s.deps.Publisher.Publish(ctx, rep); err != nil {
			s.logger.Warn("レポートの送信に失敗しました", zap.String("runId", rep.RunID), zap.Error(err))
		}
	}
}

// requestLogger はリクエストごとにアクセスログを出す
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTPリクエスト",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
