package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"camprobe/internal/camera"
	"camprobe/internal/history"
	"camprobe/internal/orchestrator"
	"camprobe/internal/preview"
	"camprobe/internal/render"
	"camprobe/internal/report"
)

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: code, Message: message, Timestamp: time.Now()})
}

// deviceError はカメラのエラーを応答に変換する
func deviceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, camera.ErrNotFound):
		fail(c, http.StatusNotFound, "camera_not_found", err.Error())
	case errors.Is(err, camera.ErrAlreadyInUse):
		fail(c, http.StatusConflict, "camera_in_use", err.Error())
	case errors.Is(err, camera.ErrTimeout):
		fail(c, http.StatusGatewayTimeout, "camera_timeout", err.Error())
	default:
		fail(c, http.StatusBadGateway, "camera_error", err.Error())
	}
}

const indexPage = `<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>camprobe</title></head>
<body>
<h1>camprobe</h1>
<img src="/api/preview/stream" alt="preview" width="640">
<ul>
<li><a href="/api/status">/api/status</a></li>
<li><a href="/api/tests">/api/tests</a></li>
<li><a href="/api/runs">/api/runs</a></li>
<li><a href="/api/runs/current">/api/runs/current</a></li>
</ul>
</body>
</html>
`

// handleRoot は簡単な案内ページを返す
func (s *Server) handleRoot(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexPage))
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// StatusResponse はシステム状態
type StatusResponse struct {
	Status    string                `json:"status"`
	Connected bool                  `json:"connected"`
	Camera    *camera.HandleInfo    `json:"camera,omitempty"`
	Identity  string                `json:"identity"`
	Leases    camera.Stats          `json:"leases"`
	Run       orchestrator.Snapshot `json:"run"`
	Preview   *preview.Stats        `json:"preview,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// handleStatus はステータス確認エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	resp := StatusResponse{
		Status:    "running",
		Connected: s.deps.Session.Connected(),
		Identity:  s.deps.Session.Identity(),
		Leases:    s.deps.Session.Stats(),
		Timestamp: time.Now(),
	}
	if resp.Connected {
		info := s.deps.Session.Info()
		resp.Camera = &info
	}
	if s.deps.Orchestrator != nil {
		run := s.deps.Orchestrator.Status()
		// 状態だけを返し、途中のレポートは /api/runs/current で返す
		run.Report = nil
		resp.Run = run
	}
	if s.deps.Feed != nil {
		stats := s.deps.Feed.Stats()
		resp.Preview = &stats
	}
	c.JSON(http.StatusOK, resp)
}

// handleDevices はカメラ一覧を返す
func (s *Server) handleDevices(c *gin.Context) {
	if s.deps.Discovery == nil {
		c.JSON(http.StatusOK, gin.H{"devices": []camera.DeviceInfo{}})
		return
	}
	devices, err := s.deps.Discovery.ScanDevices(c.Request.Context())
	if err != nil {
		deviceError(c, err)
		return
	}
	if devices == nil {
		devices = []camera.DeviceInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

type connectRequest struct {
	Index *int `json:"index" binding:"required"`
}

// handleConnect は指定したカメラに接続する
func (s *Server) handleConnect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if s.running() {
		fail(c, http.StatusConflict, "run_in_progress", orchestrator.ErrRunInProgress.Error())
		return
	}

	info, err := s.deps.Session.Connect(c.Request.Context(), *req.Index)
	if err != nil {
		deviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleDisconnect はカメラを切断する
func (s *Server) handleDisconnect(c *gin.Context) {
	if s.running() {
		fail(c, http.StatusConflict, "run_in_progress", orchestrator.ErrRunInProgress.Error())
		return
	}
	s.deps.Session.Disconnect()
	c.Status(http.StatusNoContent)
}

// TestInfo はテストカタログの1件
type TestInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	TimeoutMS   int64  `json:"timeoutMs"`
	Lease       string `json:"lease"`
}

// handleTests はテストカタログを返す
func (s *Server) handleTests(c *gin.Context) {
	defs := s.deps.Orchestrator.Catalog().Definitions()
	tests := make([]TestInfo, len(defs))
	for i, d := range defs {
		tests[i] = TestInfo{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			TimeoutMS:   d.Timeout.Milliseconds(),
			Lease:       d.Lease.String(),
		}
	}
	c.JSON(http.StatusOK, gin.H{"tests": tests})
}

// RunRequest は実行の要求
type RunRequest struct {
	Tests          []string           `json:"tests"`
	TimeoutSeconds float64            `json:"timeoutSeconds"`
	Overrides      map[string]float64 `json:"overrides"`
}

// Selection はリクエストを実行の選択に変換する。テストが空ならすべて
func (r RunRequest) Selection(all []string) (orchestrator.Selection, error) {
	sel := orchestrator.Selection{IDs: r.Tests}
	if len(sel.IDs) == 0 {
		sel.IDs = all
	}
	if r.TimeoutSeconds < 0 {
		return sel, fmt.Errorf("timeoutSeconds must not be negative")
	}
	sel.Timeout = seconds(r.TimeoutSeconds)
	if len(r.Overrides) > 0 {
		sel.Overrides = make(map[string]time.Duration, len(r.Overrides))
		for id, v := range r.Overrides {
			if v <= 0 {
				return sel, fmt.Errorf("override for %s must be positive", id)
			}
			sel.Overrides[id] = seconds(v)
		}
	}
	return sel, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// handleStartRun はテストの実行を開始する
func (s *Server) handleStartRun(c *gin.Context) {
	var req RunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	orch := s.deps.Orchestrator
	sel, err := req.Selection(orch.Catalog().IDs())
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	s.runs.Add(1)
	runID, err := orch.Start(s.baseCtx, sel, s.complete)
	if err != nil {
		s.runs.Done()
		fail(c, http.StatusConflict, "run_in_progress", err.Error())
		return
	}

	s.logger.Info("テスト実行を受け付けました", zap.String("runId", runID), zap.Strings("tests", sel.IDs))
	c.JSON(http.StatusAccepted, gin.H{"runId": runID, "status": orchestrator.StateRunning})
}

// handleCurrentRun は実行中または最後の実行の状態を返す
func (s *Server) handleCurrentRun(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Orchestrator.Status())
}

// handleStopRun は実行中のテストの後で実行を止める
func (s *Server) handleStopRun(c *gin.Context) {
	if !s.deps.Orchestrator.Stop() {
		fail(c, http.StatusConflict, "not_running", "no run in progress")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"stopping": true})
}

// handleListRuns は実行履歴を返す
func (s *Server) handleListRuns(c *gin.Context) {
	limit := s.config.History.Limit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.deps.History.List(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, "history_error", err.Error())
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": entries})
}

// handleGetRun は保存されたレポートを format に応じて返す
func (s *Server) handleGetRun(c *gin.Context) {
	rep, err := s.deps.History.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, history.ErrNotFound) {
		fail(c, http.StatusNotFound, "run_not_found", "指定された実行が見つかりません")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "history_error", err.Error())
		return
	}

	switch format := c.DefaultQuery("format", "json"); format {
	case "json":
		data, err := rep.ToJSON()
		if err != nil {
			fail(c, http.StatusInternalServerError, "render_error", err.Error())
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", data)
	case "html":
		s.renderTo(c, rep, "text/html; charset=utf-8", render.HTML)
	case "pdf":
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="camprobe-%s.pdf"`, rep.RunID))
		s.renderTo(c, rep, "application/pdf", render.PDF)
	default:
		fail(c, http.StatusBadRequest, "invalid_request", "unknown format "+strconv.Quote(format))
	}
}

func (s *Server) renderTo(c *gin.Context, rep *report.SuiteReport, contentType string, fn func(io.Writer, *report.SuiteReport) error) {
	var buf bytes.Buffer
	if err := fn(&buf, rep); err != nil {
		fail(c, http.StatusInternalServerError, "render_error", err.Error())
		return
	}
	c.Data(http.StatusOK, contentType, buf.Bytes())
}

// handlePreviewFrame は最新のプレビューフレームを返す
func (s *Server) handlePreviewFrame(c *gin.Context) {
	if s.deps.Feed == nil {
		fail(c, http.StatusNotFound, "preview_disabled", "プレビューは無効です")
		return
	}
	frame, ok := s.deps.Feed.Buffer().Latest()
	if !ok {
		fail(c, http.StatusServiceUnavailable, "no_frame", "まだフレームがありません")
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/jpeg", frame.Data)
}

// handlePreviewStream はMJPEGストリームを配信する
func (s *Server) handlePreviewStream(c *gin.Context) {
	if s.deps.Feed == nil {
		fail(c, http.StatusNotFound, "preview_disabled", "プレビューは無効です")
		return
	}

	frames, cancel := s.deps.Feed.Buffer().Subscribe()
	defer cancel()

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	writer := c.Writer
	writer.Flush()
	clientGone := c.Request.Context().Done()

	// ストリーミングループ
	for {
		select {
		case <-clientGone:
			return
		case <-s.baseCtx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := writeMJPEGPart(writer, frame.Data); err != nil {
				return
			}
			writer.Flush()
		}
	}
}

func writeMJPEGPart(w gin.ResponseWriter, jpeg []byte) error {
	header := fmt.Sprintf("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpeg))
	if _, err := w.Write([]byte(header)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

func (s *Server) running() bool {
	return s.deps.Orchestrator != nil && s.deps.Orchestrator.Status().State == orchestrator.StateRunning
}
