package publish

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"camprobe/internal/report"
)

// Config は送信先の設定
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
	Retries int
}

// Receipt は送信先の応答
type Receipt struct {
	StatusCode int    `json:"statusCode"`
	Location   string `json:"location,omitempty"`
}

// Client は封印済みのレポートを外部のサービスにPOSTする
type Client struct {
	HTTP   *resty.Client
	url    string
	logger *zap.Logger
}

// New は送信クライアントを作成する
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	r := resty.New()
	r.SetTimeout(cfg.Timeout)
	r.SetRetryCount(cfg.Retries)
	r.SetRetryWaitTime(200 * time.Millisecond)
	r.SetRetryMaxWaitTime(2 * time.Second)
	r.AddRetryCondition(func(resp *resty.Response, err error) bool {
		return err != nil || resp.StatusCode() >= http.StatusInternalServerError
	})
	r.SetHeader("User-Agent", "camprobe")
	if cfg.Token != "" {
		r.SetAuthToken(cfg.Token)
	}

	return &Client{HTTP: r, url: cfg.URL, logger: logger}
}

// Publish はレポートのJSONを送信する。2xx 以外の応答はエラーになる
func (c *Client) Publish(ctx context.Context, r *report.SuiteReport) (Receipt, error) {
	if !r.Sealed() {
		return Receipt{}, report.ErrNotSealed
	}
	body, err := r.ToJSON()
	if err != nil {
		return Receipt{}, err
	}

	resp, err := c.HTTP.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", r.RunID).
		SetBody(body).
		Post(c.url)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to publish report: %w", err)
	}

	if resp.IsError() {
		return Receipt{StatusCode: resp.StatusCode()}, fmt.Errorf("failed to publish report: %s: %s", resp.Status(), resp.String())
	}

	c.logger.Info("レポートを送信しました",
		zap.String("runId", r.RunID),
		zap.String("url", c.url),
		zap.Int("status", resp.StatusCode()))
	return Receipt{StatusCode: resp.StatusCode(), Location: resp.Header().Get("Location")}, nil
}
