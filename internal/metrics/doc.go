// Package metrics はリース、テスト実行、プレビューのPrometheusメトリクスを提供する。
package metrics
