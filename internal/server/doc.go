// Package server はテストハーネスのHTTP APIを提供します。
//
// このパッケージは、カメラの接続、テスト実行の開始と停止、
// 実行履歴とレポートの取得、プレビュー映像の配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - テスト実行のバックグラウンド起動と履歴への保存
//   - レポートのJSON/HTML/PDFでの配信
//   - プレビューフレームとMJPEGストリームの配信
//   - Prometheusメトリクスの公開
//
// 仕様:
//   - ルーティングはginを使用
//   - 実行中は別の実行やカメラの切り替えを 409 で拒否する
//   - シャットダウン時は実行中のテストの終了と保存を待つ
package server
