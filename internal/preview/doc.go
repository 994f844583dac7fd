// Package preview はテスト実行と並行して動くライブプレビューを提供する。
//
// Feed はフレームごとにSharedリースを取得して返却する。
// テストが排他的にデバイスを使っている間や切断中のフレームは飛ばされる。
package preview
