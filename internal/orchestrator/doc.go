// Package orchestrator 選択されたテストを順番に実行する
//
// # 仕様
//   - テストはカタログの序数順に1つずつ実行される
//   - 各テストは宣言したリースを取得し、タイムアウト付きで本体を実行する
//   - タイムアウトしたテストは FAIL "timed out" になり、猶予時間の後にリースを返却する
//   - デバイスが切断されると実行中のテストは ERROR、残りは SKIP になり、実行は中断扱いになる
//   - キャンセルはテストの間でだけ確認される
//   - 結果の順序は完了順ではなく計画順
package orchestrator
