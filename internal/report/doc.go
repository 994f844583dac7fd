// Package report テスト実行の結果モデルとJSON形式を定義する
//
// # 仕様
//   - 結果は計画順に並び、集計は追加のたびに再計算される
//   - タイムスタンプはUTCのRFC 3339で、実行内で単調非減少
//   - 詳細項目は挿入順を保ち、数値は元の表記のまま出力される
//   - 封印後のレポートは変更できない
package report
